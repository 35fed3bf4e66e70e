package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/payment/config"
	"github.com/iurnickita/orderdesk/internal/payment/provider"
	"github.com/iurnickita/orderdesk/internal/store"
)

// Ключи metadata, с которыми создается preference подписки
const (
	MetadataTenantID = "tenant_id"
	MetadataPlanType = "plan_type"
)

type SubscriptionStore interface {
	TenantGet(ctx context.Context, tenantID string) (model.Tenant, error)
	SubscriptionPaymentCreate(ctx context.Context, payment model.SubscriptionPayment) error
	SubscriptionPaymentApply(ctx context.Context, payment model.SubscriptionPayment, activation *model.SubscriptionActivation) (bool, error)
}

type SubscriptionResult struct {
	Payment   model.SubscriptionPayment
	Activated bool
}

type SubscriptionReconciler interface {
	Reconcile(ctx context.Context, paymentID string) (SubscriptionResult, error)
	Checkout(ctx context.Context, tenantID string, plan model.PlanType) (model.SubscriptionPayment, provider.Preference, error)
}

type subscriptionReconciler struct {
	cfg    config.Config
	store  SubscriptionStore
	client provider.Client
	zaplog *zap.Logger
	now    func() time.Time
}

func NewSubscriptionReconciler(cfg config.Config, store SubscriptionStore, client provider.Client, zaplog *zap.Logger) SubscriptionReconciler {
	return &subscriptionReconciler{
		cfg:    cfg,
		store:  store,
		client: client,
		zaplog: zaplog,
		now:    time.Now,
	}
}

// Reconcile stores the latest provider snapshot of a subscription payment.
// The tenant is activated only on the first approved snapshot of a
// reference, so replays do not move the end date.
func (reconciler *subscriptionReconciler) Reconcile(ctx context.Context, paymentID string) (SubscriptionResult, error) {
	if paymentID == "" {
		return SubscriptionResult{}, ErrMissingPayment
	}

	p, err := reconciler.client.GetPayment(ctx, reconciler.cfg.PlatformAccessToken, paymentID)
	if err != nil {
		return SubscriptionResult{}, err
	}

	tenantID := p.MetadataString(MetadataTenantID)
	plan := model.PlanType(p.MetadataString(MetadataPlanType))
	if tenantID == "" || plan == "" {
		return SubscriptionResult{}, ErrMalformedPayment
	}
	if _, err := PlanPeriod(plan); err != nil {
		return SubscriptionResult{}, fmt.Errorf("%w: %w", ErrMalformedPayment, err)
	}

	now := reconciler.now().UTC()
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return SubscriptionResult{}, err
	}
	reference := p.ExternalReference
	if reference == "" {
		// Платеж создан не через наш checkout
		reference = "payment:" + p.IDString()
	}

	payment := model.SubscriptionPayment{
		TenantID:          tenantID,
		PlanType:          plan,
		Amount:            p.TransactionAmount,
		Status:            p.Status,
		ExternalReference: reference,
		PaymentID:         p.IDString(),
		PaymentMethod:     p.PaymentMethodID,
		PayerEmail:        p.Payer.Email,
		Metadata:          metadata,
		CreatedAt:         now,
	}

	var activation *model.SubscriptionActivation
	if p.Status == provider.StatusApproved {
		start := now
		if p.DateApproved != nil {
			start = p.DateApproved.UTC()
		}
		payment.ApprovedAt = &start
		a, err := Activation(tenantID, plan, start)
		if err != nil {
			return SubscriptionResult{}, err
		}
		activation = &a
	}

	activated, err := reconciler.store.SubscriptionPaymentApply(ctx, payment, activation)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return SubscriptionResult{}, ErrNotFound
		}
		return SubscriptionResult{}, err
	}

	fields := []zap.Field{
		zap.String("tenant_id", tenantID),
		zap.String("payment_id", payment.PaymentID),
		zap.String("external_reference", reference),
		zap.String("status", p.Status),
		zap.Bool("activated", activated),
	}
	if activated {
		fields = append(fields, zap.Time("ends_at", activation.EndsAt))
	}
	reconciler.zaplog.Info("subscription payment reconciled", fields...)

	return SubscriptionResult{Payment: payment, Activated: activated}, nil
}

// Checkout creates a provider preference for a plan and records the
// pending payment under a fresh external reference.
func (reconciler *subscriptionReconciler) Checkout(ctx context.Context, tenantID string, plan model.PlanType) (model.SubscriptionPayment, provider.Preference, error) {
	var price float64
	switch plan {
	case model.PlanTypeMonthly:
		price = reconciler.cfg.MonthlyPrice
	case model.PlanTypeAnnual:
		price = reconciler.cfg.AnnualPrice
	default:
		return model.SubscriptionPayment{}, provider.Preference{}, ErrUnknownPlan
	}

	if _, err := reconciler.store.TenantGet(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.SubscriptionPayment{}, provider.Preference{}, ErrNotFound
		}
		return model.SubscriptionPayment{}, provider.Preference{}, err
	}

	reference := uuid.New().String()
	metadata := map[string]any{
		MetadataTenantID: tenantID,
		MetadataPlanType: string(plan),
	}
	pref, err := reconciler.client.CreatePreference(ctx, reconciler.cfg.PlatformAccessToken, provider.PreferenceRequest{
		Items: []provider.PreferenceItem{{
			Title:      "Plan " + string(plan),
			Quantity:   1,
			UnitPrice:  price,
			CurrencyID: reconciler.cfg.CurrencyID,
		}},
		ExternalReference: reference,
		NotificationURL:   reconciler.cfg.NotificationURL,
		Metadata:          metadata,
	})
	if err != nil {
		return model.SubscriptionPayment{}, provider.Preference{}, err
	}

	raw, err := json.Marshal(metadata)
	if err != nil {
		return model.SubscriptionPayment{}, provider.Preference{}, err
	}
	payment := model.SubscriptionPayment{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		PlanType:          plan,
		Amount:            price,
		PreferenceID:      pref.ID,
		Status:            provider.StatusPending,
		ExternalReference: reference,
		Metadata:          raw,
		CreatedAt:         reconciler.now().UTC(),
	}
	if err := reconciler.store.SubscriptionPaymentCreate(ctx, payment); err != nil {
		return model.SubscriptionPayment{}, provider.Preference{}, err
	}
	reconciler.zaplog.Info("subscription checkout started",
		zap.String("tenant_id", tenantID),
		zap.String("plan_type", string(plan)),
		zap.String("external_reference", reference))

	return payment, pref, nil
}
