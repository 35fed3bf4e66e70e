package payment

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/payment/provider"
	"github.com/iurnickita/orderdesk/internal/store"
)

type OrderStore interface {
	OrderGetByID(ctx context.Context, orderID string) (model.Order, error)
	OrderSetPayment(ctx context.Context, orderID string, status model.PaymentStatus, paymentID string, at time.Time) (model.Order, error)
	TenantGet(ctx context.Context, tenantID string) (model.Tenant, error)
}

// Notifier receives every persisted order snapshot.
type Notifier interface {
	OrderChanged(ctx context.Context, order model.Order)
}

type OrderReconciler interface {
	Reconcile(ctx context.Context, orderID string, paymentID string) (model.Order, error)
}

type orderReconciler struct {
	store    OrderStore
	client   provider.Client
	notifier Notifier
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewOrderReconciler(store OrderStore, client provider.Client, notifier Notifier, zaplog *zap.Logger) OrderReconciler {
	return &orderReconciler{
		store:    store,
		client:   client,
		notifier: notifier,
		zaplog:   zaplog,
		now:      time.Now,
	}
}

// Reconcile re-reads the payment from the provider with the credentials of
// the order's tenant and stores the mapped status. Repeated deliveries apply
// the same snapshot again.
func (reconciler *orderReconciler) Reconcile(ctx context.Context, orderID string, paymentID string) (model.Order, error) {
	if orderID == "" {
		return model.Order{}, ErrMissingOrder
	}
	if paymentID == "" {
		return model.Order{}, ErrMissingPayment
	}

	order, err := reconciler.store.OrderGetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrNotFound
		}
		return model.Order{}, err
	}
	tenant, err := reconciler.store.TenantGet(ctx, order.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrNotFound
		}
		return model.Order{}, err
	}

	payment, err := reconciler.client.GetPayment(ctx, tenant.ProviderAccessToken, paymentID)
	if err != nil {
		return model.Order{}, err
	}
	if payment.ExternalReference != "" && payment.ExternalReference != order.ID {
		return model.Order{}, ErrReferenceMismatch
	}

	status, ok := MapStatus(payment.Status)
	if !ok {
		reconciler.zaplog.Info("payment status ignored",
			zap.String("order_id", order.ID),
			zap.String("provider_status", payment.Status))
		return order, ErrNoTransition
	}

	updated, err := reconciler.store.OrderSetPayment(ctx, order.ID, status, payment.IDString(), reconciler.now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrNotFound
		}
		return model.Order{}, err
	}
	reconciler.zaplog.Info("order payment reconciled",
		zap.String("tenant_id", updated.TenantID),
		zap.String("order_id", updated.ID),
		zap.String("provider_status", payment.Status),
		zap.String("payment_status", string(status)))

	reconciler.notifier.OrderChanged(ctx, updated)
	return updated, nil
}
