// Package payment reconciles payment provider state into orders and tenant
// subscriptions.
package payment

import (
	"errors"
	"time"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/payment/provider"
)

var (
	ErrNotFound          = errors.New("order or tenant not found")
	ErrMissingOrder      = errors.New("notification does not reference an order")
	ErrMissingPayment    = errors.New("notification does not reference a payment")
	ErrNoTransition      = errors.New("provider status has no internal mapping")
	ErrReferenceMismatch = errors.New("payment belongs to another order")
	ErrMalformedPayment  = errors.New("payment metadata is incomplete")
	ErrUnknownPlan       = errors.New("unknown plan type")
)

var statusTable = map[string]model.PaymentStatus{
	provider.StatusApproved:    model.PaymentStatusPaid,
	provider.StatusPending:     model.PaymentStatusProcessing,
	provider.StatusInProcess:   model.PaymentStatusProcessing,
	provider.StatusInMediation: model.PaymentStatusProcessing,
	provider.StatusRejected:    model.PaymentStatusFailed,
	provider.StatusCancelled:   model.PaymentStatusFailed,
	provider.StatusRefunded:    model.PaymentStatusRefunded,
	provider.StatusChargedBack: model.PaymentStatusRefunded,
}

// MapStatus translates a provider payment status. The second result is
// false for statuses that must leave the stored payment status unchanged.
func MapStatus(providerStatus string) (model.PaymentStatus, bool) {
	status, ok := statusTable[providerStatus]
	return status, ok
}

// PlanPeriod is the length of one paid subscription period.
func PlanPeriod(plan model.PlanType) (time.Duration, error) {
	switch plan {
	case model.PlanTypeMonthly:
		return 30 * 24 * time.Hour, nil
	case model.PlanTypeAnnual:
		return 365 * 24 * time.Hour, nil
	}
	return 0, ErrUnknownPlan
}

// Activation computes the subscription period that starts at start.
func Activation(tenantID string, plan model.PlanType, start time.Time) (model.SubscriptionActivation, error) {
	period, err := PlanPeriod(plan)
	if err != nil {
		return model.SubscriptionActivation{}, err
	}
	return model.SubscriptionActivation{
		TenantID:  tenantID,
		PlanType:  plan,
		StartedAt: start,
		EndsAt:    start.Add(period),
	}, nil
}
