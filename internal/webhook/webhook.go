package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/payment"
	"github.com/iurnickita/orderdesk/internal/signature"
	"github.com/iurnickita/orderdesk/internal/webhook/config"
)

const maxBodySize = 1 << 20

const (
	endpointPayments      = "payments"
	endpointSubscriptions = "subscriptions"
)

// Результаты обработки доставки для метрики
const (
	outcomeProcessed     = "processed"
	outcomeIgnored       = "ignored"
	outcomeRejected      = "rejected"
	outcomeUnauthorized  = "unauthorized"
	outcomeMisconfigured = "misconfigured"
	outcomeFailed        = "failed"
)

type Handler struct {
	orders        payment.OrderReconciler
	subscriptions payment.SubscriptionReconciler

	// nil, если секрет не задан: такие запросы отклоняются
	paymentVerifier      signature.Verifier
	subscriptionVerifier signature.Verifier

	deliveries metric.Int64Counter
	zaplog     *zap.Logger
}

func NewHandler(cfg config.Config, orders payment.OrderReconciler, subscriptions payment.SubscriptionReconciler, zaplog *zap.Logger) (*Handler, error) {
	h := &Handler{
		orders:        orders,
		subscriptions: subscriptions,
		zaplog:        zaplog,
	}

	var err error
	h.paymentVerifier, err = signature.NewVerifier(cfg.PaymentSecret, cfg.SignatureWindow, nil)
	if err != nil {
		zaplog.Error("payment webhook secret is not configured, deliveries will be rejected")
	}
	h.subscriptionVerifier, err = signature.NewVerifier(cfg.SubscriptionSecret, cfg.SignatureWindow, nil)
	if err != nil {
		zaplog.Error("subscription webhook secret is not configured, deliveries will be rejected")
	}

	h.deliveries, err = otel.Meter("github.com/iurnickita/orderdesk/internal/webhook").Int64Counter(
		"webhook.deliveries",
		metric.WithDescription("Payment provider webhook deliveries by endpoint and outcome"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// PaymentNotification handles order payment deliveries. Once the signature
// is accepted the provider always gets 200, whatever happens next.
func (h *Handler) PaymentNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := h.authenticate(w, r, h.paymentVerifier, endpointPayments)
	if !ok {
		return
	}

	if n.Topic != "" && n.Topic != TopicPayment {
		h.record(r.Context(), endpointPayments, outcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	}

	order, err := h.orders.Reconcile(r.Context(), n.OrderID, n.ResourceID)
	switch {
	case err == nil:
		h.record(r.Context(), endpointPayments, outcomeProcessed)
		h.zaplog.Debug("order payment notification processed",
			zap.String("order_id", order.ID),
			zap.String("payment_id", n.ResourceID))
	case errors.Is(err, payment.ErrNoTransition),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, payment.ErrMissingOrder),
		errors.Is(err, payment.ErrMissingPayment):
		h.record(r.Context(), endpointPayments, outcomeIgnored)
		h.zaplog.Info("order payment notification ignored",
			zap.String("order_id", n.OrderID),
			zap.String("payment_id", n.ResourceID),
			zap.Error(err))
	default:
		h.record(r.Context(), endpointPayments, outcomeFailed)
		h.zaplog.Error("order payment notification failed",
			zap.String("order_id", n.OrderID),
			zap.String("payment_id", n.ResourceID),
			zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) SubscriptionNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := h.authenticate(w, r, h.subscriptionVerifier, endpointSubscriptions)
	if !ok {
		return
	}

	if n.Topic != TopicPayment {
		h.record(r.Context(), endpointSubscriptions, outcomeIgnored)
		w.WriteHeader(http.StatusOK)
		return
	}
	if n.ResourceID == "" {
		h.record(r.Context(), endpointSubscriptions, outcomeRejected)
		http.Error(w, payment.ErrMissingPayment.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.subscriptions.Reconcile(r.Context(), n.ResourceID)
	switch {
	case err == nil:
		h.record(r.Context(), endpointSubscriptions, outcomeProcessed)
		h.zaplog.Debug("subscription notification processed",
			zap.String("payment_id", n.ResourceID),
			zap.Bool("activated", res.Activated))
	case errors.Is(err, payment.ErrMalformedPayment):
		h.record(r.Context(), endpointSubscriptions, outcomeRejected)
		h.zaplog.Warn("subscription payment rejected",
			zap.String("payment_id", n.ResourceID),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	default:
		h.record(r.Context(), endpointSubscriptions, outcomeFailed)
		h.zaplog.Error("subscription notification failed",
			zap.String("payment_id", n.ResourceID),
			zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, verifier signature.Verifier, endpoint string) (Notification, bool) {
	if verifier == nil {
		h.record(r.Context(), endpoint, outcomeMisconfigured)
		h.zaplog.Error("webhook rejected: secret is not configured", zap.String("endpoint", endpoint))
		http.Error(w, signature.ErrSecretNotConfigured.Error(), http.StatusInternalServerError)
		return Notification{}, false
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.record(r.Context(), endpoint, outcomeRejected)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Notification{}, false
	}
	n := ParseNotification(r.URL.Query(), raw)

	res := verifier.Verify(signature.Request{
		SignatureHeader: r.Header.Get(signature.HeaderSignature),
		RequestID:       r.Header.Get(signature.HeaderRequestID),
		ResourceID:      n.SignedID,
	})
	if !res.Valid {
		h.record(r.Context(), endpoint, outcomeUnauthorized)
		h.zaplog.Warn("webhook signature rejected",
			zap.String("endpoint", endpoint),
			zap.String("reason", res.Reason))
		http.Error(w, res.Reason, http.StatusUnauthorized)
		return Notification{}, false
	}
	return n, true
}

func (h *Handler) record(ctx context.Context, endpoint string, outcome string) {
	h.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	))
}
