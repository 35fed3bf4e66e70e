package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/payment/config"
	"github.com/iurnickita/orderdesk/internal/payment/provider"
	"github.com/iurnickita/orderdesk/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	payments map[string]provider.Payment
	tokens   []string
	prefs    []provider.PreferenceRequest
	err      error
}

func (c *fakeClient) GetPayment(_ context.Context, accessToken string, paymentID string) (provider.Payment, error) {
	c.tokens = append(c.tokens, accessToken)
	if c.err != nil {
		return provider.Payment{}, c.err
	}
	p, ok := c.payments[paymentID]
	if !ok {
		return provider.Payment{}, provider.ErrPaymentNotFound
	}
	return p, nil
}

func (c *fakeClient) CreatePreference(_ context.Context, accessToken string, req provider.PreferenceRequest) (provider.Preference, error) {
	c.tokens = append(c.tokens, accessToken)
	c.prefs = append(c.prefs, req)
	return provider.Preference{ID: "pref-1", InitPoint: "https://pay/pref-1"}, nil
}

type fakeStore struct {
	orders   map[string]model.Order
	tenants  map[string]model.Tenant
	payments map[string]model.SubscriptionPayment
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders: map[string]model.Order{
			"o1": {ID: "o1", TenantID: "t1", Status: model.OrderStatusPending},
		},
		tenants: map[string]model.Tenant{
			"t1": {ID: "t1", Slug: "bar", ProviderAccessToken: "tenant-token"},
		},
		payments: map[string]model.SubscriptionPayment{},
	}
}

func (s *fakeStore) OrderGetByID(_ context.Context, orderID string) (model.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, store.ErrNoRows
	}
	return order, nil
}

func (s *fakeStore) OrderSetPayment(_ context.Context, orderID string, status model.PaymentStatus, paymentID string, at time.Time) (model.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, store.ErrNoRows
	}
	order.PaymentStatus = &status
	order.ProviderPaymentID = paymentID
	order.UpdatedAt = at
	s.orders[orderID] = order
	return order, nil
}

func (s *fakeStore) TenantGet(_ context.Context, tenantID string) (model.Tenant, error) {
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return model.Tenant{}, store.ErrNoRows
	}
	return tenant, nil
}

func (s *fakeStore) SubscriptionPaymentCreate(_ context.Context, payment model.SubscriptionPayment) error {
	if _, ok := s.payments[payment.ExternalReference]; ok {
		return store.ErrAlreadyExists
	}
	s.payments[payment.ExternalReference] = payment
	return nil
}

func (s *fakeStore) SubscriptionPaymentApply(_ context.Context, payment model.SubscriptionPayment, activation *model.SubscriptionActivation) (bool, error) {
	prev, existed := s.payments[payment.ExternalReference]
	if existed && prev.Status == model.SubscriptionPaymentApproved {
		payment.Status = prev.Status
		payment.ApprovedAt = prev.ApprovedAt
	}
	s.payments[payment.ExternalReference] = payment

	if activation == nil || prev.Status == model.SubscriptionPaymentApproved {
		return false, nil
	}
	tenant, ok := s.tenants[activation.TenantID]
	if !ok {
		return false, store.ErrNoRows
	}
	tenant.SubscriptionStatus = model.SubscriptionStatusActive
	tenant.PlanType = activation.PlanType
	tenant.SubscriptionStartedAt = &activation.StartedAt
	tenant.SubscriptionEndsAt = &activation.EndsAt
	s.tenants[activation.TenantID] = tenant
	return true, nil
}

type recordingNotifier struct {
	orders []model.Order
}

func (n *recordingNotifier) OrderChanged(_ context.Context, order model.Order) {
	n.orders = append(n.orders, order)
}

func TestMapStatus(t *testing.T) {
	tests := map[string]model.PaymentStatus{
		"approved":     model.PaymentStatusPaid,
		"pending":      model.PaymentStatusProcessing,
		"in_process":   model.PaymentStatusProcessing,
		"in_mediation": model.PaymentStatusProcessing,
		"rejected":     model.PaymentStatusFailed,
		"cancelled":    model.PaymentStatusFailed,
		"refunded":     model.PaymentStatusRefunded,
		"charged_back": model.PaymentStatusRefunded,
	}
	for in, want := range tests {
		got, ok := MapStatus(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"authorized", "", "APPROVED"} {
		_, ok := MapStatus(in)
		require.False(t, ok, in)
	}
}

func TestActivation(t *testing.T) {
	a, err := Activation("t1", model.PlanTypeMonthly, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(30*24*time.Hour), a.EndsAt)
	require.Equal(t, now, a.StartedAt)

	a, err = Activation("t1", model.PlanTypeAnnual, now)
	require.NoError(t, err)
	require.Equal(t, now.Add(365*24*time.Hour), a.EndsAt)

	_, err = Activation("t1", "weekly", now)
	require.ErrorIs(t, err, ErrUnknownPlan)
}

func newOrderReconciler(s *fakeStore, c *fakeClient, n Notifier) OrderReconciler {
	r := NewOrderReconciler(s, c, n, zap.NewNop()).(*orderReconciler)
	r.now = func() time.Time { return now }
	return r
}

func TestOrderReconcile(t *testing.T) {
	s := newFakeStore()
	c := &fakeClient{payments: map[string]provider.Payment{
		"100": {ID: 100, Status: "approved", ExternalReference: "o1"},
	}}
	n := &recordingNotifier{}
	r := newOrderReconciler(s, c, n)

	order, err := r.Reconcile(context.Background(), "o1", "100")
	require.NoError(t, err)
	require.Equal(t, model.PaymentStatusPaid, *order.PaymentStatus)
	require.Equal(t, "100", order.ProviderPaymentID)
	require.Equal(t, []string{"tenant-token"}, c.tokens)
	require.Len(t, n.orders, 1)

	// Повторная доставка дает то же состояние
	again, err := r.Reconcile(context.Background(), "o1", "100")
	require.NoError(t, err)
	require.Equal(t, order.PaymentStatus, again.PaymentStatus)
	require.Equal(t, order.ProviderPaymentID, again.ProviderPaymentID)
}

func TestOrderReconcileUnmapped(t *testing.T) {
	s := newFakeStore()
	ps := model.PaymentStatusProcessing
	o := s.orders["o1"]
	o.PaymentStatus = &ps
	s.orders["o1"] = o

	c := &fakeClient{payments: map[string]provider.Payment{
		"100": {ID: 100, Status: "authorized"},
	}}
	n := &recordingNotifier{}

	_, err := newOrderReconciler(s, c, n).Reconcile(context.Background(), "o1", "100")
	require.ErrorIs(t, err, ErrNoTransition)
	require.Equal(t, model.PaymentStatusProcessing, *s.orders["o1"].PaymentStatus)
	require.Empty(t, n.orders)
}

func TestOrderReconcileErrors(t *testing.T) {
	ctx := context.Background()
	c := &fakeClient{payments: map[string]provider.Payment{
		"100": {ID: 100, Status: "approved", ExternalReference: "other"},
	}}

	_, err := newOrderReconciler(newFakeStore(), c, &recordingNotifier{}).Reconcile(ctx, "", "100")
	require.ErrorIs(t, err, ErrMissingOrder)

	_, err = newOrderReconciler(newFakeStore(), c, &recordingNotifier{}).Reconcile(ctx, "o1", "")
	require.ErrorIs(t, err, ErrMissingPayment)

	_, err = newOrderReconciler(newFakeStore(), c, &recordingNotifier{}).Reconcile(ctx, "nope", "100")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = newOrderReconciler(newFakeStore(), c, &recordingNotifier{}).Reconcile(ctx, "o1", "100")
	require.ErrorIs(t, err, ErrReferenceMismatch)

	_, err = newOrderReconciler(newFakeStore(), c, &recordingNotifier{}).Reconcile(ctx, "o1", "404")
	require.ErrorIs(t, err, provider.ErrPaymentNotFound)

	_, err = newOrderReconciler(newFakeStore(), &fakeClient{err: provider.ErrUpstream}, &recordingNotifier{}).Reconcile(ctx, "o1", "100")
	require.ErrorIs(t, err, provider.ErrUpstream)
}

func newSubscriptionReconciler(s *fakeStore, c *fakeClient, at *time.Time) SubscriptionReconciler {
	cfg := config.Config{PlatformAccessToken: "platform-token", MonthlyPrice: 49.9, AnnualPrice: 499}
	r := NewSubscriptionReconciler(cfg, s, c, zap.NewNop()).(*subscriptionReconciler)
	r.now = func() time.Time { return *at }
	return r
}

func TestSubscriptionReconcileActivates(t *testing.T) {
	for _, tt := range []struct {
		plan   string
		period time.Duration
	}{
		{"monthly", 30 * 24 * time.Hour},
		{"annual", 365 * 24 * time.Hour},
	} {
		t.Run(tt.plan, func(t *testing.T) {
			s := newFakeStore()
			c := &fakeClient{payments: map[string]provider.Payment{
				"7": {
					ID:                7,
					Status:            "approved",
					ExternalReference: "ref-1",
					Metadata:          map[string]any{"tenant_id": "t1", "plan_type": tt.plan},
				},
			}}
			at := now
			res, err := newSubscriptionReconciler(s, c, &at).Reconcile(context.Background(), "7")
			require.NoError(t, err)
			require.True(t, res.Activated)
			require.Equal(t, []string{"platform-token"}, c.tokens)

			tenant := s.tenants["t1"]
			require.Equal(t, model.SubscriptionStatusActive, tenant.SubscriptionStatus)
			require.Equal(t, model.PlanType(tt.plan), tenant.PlanType)
			require.Equal(t, now, *tenant.SubscriptionStartedAt)
			require.Equal(t, now.Add(tt.period), *tenant.SubscriptionEndsAt)
		})
	}
}

func TestSubscriptionReconcileReplay(t *testing.T) {
	s := newFakeStore()
	approvedAt := now.Add(-time.Minute)
	c := &fakeClient{payments: map[string]provider.Payment{
		"7": {
			ID:                7,
			Status:            "approved",
			ExternalReference: "ref-1",
			DateApproved:      &approvedAt,
			Metadata:          map[string]any{"tenant_id": "t1", "plan_type": "monthly"},
		},
	}}
	at := now
	r := newSubscriptionReconciler(s, c, &at)

	res, err := r.Reconcile(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, res.Activated)
	endsAt := *s.tenants["t1"].SubscriptionEndsAt
	require.Equal(t, approvedAt.Add(30*24*time.Hour), endsAt)

	// Повтор через сутки не продлевает подписку
	at = now.Add(24 * time.Hour)
	res, err = r.Reconcile(context.Background(), "7")
	require.NoError(t, err)
	require.False(t, res.Activated)
	require.Equal(t, endsAt, *s.tenants["t1"].SubscriptionEndsAt)
}

func TestSubscriptionReconcileKeepsApproved(t *testing.T) {
	s := newFakeStore()
	c := &fakeClient{payments: map[string]provider.Payment{
		"7": {ID: 7, Status: "approved", ExternalReference: "ref-1", Metadata: map[string]any{"tenant_id": "t1", "plan_type": "monthly"}},
		"8": {ID: 8, Status: "refunded", ExternalReference: "ref-1", Metadata: map[string]any{"tenant_id": "t1", "plan_type": "monthly"}},
	}}
	at := now
	r := newSubscriptionReconciler(s, c, &at)

	_, err := r.Reconcile(context.Background(), "7")
	require.NoError(t, err)
	res, err := r.Reconcile(context.Background(), "8")
	require.NoError(t, err)
	require.False(t, res.Activated)
	require.Equal(t, model.SubscriptionPaymentApproved, s.payments["ref-1"].Status)
}

func TestSubscriptionReconcilePending(t *testing.T) {
	s := newFakeStore()
	c := &fakeClient{payments: map[string]provider.Payment{
		"7": {ID: 7, Status: "pending", Metadata: map[string]any{"tenant_id": "t1", "plan_type": "annual"}},
	}}
	at := now
	res, err := newSubscriptionReconciler(s, c, &at).Reconcile(context.Background(), "7")
	require.NoError(t, err)
	require.False(t, res.Activated)
	require.Equal(t, "payment:7", res.Payment.ExternalReference)
	require.Nil(t, s.tenants["t1"].SubscriptionEndsAt)
}

func TestSubscriptionReconcileMalformed(t *testing.T) {
	c := &fakeClient{payments: map[string]provider.Payment{
		"1": {ID: 1, Status: "approved", Metadata: map[string]any{"plan_type": "monthly"}},
		"2": {ID: 2, Status: "approved", Metadata: map[string]any{"tenant_id": "t1"}},
		"3": {ID: 3, Status: "approved", Metadata: map[string]any{"tenant_id": "t1", "plan_type": "weekly"}},
		"4": {ID: 4, Status: "approved"},
	}}
	at := now
	r := newSubscriptionReconciler(newFakeStore(), c, &at)
	for _, id := range []string{"1", "2", "3", "4"} {
		_, err := r.Reconcile(context.Background(), id)
		require.ErrorIs(t, err, ErrMalformedPayment, id)
	}

	_, err := r.Reconcile(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingPayment)
}

func TestSubscriptionReconcileUnknownTenant(t *testing.T) {
	c := &fakeClient{payments: map[string]provider.Payment{
		"1": {ID: 1, Status: "approved", Metadata: map[string]any{"tenant_id": "ghost", "plan_type": "monthly"}},
	}}
	at := now
	_, err := newSubscriptionReconciler(newFakeStore(), c, &at).Reconcile(context.Background(), "1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckout(t *testing.T) {
	s := newFakeStore()
	c := &fakeClient{}
	at := now
	r := newSubscriptionReconciler(s, c, &at)

	payment, pref, err := r.Checkout(context.Background(), "t1", model.PlanTypeAnnual)
	require.NoError(t, err)
	require.Equal(t, "pref-1", pref.ID)
	require.Equal(t, "pref-1", payment.PreferenceID)
	require.Equal(t, 499.0, payment.Amount)
	require.Equal(t, "pending", payment.Status)
	require.NotEmpty(t, payment.ExternalReference)
	require.Contains(t, s.payments, payment.ExternalReference)

	require.Len(t, c.prefs, 1)
	require.Equal(t, payment.ExternalReference, c.prefs[0].ExternalReference)
	require.Equal(t, "t1", c.prefs[0].Metadata[MetadataTenantID])
	require.Equal(t, []string{"platform-token"}, c.tokens)

	_, _, err = r.Checkout(context.Background(), "t1", "weekly")
	require.ErrorIs(t, err, ErrUnknownPlan)
	_, _, err = r.Checkout(context.Background(), "ghost", model.PlanTypeMonthly)
	require.ErrorIs(t, err, ErrNotFound)
}
