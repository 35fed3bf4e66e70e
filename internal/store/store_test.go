//go:build integration

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/store/config"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("orderdesk"),
		postgres.WithUsername("orderdesk"),
		postgres.WithPassword("orderdesk"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(config.Config{DBDsn: dsn, MigrateOnBoot: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.TenantCreate(ctx, model.Tenant{ID: "t1", Slug: "bar", Name: "Bar", Allowed: true}))
	require.NoError(t, store.TenantCreate(ctx, model.Tenant{ID: "t2", Slug: "cafe", Name: "Cafe", Allowed: true}))
	require.ErrorIs(t, store.TenantCreate(ctx, model.Tenant{Slug: "bar", Name: "Bar 2"}), ErrAlreadyExists)

	order := model.Order{
		ID:              "o1",
		TenantID:        "t1",
		Status:          model.OrderStatusPending,
		StatusChangedAt: at,
		CreatedAt:       at,
		UpdatedAt:       at,
		Items:           []model.OrderItem{{Name: "Pizza", UnitPrice: 3000, Quantity: 2}},
		Total:           6000,
		Customer:        model.Customer{Name: "Ana", DeliveryType: model.DeliveryTypePickup, PaymentMethod: model.PaymentMethodOnline},
	}
	require.NoError(t, store.OrderCreate(ctx, order))
	require.ErrorIs(t, store.OrderCreate(ctx, order), ErrAlreadyExists)

	got, err := store.OrderGet(ctx, "t1", "o1")
	require.NoError(t, err)
	require.Equal(t, order.Items, got.Items)
	require.Equal(t, order.Customer, got.Customer)
	require.Nil(t, got.PaymentStatus)

	// Заказ другого тенанта не виден
	_, err = store.OrderGet(ctx, "t2", "o1")
	require.ErrorIs(t, err, ErrNoRows)

	changed := at.Add(time.Minute)
	got, err = store.OrderSetStatus(ctx, "t1", "o1", model.OrderStatusDispatched, changed)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusDispatched, got.Status)
	require.True(t, changed.Equal(got.StatusChangedAt))

	_, err = store.OrderSetStatus(ctx, "t1", "o1", model.OrderStatusPending, changed)
	require.ErrorIs(t, err, ErrStatusLocked)
	_, err = store.OrderSetStatus(ctx, "t1", "missing", model.OrderStatusPending, changed)
	require.ErrorIs(t, err, ErrNoRows)

	active, err := store.OrderList(ctx, "t1", true)
	require.NoError(t, err)
	require.Empty(t, active)
	all, err := store.OrderList(ctx, "t1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)

	until := changed.Add(5 * time.Minute)
	got, err = store.OrderSnooze(ctx, "t1", "o1", until, changed)
	require.NoError(t, err)
	require.NotNil(t, got.SnoozedUntil)
	require.True(t, until.Equal(*got.SnoozedUntil))

	got, err = store.OrderSetPayment(ctx, "o1", model.PaymentStatusPaid, "123", changed)
	require.NoError(t, err)
	require.NotNil(t, got.PaymentStatus)
	require.Equal(t, model.PaymentStatusPaid, *got.PaymentStatus)
	require.Equal(t, "123", got.ProviderPaymentID)
}

func TestStoreSubscriptionApplyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.TenantCreate(ctx, model.Tenant{ID: "t1", Slug: "bar", Name: "Bar"}))

	pending := model.SubscriptionPayment{
		TenantID:          "t1",
		PlanType:          model.PlanTypeMonthly,
		Amount:            49.9,
		Status:            "pending",
		ExternalReference: "ref-1",
		Metadata:          json.RawMessage(`{"tenant_id":"t1","plan_type":"monthly"}`),
		CreatedAt:         at,
	}
	require.NoError(t, store.SubscriptionPaymentCreate(ctx, pending))

	approved := pending
	approved.Status = model.SubscriptionPaymentApproved
	approved.PaymentID = "555"
	approved.ApprovedAt = &at
	activation := &model.SubscriptionActivation{TenantID: "t1", PlanType: model.PlanTypeMonthly, StartedAt: at, EndsAt: at.AddDate(0, 0, 30)}

	activated, err := store.SubscriptionPaymentApply(ctx, approved, activation)
	require.NoError(t, err)
	require.True(t, activated)

	tenant, err := store.TenantGet(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.SubscriptionStatusActive, tenant.SubscriptionStatus)
	require.True(t, activation.EndsAt.Equal(*tenant.SubscriptionEndsAt))

	// Повторная доставка не продлевает подписку
	later := *activation
	later.StartedAt = at.Add(time.Hour)
	later.EndsAt = later.StartedAt.AddDate(0, 0, 30)
	activated, err = store.SubscriptionPaymentApply(ctx, approved, &later)
	require.NoError(t, err)
	require.False(t, activated)

	tenant, err = store.TenantGet(ctx, "t1")
	require.NoError(t, err)
	require.True(t, activation.EndsAt.Equal(*tenant.SubscriptionEndsAt))

	// Платеж без записи о checkout создается по снимку провайдера
	direct := approved
	direct.ExternalReference = "payment:777"
	direct.PaymentID = "777"
	direct.PlanType = model.PlanTypeAnnual
	annual := &model.SubscriptionActivation{TenantID: "t1", PlanType: model.PlanTypeAnnual, StartedAt: at, EndsAt: at.AddDate(0, 0, 365)}
	activated, err = store.SubscriptionPaymentApply(ctx, direct, annual)
	require.NoError(t, err)
	require.True(t, activated)
}
