package order

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/store"
)

type Service interface {
	Create(ctx context.Context, tenantID string, req NewOrder) (model.Order, error)
	Get(ctx context.Context, tenantID string, orderID string) (model.Order, error)
	List(ctx context.Context, tenantID string, activeOnly bool) ([]model.Order, error)
	UpdateStatus(ctx context.Context, tenantID string, orderID string, status model.OrderStatus) (model.Order, error)
	Cancel(ctx context.Context, tenantID string, orderID string) (model.Order, error)
	Snooze(ctx context.Context, tenantID string, orderID string, minutes int) (model.Order, error)
}

// Store is the persistence the order service needs.
type Store interface {
	OrderCreate(ctx context.Context, order model.Order) error
	OrderGet(ctx context.Context, tenantID string, orderID string) (model.Order, error)
	OrderList(ctx context.Context, tenantID string, activeOnly bool) ([]model.Order, error)
	OrderSetStatus(ctx context.Context, tenantID string, orderID string, status model.OrderStatus, at time.Time) (model.Order, error)
	OrderSnooze(ctx context.Context, tenantID string, orderID string, until time.Time, at time.Time) (model.Order, error)
	TenantGet(ctx context.Context, tenantID string) (model.Tenant, error)
}

// Notifier receives every persisted order snapshot.
type Notifier interface {
	OrderChanged(ctx context.Context, order model.Order)
}

var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidItem      = errors.New("invalid order item")
	ErrNotFound         = errors.New("order not found")
	ErrInvalidStatus    = errors.New("invalid order status")
	ErrTerminal         = errors.New("order is dispatched or cancelled")
	ErrInvalidSnooze    = errors.New("snooze minutes must be positive")
	ErrTenantNotAllowed = errors.New("tenant is not allowed to take orders")
)

type NewOrder struct {
	Items    []model.OrderItem `json:"items"`
	Customer model.Customer    `json:"customer"`
}

// Transition checks whether an order in status current may be set to next.
// Any active status may move to any status; dispatched and cancelled are
// terminal and only accept a repeat of themselves.
func Transition(current, next model.OrderStatus) error {
	if !next.Valid() {
		return ErrInvalidStatus
	}
	if current.Terminal() && current != next {
		return ErrTerminal
	}
	return nil
}

type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

type service struct {
	store    Store
	notifier Notifier
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, notifier Notifier, zaplog *zap.Logger, opts ...Option) Service {
	s := &service{
		store:    store,
		notifier: notifier,
		zaplog:   zaplog,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (service *service) Create(ctx context.Context, tenantID string, req NewOrder) (model.Order, error) {
	if tenantID == "" || len(req.Items) == 0 || req.Customer.Name == "" {
		return model.Order{}, ErrInsufficientData
	}
	if err := validateCustomer(req.Customer); err != nil {
		return model.Order{}, err
	}
	total, err := Total(req.Items)
	if err != nil {
		return model.Order{}, err
	}

	tenant, err := service.store.TenantGet(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrTenantNotAllowed
		}
		return model.Order{}, err
	}
	if !tenant.Allowed {
		return model.Order{}, ErrTenantNotAllowed
	}

	now := service.now().UTC()
	order := model.Order{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		Status:          model.OrderStatusPending,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
		Items:           req.Items,
		Total:           total,
		Customer:        req.Customer,
	}
	// Онлайн-оплата ждет вебхука провайдера
	if req.Customer.PaymentMethod == model.PaymentMethodOnline {
		ps := model.PaymentStatusProcessing
		order.PaymentStatus = &ps
	}

	if err := service.store.OrderCreate(ctx, order); err != nil {
		return model.Order{}, err
	}
	service.zaplog.Info("order created",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", order.ID),
		zap.Int64("total", order.Total))

	service.notifier.OrderChanged(ctx, order)
	return order, nil
}

func (service *service) Get(ctx context.Context, tenantID string, orderID string) (model.Order, error) {
	order, err := service.store.OrderGet(ctx, tenantID, orderID)
	if errors.Is(err, store.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	return order, err
}

func (service *service) List(ctx context.Context, tenantID string, activeOnly bool) ([]model.Order, error) {
	if tenantID == "" {
		return nil, ErrInsufficientData
	}
	return service.store.OrderList(ctx, tenantID, activeOnly)
}

func (service *service) UpdateStatus(ctx context.Context, tenantID string, orderID string, status model.OrderStatus) (model.Order, error) {
	current, err := service.Get(ctx, tenantID, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if err := Transition(current.Status, status); err != nil {
		return model.Order{}, err
	}

	order, err := service.store.OrderSetStatus(ctx, tenantID, orderID, status, service.now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNoRows):
			return model.Order{}, ErrNotFound
		case errors.Is(err, store.ErrStatusLocked):
			return model.Order{}, ErrTerminal
		default:
			return model.Order{}, err
		}
	}
	service.zaplog.Info("order status updated",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.String("from", string(current.Status)),
		zap.String("to", string(order.Status)))

	service.notifier.OrderChanged(ctx, order)
	return order, nil
}

func (service *service) Cancel(ctx context.Context, tenantID string, orderID string) (model.Order, error) {
	current, err := service.Get(ctx, tenantID, orderID)
	if err != nil {
		return model.Order{}, err
	}
	// Повторная отмена ничего не меняет
	if current.Status == model.OrderStatusCancelled {
		return current, nil
	}
	return service.UpdateStatus(ctx, tenantID, orderID, model.OrderStatusCancelled)
}

func (service *service) Snooze(ctx context.Context, tenantID string, orderID string, minutes int) (model.Order, error) {
	if minutes <= 0 {
		return model.Order{}, ErrInvalidSnooze
	}
	now := service.now().UTC()
	until := now.Add(time.Duration(minutes) * time.Minute)

	order, err := service.store.OrderSnooze(ctx, tenantID, orderID, until, now)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrNotFound
		}
		return model.Order{}, err
	}
	service.zaplog.Info("order alert snoozed",
		zap.String("tenant_id", tenantID),
		zap.String("order_id", orderID),
		zap.Time("until", until))

	service.notifier.OrderChanged(ctx, order)
	return order, nil
}

// Total sums the line items in minor currency units. Weighted items are
// priced per weight unit and rounded to the nearest minor unit.
func Total(items []model.OrderItem) (int64, error) {
	var total int64
	for _, item := range items {
		if item.UnitPrice < 0 {
			return 0, ErrInvalidItem
		}
		if item.SoldByWeight {
			if item.Weight <= 0 || item.WeightUnit == "" || item.Quantity != 0 {
				return 0, ErrInvalidItem
			}
			total += int64(math.Round(float64(item.UnitPrice) * item.Weight))
			continue
		}
		if item.Quantity <= 0 || item.Weight != 0 || item.WeightUnit != "" {
			return 0, ErrInvalidItem
		}
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total, nil
}

func validateCustomer(c model.Customer) error {
	switch c.DeliveryType {
	case model.DeliveryTypePickup:
	case model.DeliveryTypeDelivery:
		if c.Address == "" {
			return ErrInsufficientData
		}
	default:
		return ErrInsufficientData
	}
	switch c.PaymentMethod {
	case model.PaymentMethodCash, model.PaymentMethodOnline:
		return nil
	}
	return ErrInsufficientData
}
