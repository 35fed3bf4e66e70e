package model

import (
	"encoding/json"
	"time"
)

// Заказы

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPreparing  OrderStatus = "preparing"
	OrderStatusReady      OrderStatus = "ready"
	OrderStatusDispatched OrderStatus = "dispatched"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusReady,
		OrderStatusDispatched, OrderStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDispatched || s == OrderStatusCancelled
}

type PaymentStatus string

const (
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusPaid       PaymentStatus = "paid"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

type DeliveryType string

const (
	DeliveryTypePickup   DeliveryType = "pickup"
	DeliveryTypeDelivery DeliveryType = "delivery"
)

type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodOnline PaymentMethod = "online"
)

type Customer struct {
	Name          string        `json:"name"`
	Phone         string        `json:"phone"`
	Address       string        `json:"address"`
	Notes         string        `json:"notes,omitempty"`
	DeliveryType  DeliveryType  `json:"delivery_type"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// OrderItem carries either an integer Quantity or, when SoldByWeight,
// a Weight in WeightUnit. UnitPrice is per unit or per WeightUnit.
type OrderItem struct {
	MenuItemID   string  `json:"menu_item_id"`
	Name         string  `json:"name"`
	UnitPrice    int64   `json:"unit_price"`
	Quantity     int     `json:"quantity,omitempty"`
	SoldByWeight bool    `json:"sold_by_weight,omitempty"`
	Weight       float64 `json:"weight,omitempty"`
	WeightUnit   string  `json:"weight_unit,omitempty"`
}

type Order struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Status            OrderStatus    `json:"status"`
	StatusChangedAt   time.Time      `json:"status_changed_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	SnoozedUntil      *time.Time     `json:"snoozed_until,omitempty"`
	Items             []OrderItem    `json:"items"`
	Total             int64          `json:"total"`
	Customer          Customer       `json:"customer"`
	PaymentStatus     *PaymentStatus `json:"payment_status,omitempty"`
	ProviderPaymentID string         `json:"provider_payment_id,omitempty"`
}

// Тенанты и подписки

type PlanType string

const (
	PlanTypeMonthly PlanType = "monthly"
	PlanTypeAnnual  PlanType = "annual"
)

const SubscriptionStatusActive = "active"

// Терминальный статус провайдера для успешной оплаты подписки
const SubscriptionPaymentApproved = "approved"

type Tenant struct {
	ID                    string
	Slug                  string
	Name                  string
	Allowed               bool
	SubscriptionStatus    string
	PlanType              PlanType
	SubscriptionStartedAt *time.Time
	SubscriptionEndsAt    *time.Time
	ProviderAccessToken   string
	KitchenPINHash        string
}

type SubscriptionPayment struct {
	ID                string
	TenantID          string
	PlanType          PlanType
	Amount            float64
	PreferenceID      string
	Status            string
	ExternalReference string
	PaymentID         string
	PaymentMethod     string
	PayerEmail        string
	ApprovedAt        *time.Time
	Metadata          json.RawMessage
	CreatedAt         time.Time
}

// SubscriptionActivation is written onto the tenant together with an
// approved SubscriptionPayment.
type SubscriptionActivation struct {
	TenantID  string
	PlanType  PlanType
	StartedAt time.Time
	EndsAt    time.Time
}

// Кухня

type KitchenSession struct {
	TenantID    string    `json:"tenantId"`
	TenantSlug  string    `json:"tenantSlug"`
	TenantName  string    `json:"tenantName"`
	ValidatedAt time.Time `json:"validatedAt"`
}
