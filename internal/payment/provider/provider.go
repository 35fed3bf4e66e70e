// Package provider is the HTTP client of the payment provider API.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/iurnickita/orderdesk/internal/payment/config"
)

// Статусы платежа на стороне провайдера
const (
	StatusApproved    = "approved"
	StatusPending     = "pending"
	StatusInProcess   = "in_process"
	StatusInMediation = "in_mediation"
	StatusRejected    = "rejected"
	StatusCancelled   = "cancelled"
	StatusRefunded    = "refunded"
	StatusChargedBack = "charged_back"
)

var (
	ErrPaymentNotFound = errors.New("payment not found at provider")
	ErrUpstream        = errors.New("payment provider error")
	ErrNoToken         = errors.New("payment provider access token is empty")
)

type Payer struct {
	Email string `json:"email"`
}

// Payment is the part of the provider payment resource the service reads.
type Payment struct {
	ID                int64          `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	ExternalReference string         `json:"external_reference"`
	Metadata          map[string]any `json:"metadata"`
	DateApproved      *time.Time     `json:"date_approved"`
	PaymentMethodID   string         `json:"payment_method_id"`
	TransactionAmount float64        `json:"transaction_amount"`
	Payer             Payer          `json:"payer"`
}

func (p Payment) IDString() string {
	return strconv.FormatInt(p.ID, 10)
}

// MetadataString returns a metadata value as a string. The provider
// lowercases metadata keys and may turn numeric strings into numbers.
func (p Payment) MetadataString(key string) string {
	v, ok := p.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

type PreferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id,omitempty"`
}

type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
}

type Preference struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type Client interface {
	GetPayment(ctx context.Context, accessToken string, paymentID string) (Payment, error)
	CreatePreference(ctx context.Context, accessToken string, req PreferenceRequest) (Preference, error)
}

type client struct {
	resty *resty.Client
}

func NewClient(cfg config.Config) Client {
	r := resty.New().
		SetBaseURL(cfg.ProviderBaseURL).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWait).
		AddRetryCondition(retryable)
	if cfg.Timeout > 0 {
		r.SetTimeout(cfg.Timeout)
	}
	return &client{resty: r}
}

// Повторяются только чтения: повтор POST создал бы вторую preference
func retryable(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	return err != nil || resp.StatusCode() >= http.StatusInternalServerError
}

func (client *client) GetPayment(ctx context.Context, accessToken string, paymentID string) (Payment, error) {
	if accessToken == "" {
		return Payment{}, ErrNoToken
	}

	var payment Payment
	resp, err := client.resty.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetPathParam("id", paymentID).
		SetResult(&payment).
		Get("/v1/payments/{id}")
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return payment, nil
	case http.StatusNotFound:
		return Payment{}, ErrPaymentNotFound
	default:
		return Payment{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode())
	}
}

func (client *client) CreatePreference(ctx context.Context, accessToken string, req PreferenceRequest) (Preference, error) {
	if accessToken == "" {
		return Preference{}, ErrNoToken
	}

	resp, err := client.resty.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(req).
		Post("/checkout/preferences")
	if err != nil {
		return Preference{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated:
		var pref Preference
		err = json.Unmarshal(resp.Body(), &pref)
		return pref, err
	default:
		return Preference{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode())
	}
}
