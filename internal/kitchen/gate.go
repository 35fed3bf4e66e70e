package kitchen

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/store"
)

var (
	ErrRateLimited = errors.New("too many failed PIN attempts")
	ErrInvalidPIN  = errors.New("invalid PIN")
)

type TenantStore interface {
	TenantGetBySlug(ctx context.Context, slug string) (model.Tenant, error)
}

type Gate interface {
	CheckRateLimit(ctx context.Context, slug string) (Status, error)
	// ValidatePIN returns nil when the slug is unknown or the PIN is wrong.
	ValidatePIN(ctx context.Context, slug string, pin string) (*model.Tenant, error)
	Unlock(ctx context.Context, slug string, pin string) (model.KitchenSession, Status, error)
}

type gate struct {
	store   TenantStore
	limiter RateLimiter
	zaplog  *zap.Logger
	now     func() time.Time
}

func NewGate(store TenantStore, limiter RateLimiter, zaplog *zap.Logger) Gate {
	return &gate{
		store:   store,
		limiter: limiter,
		zaplog:  zaplog,
		now:     time.Now,
	}
}

func (gate *gate) CheckRateLimit(ctx context.Context, slug string) (Status, error) {
	return gate.limiter.Check(ctx, slug)
}

func (gate *gate) ValidatePIN(ctx context.Context, slug string, pin string) (*model.Tenant, error) {
	if slug == "" || pin == "" {
		return nil, nil
	}
	tenant, err := gate.store.TenantGetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if tenant.KitchenPINHash == "" {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(tenant.KitchenPINHash), []byte(pin)); err != nil {
		return nil, nil
	}
	return &tenant, nil
}

// Unlock reserves an attempt before touching the PIN. A locked slug never
// reaches bcrypt, and parallel guesses share one attempt budget.
// A wrong PIN keeps the attempt counted; a right one resets the counter.
func (gate *gate) Unlock(ctx context.Context, slug string, pin string) (model.KitchenSession, Status, error) {
	allowed, status, err := gate.limiter.Reserve(ctx, slug)
	if err != nil {
		return model.KitchenSession{}, Status{}, err
	}
	if !allowed {
		return model.KitchenSession{}, status, ErrRateLimited
	}

	tenant, err := gate.ValidatePIN(ctx, slug, pin)
	if err != nil {
		return model.KitchenSession{}, Status{}, err
	}
	if tenant == nil {
		gate.zaplog.Info("kitchen PIN rejected",
			zap.String("slug", slug),
			zap.Int("attempts_remaining", status.AttemptsRemaining),
			zap.Bool("rate_limited", status.RateLimited))
		return model.KitchenSession{}, status, ErrInvalidPIN
	}

	if err := gate.limiter.Reset(ctx, slug); err != nil {
		gate.zaplog.Warn("kitchen PIN limiter reset failed", zap.String("slug", slug), zap.Error(err))
	}

	session := model.KitchenSession{
		TenantID:    tenant.ID,
		TenantSlug:  tenant.Slug,
		TenantName:  tenant.Name,
		ValidatedAt: gate.now().UTC().Truncate(time.Second),
	}
	gate.zaplog.Info("kitchen unlocked", zap.String("tenant_id", tenant.ID))
	return session, Status{}, nil
}

// HashPIN prepares a PIN for storage.
func HashPIN(pin string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
