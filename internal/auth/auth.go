// Package auth resolves which tenant an HTTP request acts for and serves
// the kitchen PIN unlock endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/alert"
	"github.com/iurnickita/orderdesk/internal/kitchen"
	"github.com/iurnickita/orderdesk/internal/model"
)

type Auth interface {
	RateLimit(w http.ResponseWriter, r *http.Request)
	Unlock(w http.ResponseWriter, r *http.Request)
	Logout(w http.ResponseWriter, r *http.Request)
	// Middleware accepts staff requests and kitchen sessions.
	Middleware(h http.HandlerFunc) http.HandlerFunc
	// KitchenMiddleware accepts kitchen sessions only.
	KitchenMiddleware(h http.HandlerFunc) http.HandlerFunc
}

// Identity is the tenant a request acts for and the surface it uses.
type Identity struct {
	TenantID string
	Surface  alert.Surface
}

type identityKey struct{}

var (
	ErrNoIdentity          = errors.New("tenant identity is missing")
	ErrKitchenNotAvailable = errors.New("kitchen access is not configured")
)

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

type auth struct {
	gate         kitchen.Gate
	sessions     *kitchen.SessionManager
	tenantHeader string
	zaplog       *zap.Logger
}

// NewAuth trusts tenantHeader as set by the authenticating proxy in front
// of the staff dashboard. sessions may be nil, which disables the kitchen.
func NewAuth(gate kitchen.Gate, sessions *kitchen.SessionManager, tenantHeader string, zaplog *zap.Logger) Auth {
	return &auth{
		gate:         gate,
		sessions:     sessions,
		tenantHeader: tenantHeader,
		zaplog:       zaplog,
	}
}

func (a *auth) RateLimit(w http.ResponseWriter, r *http.Request) {
	if a.gate == nil {
		http.Error(w, ErrKitchenNotAvailable.Error(), http.StatusServiceUnavailable)
		return
	}

	status, err := a.gate.CheckRateLimit(r.Context(), r.PathValue("slug"))
	if err != nil {
		a.zaplog.Error("kitchen rate limit check failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type unlockRequest struct {
	PIN string `json:"pin"`
}

type unlockResponse struct {
	Session *model.KitchenSession `json:"session,omitempty"`
	kitchen.Status
	Error string `json:"error,omitempty"`
}

func (a *auth) Unlock(w http.ResponseWriter, r *http.Request) {
	if a.gate == nil || a.sessions == nil {
		http.Error(w, ErrKitchenNotAvailable.Error(), http.StatusServiceUnavailable)
		return
	}

	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PIN == "" {
		http.Error(w, "pin is required", http.StatusBadRequest)
		return
	}

	session, status, err := a.gate.Unlock(r.Context(), r.PathValue("slug"), req.PIN)
	switch {
	case err == nil:
	case errors.Is(err, kitchen.ErrRateLimited):
		w.Header().Set("Retry-After", strconv.Itoa(status.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, unlockResponse{Status: status, Error: err.Error()})
		return
	case errors.Is(err, kitchen.ErrInvalidPIN):
		if status.RateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(status.RetryAfterSeconds))
		}
		writeJSON(w, http.StatusUnauthorized, unlockResponse{Status: status, Error: err.Error()})
		return
	default:
		a.zaplog.Error("kitchen unlock failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := a.sessions.Issue(w, session); err != nil {
		a.zaplog.Error("kitchen session issue failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, unlockResponse{Session: &session, Status: status})
}

func (a *auth) Logout(w http.ResponseWriter, _ *http.Request) {
	if a.sessions != nil {
		a.sessions.Clear(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identity(r, true)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}

func (a *auth) KitchenMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.identity(r, false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	}
}

// identity prefers the kitchen session: a kitchen tablet never carries the
// proxy header.
func (a *auth) identity(r *http.Request, allowStaff bool) (Identity, error) {
	if a.sessions != nil {
		session, err := a.sessions.Load(r)
		switch {
		case err == nil:
			return Identity{TenantID: session.TenantID, Surface: alert.SurfaceKitchen}, nil
		case !errors.Is(err, kitchen.ErrNoSession) && !allowStaff:
			return Identity{}, err
		}
	}

	if allowStaff {
		if tenantID := r.Header.Get(a.tenantHeader); tenantID != "" {
			return Identity{TenantID: tenantID, Surface: alert.SurfaceOrders}, nil
		}
	}
	return Identity{}, ErrNoIdentity
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
