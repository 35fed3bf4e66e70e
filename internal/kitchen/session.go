package kitchen

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/iurnickita/orderdesk/internal/kitchen/config"
	"github.com/iurnickita/orderdesk/internal/model"
)

const (
	CookieSession     = "orderdeskKitchenSession"
	DefaultSessionTTL = 12 * time.Hour
)

var (
	ErrNoSession            = errors.New("kitchen session not found")
	ErrSessionExpired       = errors.New("kitchen session expired")
	ErrInvalidSession       = errors.New("kitchen session is invalid")
	ErrSessionNotConfigured = errors.New("kitchen session secret is not configured")
)

type sessionClaims struct {
	model.KitchenSession
	jwt.RegisteredClaims
}

// SessionManager keeps the kitchen session in a signed cookie.
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func NewSessionManager(cfg config.Config) (*SessionManager, error) {
	if cfg.SessionSecret == "" {
		return nil, ErrSessionNotConfigured
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionManager{
		secret: []byte(cfg.SessionSecret),
		ttl:    ttl,
		secure: cfg.CookieSecure,
		now:    time.Now,
	}, nil
}

// Issue signs the session and sets it as a cookie on w.
func (m *SessionManager) Issue(w http.ResponseWriter, session model.KitchenSession) error {
	expires := session.ValidatedAt.Add(m.ttl)
	claims := sessionClaims{
		KitchenSession: session,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.TenantID,
			IssuedAt:  jwt.NewNumericDate(session.ValidatedAt),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieSession,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Load returns the session carried by r. Sessions older than the TTL are
// rejected even if the browser still sends the cookie.
func (m *SessionManager) Load(r *http.Request) (model.KitchenSession, error) {
	cookie, err := r.Cookie(CookieSession)
	if err != nil {
		return model.KitchenSession{}, ErrNoSession
	}

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return model.KitchenSession{}, ErrInvalidSession
	}
	if claims.TenantID == "" || claims.ExpiresAt == nil {
		return model.KitchenSession{}, ErrInvalidSession
	}

	// Срок проверяем сами, чтобы часы были одни на весь сервис
	if !m.now().Before(claims.ExpiresAt.Time) {
		return model.KitchenSession{}, ErrSessionExpired
	}
	return claims.KitchenSession, nil
}

// Clear drops the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieSession,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
