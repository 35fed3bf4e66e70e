// Package signature authenticates payment provider webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-Id"

	DefaultWindow = 5 * time.Minute
)

// Причины отказа
const (
	ReasonMissingHeaders = "missing headers"
	ReasonMalformed      = "malformed signature"
	ReasonExpired        = "expired"
	ReasonMismatch       = "mismatch"
)

var ErrSecretNotConfigured = errors.New("webhook secret is not configured")

type Request struct {
	// Значение заголовка x-signature: ts=...,v1=...
	SignatureHeader string
	RequestID       string
	ResourceID      string
}

type Result struct {
	Valid  bool
	Reason string
}

type Verifier interface {
	Verify(req Request) Result
}

type verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

// NewVerifier fails on an empty secret so callers can never fall back to
// accepting unsigned deliveries.
func NewVerifier(secret string, window time.Duration, now func() time.Time) (Verifier, error) {
	if secret == "" {
		return nil, ErrSecretNotConfigured
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &verifier{secret: []byte(secret), window: window, now: now}, nil
}

func (verifier *verifier) Verify(req Request) Result {
	if req.SignatureHeader == "" || req.RequestID == "" || req.ResourceID == "" {
		return Result{Reason: ReasonMissingHeaders}
	}

	ts, hash, ok := parseHeader(req.SignatureHeader)
	if !ok {
		return Result{Reason: ReasonMalformed}
	}
	seconds, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Result{Reason: ReasonMalformed}
	}

	skew := verifier.now().Sub(time.Unix(seconds, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > verifier.window {
		return Result{Reason: ReasonExpired}
	}

	want := Sign(verifier.secret, req.ResourceID, req.RequestID, ts)
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(hash))) {
		return Result{Reason: ReasonMismatch}
	}
	return Result{Valid: true}
}

// Manifest builds the canonical signed string.
func Manifest(resourceID, requestID, ts string) string {
	return fmt.Sprintf("id:%s;request-id:%s;ts:%s;", resourceID, requestID, ts)
}

// Sign returns the hex HMAC-SHA256 of the manifest.
func Sign(secret []byte, resourceID, requestID, ts string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Manifest(resourceID, requestID, ts)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Header formats a signature header value, mostly for tests and tooling.
func Header(secret []byte, resourceID, requestID string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "ts=" + ts + ",v1=" + Sign(secret, resourceID, requestID, ts)
}

func parseHeader(header string) (ts string, hash string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			hash = strings.TrimSpace(value)
		}
	}
	return ts, hash, ts != "" && hash != ""
}
