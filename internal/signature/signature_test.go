package signature

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const secret = "s3cr3t"

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T) Verifier {
	v, err := NewVerifier(secret, 0, func() time.Time { return now })
	require.NoError(t, err)
	return v
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier("", time.Minute, nil)
	require.ErrorIs(t, err, ErrSecretNotConfigured)
}

func TestManifest(t *testing.T) {
	require.Equal(t, "id:123;request-id:req-1;ts:1700000000;", Manifest("123", "req-1", "1700000000"))
}

func TestVerifyAccepts(t *testing.T) {
	v := newTestVerifier(t)

	res := v.Verify(Request{
		SignatureHeader: Header([]byte(secret), "123", "req-1", now.Add(-time.Minute)),
		RequestID:       "req-1",
		ResourceID:      "123",
	})
	require.True(t, res.Valid)
	require.Empty(t, res.Reason)

	// Порядок ключей и пробелы не важны
	ts := strconv.FormatInt(now.Unix(), 10)
	res = v.Verify(Request{
		SignatureHeader: " v1=" + Sign([]byte(secret), "123", "req-1", ts) + " , ts=" + ts,
		RequestID:       "req-1",
		ResourceID:      "123",
	})
	require.True(t, res.Valid)
}

func TestVerifyRejects(t *testing.T) {
	v := newTestVerifier(t)
	good := Header([]byte(secret), "123", "req-1", now)
	ts := strconv.FormatInt(now.Unix(), 10)
	hash := Sign([]byte(secret), "123", "req-1", ts)

	flipped := []byte(hash)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}

	tests := []struct {
		name   string
		req    Request
		reason string
	}{
		{
			name:   "no signature",
			req:    Request{RequestID: "req-1", ResourceID: "123"},
			reason: ReasonMissingHeaders,
		},
		{
			name:   "no request id",
			req:    Request{SignatureHeader: good, ResourceID: "123"},
			reason: ReasonMissingHeaders,
		},
		{
			name:   "no resource id",
			req:    Request{SignatureHeader: good, RequestID: "req-1"},
			reason: ReasonMissingHeaders,
		},
		{
			name:   "no hash",
			req:    Request{SignatureHeader: "ts=" + ts, RequestID: "req-1", ResourceID: "123"},
			reason: ReasonMalformed,
		},
		{
			name:   "bad ts",
			req:    Request{SignatureHeader: "ts=abc,v1=" + hash, RequestID: "req-1", ResourceID: "123"},
			reason: ReasonMalformed,
		},
		{
			name:   "stale",
			req:    Request{SignatureHeader: Header([]byte(secret), "123", "req-1", now.Add(-301*time.Second)), RequestID: "req-1", ResourceID: "123"},
			reason: ReasonExpired,
		},
		{
			name:   "future",
			req:    Request{SignatureHeader: Header([]byte(secret), "123", "req-1", now.Add(6*time.Minute)), RequestID: "req-1", ResourceID: "123"},
			reason: ReasonExpired,
		},
		{
			name:   "one char differs",
			req:    Request{SignatureHeader: "ts=" + ts + ",v1=" + string(flipped), RequestID: "req-1", ResourceID: "123"},
			reason: ReasonMismatch,
		},
		{
			name:   "other resource",
			req:    Request{SignatureHeader: good, RequestID: "req-1", ResourceID: "124"},
			reason: ReasonMismatch,
		},
		{
			name:   "other secret",
			req:    Request{SignatureHeader: Header([]byte("other"), "123", "req-1", now), RequestID: "req-1", ResourceID: "123"},
			reason: ReasonMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Verify(tt.req)
			require.False(t, res.Valid)
			require.Equal(t, tt.reason, res.Reason)
		})
	}
}
