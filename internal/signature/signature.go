// Package signature verifies HMAC-SHA256 signatures on inbound webhook callbacks.
//
// The signed message is the raw request body immediately followed by the
// decimal unix-seconds timestamp. Signatures are lowercase hex.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/triage-ai/runguard/internal/window"
)

// MaxSkew is the freshness window on either side of the local clock.
const MaxSkew = 300 * time.Second

// Header names carried by webhook callbacks.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// Verifier checks webhook signatures against an injected clock.
type Verifier struct {
	clock window.Clock
}

// NewVerifier creates a Verifier. A nil clock uses the system clock.
func NewVerifier(clock window.Clock) *Verifier {
	if clock == nil {
		clock = window.SystemClock{}
	}
	return &Verifier{clock: clock}
}

// Verify reports whether sig is a valid signature of body at timestamp ts.
// Any failure (missing inputs, malformed or stale timestamp, mismatch) is false.
func (v *Verifier) Verify(body []byte, ts, sig, secret string) bool {
	if ts == "" || sig == "" {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	skew := v.clock.Now().Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxSkew/time.Second) {
		return false
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(body, ts, secret))
}

// Sign returns the hex signature of body at timestamp ts.
func Sign(body []byte, ts, secret string) string {
	return hex.EncodeToString(mac(body, ts, secret))
}

// SignNow signs body with the current time from clock and returns (ts, sig).
func SignNow(clock window.Clock, body []byte, secret string) (string, string) {
	ts := strconv.FormatInt(clock.Now().Unix(), 10)
	return ts, Sign(body, ts, secret)
}

func mac(body []byte, ts, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	h.Write([]byte(ts))
	return h.Sum(nil)
}
