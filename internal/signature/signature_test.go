package signature

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/runguard/internal/window"
)

const testSecret = "whsec_test_secret"

func clockAt(unix int64) *window.Fixed {
	return &window.Fixed{T: time.Unix(unix, 0).UTC()}
}

func TestVerify_ValidSignature(t *testing.T) {
	now := int64(1_700_000_000)
	v := NewVerifier(clockAt(now))
	body := []byte(`{"run_id":"r1","state":"succeeded"}`)
	ts := strconv.FormatInt(now, 10)

	if !v.Verify(body, ts, Sign(body, ts, testSecret), testSecret) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerify_MissingInputs(t *testing.T) {
	v := NewVerifier(clockAt(1_700_000_000))
	body := []byte("x")
	ts := "1700000000"
	sig := Sign(body, ts, testSecret)

	if v.Verify(body, "", sig, testSecret) {
		t.Error("empty timestamp should fail")
	}
	if v.Verify(body, ts, "", testSecret) {
		t.Error("empty signature should fail")
	}
}

func TestVerify_NonIntegerTimestamp(t *testing.T) {
	v := NewVerifier(clockAt(1_700_000_000))
	body := []byte("x")
	for _, ts := range []string{"abc", "1700000000.5", " 1700000000"} {
		if v.Verify(body, ts, Sign(body, ts, testSecret), testSecret) {
			t.Errorf("timestamp %q should fail", ts)
		}
	}
}

func TestVerify_FreshnessBoundary(t *testing.T) {
	now := int64(1_700_000_000)
	v := NewVerifier(clockAt(now))
	body := []byte(`{}`)

	cases := []struct {
		offset int64
		want   bool
	}{
		{-300, true},
		{300, true},
		{-301, false},
		{301, false},
		{0, true},
	}
	for _, tc := range cases {
		ts := strconv.FormatInt(now+tc.offset, 10)
		got := v.Verify(body, ts, Sign(body, ts, testSecret), testSecret)
		if got != tc.want {
			t.Errorf("offset %d: expected %v, got %v", tc.offset, tc.want, got)
		}
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	now := int64(1_700_000_000)
	v := NewVerifier(clockAt(now))
	ts := strconv.FormatInt(now, 10)
	sig := Sign([]byte(`{"state":"failed"}`), ts, testSecret)

	if v.Verify([]byte(`{"state":"succeeded"}`), ts, sig, testSecret) {
		t.Fatal("modified body should fail")
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	now := int64(1_700_000_000)
	v := NewVerifier(clockAt(now))
	body := []byte(`{}`)
	ts := strconv.FormatInt(now, 10)

	if v.Verify(body, ts, Sign(body, ts, "other"), testSecret) {
		t.Fatal("signature under another secret should fail")
	}
}

func TestVerify_TimestampIsBound(t *testing.T) {
	now := int64(1_700_000_000)
	v := NewVerifier(clockAt(now))
	body := []byte(`{}`)
	sig := Sign(body, strconv.FormatInt(now, 10), testSecret)

	if v.Verify(body, strconv.FormatInt(now-1, 10), sig, testSecret) {
		t.Fatal("signature must not verify under a different timestamp")
	}
}

func TestVerify_NonHexSignature(t *testing.T) {
	v := NewVerifier(clockAt(1_700_000_000))
	if v.Verify([]byte("x"), "1700000000", strings.Repeat("z", 64), testSecret) {
		t.Fatal("non-hex signature should fail")
	}
}

func TestSignNow(t *testing.T) {
	c := clockAt(1_700_000_123)
	v := NewVerifier(c)
	body := []byte("payload")
	ts, sig := SignNow(c, body, testSecret)
	if ts != "1700000123" {
		t.Errorf("expected ts 1700000123, got %s", ts)
	}
	if !v.Verify(body, ts, sig, testSecret) {
		t.Fatal("SignNow output should verify")
	}
}
