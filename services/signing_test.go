package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSign_CanonicalString(t *testing.T) {
	body := []byte(`{"event_id":"evt-1"}`)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(`1700000000.{"event_id":"evt-1"}`))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign("secret", 1700000000, body))
	assert.NotEqual(t, want, Sign("secret", 1700000001, body))
	assert.NotEqual(t, want, Sign("other", 1700000000, body))
}

func TestVerifySignature(t *testing.T) {
	sig := Sign("secret", 1700000000, []byte("payload"))
	last := byte('a')
	if sig[len(sig)-1] == 'a' {
		last = 'b'
	}
	tampered := sig[:len(sig)-1] + string(last)

	tests := []struct {
		name     string
		supplied string
		want     bool
	}{
		{"exact match", sig, true},
		{"upper case hex", strings.ToUpper(sig), true},
		{"one byte off", tampered, false},
		{"truncated", sig[:10], false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifySignature(sig, tt.supplied))
		})
	}

	assert.False(t, VerifySignature("", ""))
}

func TestWithinReplayWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)

	assert.True(t, WithinReplayWindow(now.Unix(), now, DefaultReplayWindow))
	assert.True(t, WithinReplayWindow(now.Unix()-300, now, DefaultReplayWindow))
	assert.True(t, WithinReplayWindow(now.Unix()+300, now, DefaultReplayWindow))
	assert.False(t, WithinReplayWindow(now.Unix()-301, now, DefaultReplayWindow))
	assert.False(t, WithinReplayWindow(now.Unix()+301, now, DefaultReplayWindow))

	// zero skew uses the default window
	assert.True(t, WithinReplayWindow(now.Unix()-120, now, 0))
}

func TestParseTimestampHeader(t *testing.T) {
	ts, ok := ParseTimestampHeader(" 1700000000 ")
	assert.True(t, ok)
	assert.Equal(t, int64(1700000000), ts)

	for _, bad := range []string{"", "abc", "-5", "0", "1.5"} {
		_, ok := ParseTimestampHeader(bad)
		assert.False(t, ok, bad)
	}
}

func TestNewBridgeHeaders(t *testing.T) {
	h := NewBridgeHeaders("X-OpsBridge-")
	assert.Equal(t, "x-opsbridge-ts", h.Timestamp)
	assert.Equal(t, "x-opsbridge-event-id", h.EventID)
	assert.Equal(t, "x-opsbridge-request-id", h.RequestID)
	assert.Equal(t, "x-opsbridge-signature", h.Signature)
}
