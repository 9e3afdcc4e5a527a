package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultReplayWindow is the maximum clock skew accepted on signed requests
const DefaultReplayWindow = 300 * time.Second

// Sign returns the hex HMAC-SHA256 of "<ts>.<body>" under secret
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares two hex signatures in constant time.
// Case is normalized first so partners may send upper-case hex.
func VerifySignature(expectedHex, suppliedHex string) bool {
	expected := strings.ToLower(strings.TrimSpace(expectedHex))
	supplied := strings.ToLower(strings.TrimSpace(suppliedHex))

	if len(expected) == 0 || len(expected) != len(supplied) {
		return false
	}

	var diff byte
	for i := 0; i < len(expected); i++ {
		diff |= expected[i] ^ supplied[i]
	}
	return diff == 0
}

// WithinReplayWindow reports whether ts (unix seconds) is at most maxSkew away from now.
// A non-positive maxSkew falls back to DefaultReplayWindow.
func WithinReplayWindow(ts int64, now time.Time, maxSkew time.Duration) bool {
	if maxSkew <= 0 {
		maxSkew = DefaultReplayWindow
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	return skew <= int64(maxSkew/time.Second)
}

// ParseTimestampHeader parses a unix-seconds header value
func ParseTimestampHeader(value string) (int64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}

// BridgeHeaders names the four signed-request headers for a prefix such as "x-opsbridge"
type BridgeHeaders struct {
	Timestamp string
	EventID   string
	RequestID string
	Signature string
}

func NewBridgeHeaders(prefix string) BridgeHeaders {
	prefix = strings.TrimSuffix(strings.ToLower(prefix), "-")
	return BridgeHeaders{
		Timestamp: prefix + "-ts",
		EventID:   prefix + "-event-id",
		RequestID: prefix + "-request-id",
		Signature: prefix + "-signature",
	}
}
