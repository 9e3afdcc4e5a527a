package services

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/phonginreallife/opsbridge/internal/config"
)

// PartnerClient delivers signed events to the remediation partner webhook
type PartnerClient struct {
	partnerURL string
	secret     string
	headers    BridgeHeaders
	httpClient *http.Client
	now        func() time.Time
}

// PartnerDelivery describes one completed HTTP exchange with the partner
type PartnerDelivery struct {
	StatusCode int
	Latency    time.Duration
}

// NewPartnerClient creates a PartnerClient with a bounded request timeout
func NewPartnerClient(cfg config.BridgeConfig) *PartnerClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PartnerClient{
		partnerURL: cfg.PartnerURL,
		secret:     cfg.SigningSecret,
		headers:    NewBridgeHeaders(cfg.HeaderPrefix),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// IsConfigured returns true if both the partner URL and signing secret are set
func (c *PartnerClient) IsConfigured() bool {
	return c.partnerURL != "" && c.secret != ""
}

// Deliver signs body with the current timestamp and POSTs it to the partner.
// Network errors, timeouts and non-2xx responses are all returned as ErrTransient.
func (c *PartnerClient) Deliver(ctx context.Context, eventID, requestID string, body []byte) (PartnerDelivery, error) {
	if !c.IsConfigured() {
		return PartnerDelivery{}, configurationError("partner webhook is not configured")
	}

	ts := c.now().Unix()
	signature := Sign(c.secret, ts, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.partnerURL, bytes.NewReader(body))
	if err != nil {
		return PartnerDelivery{}, configurationError("invalid partner url: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.headers.Timestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(c.headers.EventID, eventID)
	req.Header.Set(c.headers.RequestID, requestID)
	req.Header.Set(c.headers.Signature, signature)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return PartnerDelivery{Latency: latency}, transientError("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	delivery := PartnerDelivery{StatusCode: resp.StatusCode, Latency: latency}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return delivery, transientError("partner responded %s: %s", resp.Status, string(detail))
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return delivery, nil
}
