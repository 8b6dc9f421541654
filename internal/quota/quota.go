// Package quota bounds the rate of outbound mail API requests and computes
// recovery delays after throttling. A single Governor is shared by every
// component talking to the same remote account, so the combined request rate
// of concurrent runs stays within the account-wide limit.
package quota

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"mailsweep/internal/observability"
)

// ErrQuotaExceeded signals that the caller has exhausted its retry budget and
// must abandon the current page, batch, or item.
var ErrQuotaExceeded = errors.New("quota: retry attempts exhausted")

// Config holds the rate-limiting policy knobs.
type Config struct {
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
	RequestSpacing time.Duration
	PageDelay      time.Duration
	BatchDelay     time.Duration
	ItemDelay      time.Duration
}

// DefaultConfig returns the policy matching the Gmail API user quota
// (https://developers.google.com/gmail/api/reference/quota).
func DefaultConfig() Config {
	return Config{
		MinBackoff:     2 * time.Second,
		MaxBackoff:     120 * time.Second,
		MaxRetries:     5,
		RequestSpacing: 100 * time.Millisecond,
		PageDelay:      2 * time.Second,
		BatchDelay:     2 * time.Second,
		ItemDelay:      2 * time.Second,
	}
}

// Governor enforces minimum inter-request spacing and produces backoff delays.
// Safe for concurrent use.
type Governor struct {
	cfg Config

	mu   sync.Mutex
	next time.Time // earliest time the next request may go out

	throttleEvents atomic.Int64
}

// NewGovernor creates a Governor with the given policy.
func NewGovernor(cfg Config) *Governor {
	return &Governor{cfg: cfg}
}

// Config returns the governor's policy.
func (g *Governor) Config() Config {
	return g.cfg
}

// Throttle blocks until at least RequestSpacing has elapsed since the last
// permitted request, then claims the slot. Concurrent callers are serialized:
// each reserves the next available slot under the lock and sleeps outside it.
func (g *Governor) Throttle(ctx context.Context) error {
	g.mu.Lock()
	now := time.Now()
	at := g.next
	if at.Before(now) {
		at = now
	}
	g.next = at.Add(g.cfg.RequestSpacing)
	g.mu.Unlock()

	if wait := time.Until(at); wait > 0 {
		return Sleep(ctx, wait)
	}
	return nil
}

// BackoffDelay returns the delay to wait before retry number attempt
// (0-indexed): min(MaxBackoff, MinBackoff*2^attempt) plus 0-10% jitter.
// It fails with ErrQuotaExceeded once attempt reaches MaxRetries.
func (g *Governor) BackoffDelay(attempt int) (time.Duration, error) {
	if attempt >= g.cfg.MaxRetries {
		return 0, ErrQuotaExceeded
	}
	backoff := g.cfg.MinBackoff << uint(attempt)
	if backoff > g.cfg.MaxBackoff || backoff <= 0 {
		backoff = g.cfg.MaxBackoff
	}
	jitter := time.Duration(rand.Float64() * 0.1 * float64(backoff)) //nolint:gosec // jitter intentionally uses non-crypto rand
	return backoff + jitter, nil
}

// RecordThrottleEvent counts a throttling response from the remote API.
func (g *Governor) RecordThrottleEvent() {
	g.throttleEvents.Add(1)
	observability.RateLimitHits.Inc()
}

// ThrottleEvents returns the number of throttling responses seen so far.
func (g *Governor) ThrottleEvents() int64 {
	return g.throttleEvents.Load()
}

// Sleep waits for d, or returns early with the context error if ctx is
// canceled first. Pacing sleeps suspend only the calling run.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
