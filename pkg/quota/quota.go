// Package quota enforces per-tenant monthly token budgets over a shared
// counter backend, and prices token usage per model.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrQuotaExceeded is wrapped by every exhaustion error, so callers can
// branch with errors.Is.
var ErrQuotaExceeded = errors.New("monthly token quota exhausted")

// Counter keys survive a full month plus a grace window for billing reads.
const counterTTL = 35 * 24 * time.Hour

// Counter is the storage backend for monthly counters.
type Counter interface {
	// Add increments key by n, sets ttl on it and returns the new value.
	Add(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
	// Get returns the current value, zero when the key is absent.
	Get(ctx context.Context, key string) (int64, error)
}

// ExceededError reports an exhausted budget with its current standing.
type ExceededError struct {
	Current int64
	Quota   int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("月度 Token 额度已用完 (%s/%s)",
		formatThousands(e.Current), formatThousands(e.Quota))
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

// Guard checks and records tenant token usage.
type Guard struct {
	counter Counter
}

func NewGuard(counter Counter) *Guard {
	return &Guard{counter: counter}
}

// Key names the counter for one tenant and calendar month.
func Key(tenantID string, now time.Time) string {
	return fmt.Sprintf("tenant:%s:monthly_tokens:%s", tenantID, now.UTC().Format("2006-01"))
}

// Check fails with an ExceededError when the tenant's running total has
// reached its quota. A non-positive quota means unlimited. Users without a
// tenant are never limited.
func (g *Guard) Check(ctx context.Context, tenantID string, quota int64) error {
	if tenantID == "" || quota <= 0 {
		return nil
	}

	current, err := g.counter.Get(ctx, Key(tenantID, time.Now()))
	if err != nil {
		return fmt.Errorf("failed to read quota counter: %w", err)
	}
	if current >= quota {
		return &ExceededError{Current: current, Quota: quota}
	}
	return nil
}

// Record adds consumed tokens to the tenant's monthly counter. Tenant-less
// usage is not counted.
func (g *Guard) Record(ctx context.Context, tenantID string, tokens int64) error {
	if tenantID == "" || tokens <= 0 {
		return nil
	}

	if _, err := g.counter.Add(ctx, Key(tenantID, time.Now()), tokens, counterTTL); err != nil {
		return fmt.Errorf("failed to record token usage: %w", err)
	}
	return nil
}

// formatThousands renders n with comma separators, matching the user-facing
// exhaustion message.
func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}

	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
