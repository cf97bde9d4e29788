package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyNamesTenantAndMonth(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "tenant:acme:monthly_tokens:2026-08", Key("acme", now))
}

func TestGuardCheckAndRecord(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(NewMemoryCounter())

	// Fresh tenant is under budget.
	require.NoError(t, g.Check(ctx, "acme", 1000))

	require.NoError(t, g.Record(ctx, "acme", 999))
	require.NoError(t, g.Check(ctx, "acme", 1000))

	require.NoError(t, g.Record(ctx, "acme", 1))
	err := g.Check(ctx, "acme", 1000)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "月度 Token 额度已用完 (1,000/1,000)")
}

func TestGuardSkipsUnlimitedAndTenantless(t *testing.T) {
	ctx := context.Background()
	counter := NewMemoryCounter()
	g := NewGuard(counter)

	// No tenant: nothing is checked or counted.
	require.NoError(t, g.Check(ctx, "", 10))
	require.NoError(t, g.Record(ctx, "", 100))
	val, err := counter.Get(ctx, Key("", time.Now()))
	require.NoError(t, err)
	assert.Zero(t, val)

	// Zero quota means unlimited.
	require.NoError(t, g.Record(ctx, "acme", 1_000_000))
	require.NoError(t, g.Check(ctx, "acme", 0))
}

func TestExceededErrorMessageFormatting(t *testing.T) {
	err := &ExceededError{Current: 1234567, Quota: 100000}
	assert.Equal(t, "月度 Token 额度已用完 (1,234,567/100,000)", err.Error())
}

func TestFormatThousands(t *testing.T) {
	assert.Equal(t, "0", formatThousands(0))
	assert.Equal(t, "999", formatThousands(999))
	assert.Equal(t, "1,000", formatThousands(1000))
	assert.Equal(t, "-12,345", formatThousands(-12345))
}

func TestPriceTableCost(t *testing.T) {
	table := PriceTable{
		"deepseek-chat": {Input: 0.001, Output: 0.002},
	}

	// Table entry.
	assert.InDelta(t, 0.0002, table.Cost("deepseek-chat", 100, 50), 1e-9)

	// Unknown models fall back to the default pricing.
	assert.InDelta(t, 0.0004, table.Cost("mystery-model", 100, 50), 1e-9)

	// Rounded to 6 decimals.
	assert.Equal(t, 0.000001, table.Cost("deepseek-chat", 1, 0))
}
