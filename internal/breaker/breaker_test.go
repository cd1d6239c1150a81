package breaker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantex/exchange-core/internal/config"
	"github.com/quantex/exchange-core/pkg/errors"
)

func testConfig() config.BreakerConfig {
	return config.BreakerConfig{
		PriceChangeThreshold: 0.10,
		Window:               time.Minute,
		FailureThreshold:     3,
		CoolDown:             30 * time.Second,
	}
}

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := New(zap.NewNop(), testConfig())
	b.now = func() time.Time { return current }
	return b, &current
}

func TestOpensOnPriceJumpAboveThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	// 15% jump against a 10% threshold.
	b.ObservePrice("EURUSD", decimal.RequireFromString("100"))
	b.ObservePrice("EURUSD", decimal.RequireFromString("115"))

	assert.True(t, b.IsOpen("EURUSD"))
	err := b.Allow("EURUSD")
	assert.True(t, errors.IsKind(err, errors.KindTradingSuspended))
}

func TestStaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.ObservePrice("EURUSD", decimal.RequireFromString("100"))
	b.ObservePrice("EURUSD", decimal.RequireFromString("109"))

	assert.False(t, b.IsOpen("EURUSD"))
	assert.NoError(t, b.Allow("EURUSD"))
}

func TestClosesAfterCoolDown(t *testing.T) {
	b, now := newTestBreaker(t)

	b.ObservePrice("EURUSD", decimal.RequireFromString("100"))
	b.ObservePrice("EURUSD", decimal.RequireFromString("120"))
	require.True(t, b.IsOpen("EURUSD"))

	*now = now.Add(10 * time.Second)
	assert.Error(t, b.Allow("EURUSD"), "still inside cool-down")

	*now = now.Add(25 * time.Second)
	assert.NoError(t, b.Allow("EURUSD"))
	assert.False(t, b.IsOpen("EURUSD"))

	// Counters reset: a single small move does not immediately reopen.
	b.ObservePrice("EURUSD", decimal.RequireFromString("121"))
	assert.NoError(t, b.Allow("EURUSD"))
}

func TestOpensOnRepeatedFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordFailure("EURUSD")
	b.RecordFailure("EURUSD")
	assert.False(t, b.IsOpen("EURUSD"))

	b.RecordFailure("EURUSD")
	assert.True(t, b.IsOpen("EURUSD"))
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.RecordFailure("EURUSD")
	b.RecordFailure("EURUSD")
	b.RecordSuccess("EURUSD")
	b.RecordFailure("EURUSD")
	b.RecordFailure("EURUSD")

	assert.False(t, b.IsOpen("EURUSD"))
}

func TestSymbolsAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(t)

	b.ObservePrice("EURUSD", decimal.RequireFromString("100"))
	b.ObservePrice("EURUSD", decimal.RequireFromString("120"))

	assert.True(t, b.IsOpen("EURUSD"))
	assert.NoError(t, b.Allow("GBPUSD"))
}

func TestObservationsOutsideWindowExpire(t *testing.T) {
	b, now := newTestBreaker(t)

	b.ObservePrice("EURUSD", decimal.RequireFromString("100"))
	// The old observation falls out of the one-minute window before the
	// jump arrives, so no in-window range exceeds the threshold.
	*now = now.Add(2 * time.Minute)
	b.ObservePrice("EURUSD", decimal.RequireFromString("120"))

	assert.False(t, b.IsOpen("EURUSD"))
}
