// Package breaker implements the per-symbol trading circuit breaker: a
// two-state machine that opens on excessive rolling price movement or on
// repeated operational failures, and closes again after a cool-down.
//
// State reads are lock-free (eventually consistent is acceptable for the
// placement fast path); state transitions are serialized per symbol.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantex/exchange-core/internal/config"
	"github.com/quantex/exchange-core/pkg/errors"
	"github.com/quantex/exchange-core/pkg/metrics"
)

// Breaker states
const (
	stateClosed int32 = 0
	stateOpen   int32 = 1
)

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

type symbolState struct {
	state    atomic.Int32
	openedAt atomic.Int64 // unix nanos

	mu       sync.Mutex // serializes transitions and window updates
	failures int
	window   []pricePoint
}

// Breaker is the circuit breaker over all symbols of one engine.
type Breaker struct {
	logger *zap.Logger
	cfg    config.BreakerConfig

	mu      sync.RWMutex
	symbols map[string]*symbolState

	now func() time.Time
}

// New creates a breaker with the given thresholds.
func New(logger *zap.Logger, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		logger:  logger.Named("breaker"),
		cfg:     cfg,
		symbols: make(map[string]*symbolState),
		now:     time.Now,
	}
}

func (b *Breaker) state(symbol string) *symbolState {
	b.mu.RLock()
	st, ok := b.symbols[symbol]
	b.mu.RUnlock()
	if ok {
		return st
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok = b.symbols[symbol]; !ok {
		st = &symbolState{}
		b.symbols[symbol] = st
	}
	return st
}

// Allow reports whether trading in symbol is permitted, returning a
// TRADING_SUSPENDED error while the breaker is open. An open breaker whose
// cool-down has elapsed closes automatically, resetting its counters.
func (b *Breaker) Allow(symbol string) error {
	st := b.state(symbol)
	if st.state.Load() == stateClosed {
		return nil
	}
	openedAt := time.Unix(0, st.openedAt.Load())
	if b.now().Sub(openedAt) < b.cfg.CoolDown {
		return errors.New(errors.KindTradingSuspended,
			"trading in %s suspended until %s", symbol, openedAt.Add(b.cfg.CoolDown).Format(time.RFC3339))
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state.Load() == stateOpen && b.now().Sub(time.Unix(0, st.openedAt.Load())) >= b.cfg.CoolDown {
		st.failures = 0
		st.window = st.window[:0]
		st.state.Store(stateClosed)
		b.logger.Info("circuit breaker closed after cool-down", zap.String("symbol", symbol))
	}
	return nil
}

// ObservePrice feeds a market data observation into the rolling window and
// opens the breaker when the window's price range exceeds the configured
// threshold. An absent feed simply never calls this and the breaker stays
// closed.
func (b *Breaker) ObservePrice(symbol string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}
	st := b.state(symbol)
	now := b.now()

	st.mu.Lock()
	defer st.mu.Unlock()

	st.window = append(st.window, pricePoint{at: now, price: price})
	cutoff := now.Add(-b.cfg.Window)
	trimmed := st.window[:0]
	for _, p := range st.window {
		if p.at.After(cutoff) {
			trimmed = append(trimmed, p)
		}
	}
	st.window = trimmed

	if len(st.window) < 2 || st.state.Load() == stateOpen {
		return
	}

	low, high := st.window[0].price, st.window[0].price
	for _, p := range st.window[1:] {
		if p.price.LessThan(low) {
			low = p.price
		}
		if p.price.GreaterThan(high) {
			high = p.price
		}
	}
	change, _ := high.Sub(low).Div(low).Float64()
	if change > b.cfg.PriceChangeThreshold {
		b.open(symbol, st, "volatility")
		b.logger.Warn("circuit breaker opened on volatility",
			zap.String("symbol", symbol),
			zap.Float64("change", change),
			zap.Float64("threshold", b.cfg.PriceChangeThreshold))
	}
}

// RecordFailure counts one operational failure (e.g. a settlement error)
// and opens the breaker when the consecutive failure count reaches the
// configured threshold.
func (b *Breaker) RecordFailure(symbol string) {
	st := b.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.failures++
	if st.failures >= b.cfg.FailureThreshold && st.state.Load() == stateClosed {
		b.open(symbol, st, "failures")
		b.logger.Warn("circuit breaker opened on repeated failures",
			zap.String("symbol", symbol),
			zap.Int("failures", st.failures))
	}
}

// RecordSuccess resets the consecutive failure counter.
func (b *Breaker) RecordSuccess(symbol string) {
	st := b.state(symbol)
	st.mu.Lock()
	st.failures = 0
	st.mu.Unlock()
}

// open transitions to OPEN. Callers hold st.mu.
func (b *Breaker) open(symbol string, st *symbolState, trigger string) {
	st.openedAt.Store(b.now().UnixNano())
	st.state.Store(stateOpen)
	metrics.BreakerTrips.WithLabelValues(symbol, trigger).Inc()
}

// IsOpen reports the current state without side effects.
func (b *Breaker) IsOpen(symbol string) bool {
	return b.state(symbol).state.Load() == stateOpen
}
