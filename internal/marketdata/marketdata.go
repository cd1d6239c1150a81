// Package marketdata holds the inbound market interfaces the core consumes:
// a last-price feed driving the circuit breaker and an exchange-rate source
// used for cross-currency settlement. Both are injected; the core never
// sources prices itself.
package marketdata

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantex/exchange-core/pkg/errors"
)

// Feed supplies the current price per symbol. Absence of a price is
// tolerated: consumers treat it as "no observation".
type Feed interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}

// RateSource supplies conversion rates for cross-currency settlement.
type RateSource interface {
	GetRate(from, to string) (decimal.Decimal, error)
}

// InMemoryFeed is a concurrency-safe Feed fed by Observe calls, typically
// wired to trade executions and external ticks.
type InMemoryFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewInMemoryFeed creates an empty feed.
func NewInMemoryFeed() *InMemoryFeed {
	return &InMemoryFeed{prices: make(map[string]decimal.Decimal)}
}

// Observe records the current price for symbol.
func (f *InMemoryFeed) Observe(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}

// LastPrice returns the most recent observation for symbol.
func (f *InMemoryFeed) LastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[symbol]
	return price, ok
}

// StaticRateSource is a RateSource over a fixed table. Same-currency
// lookups return 1; unknown pairs fail with RATE_UNAVAILABLE.
type StaticRateSource struct {
	mu    sync.RWMutex
	rates map[[2]string]decimal.Decimal
}

// NewStaticRateSource creates an empty rate table.
func NewStaticRateSource() *StaticRateSource {
	return &StaticRateSource{rates: make(map[[2]string]decimal.Decimal)}
}

// SetRate sets the rate for from->to and its inverse.
func (s *StaticRateSource) SetRate(from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates[[2]string{from, to}] = rate
	if !rate.IsZero() {
		s.rates[[2]string{to, from}] = decimal.NewFromInt(1).Div(rate)
	}
}

// GetRate implements RateSource.
func (s *StaticRateSource) GetRate(from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rate, ok := s.rates[[2]string{from, to}]
	if !ok {
		return decimal.Zero, errors.New(errors.KindRateUnavailable, "no rate for %s/%s", from, to)
	}
	return rate, nil
}
