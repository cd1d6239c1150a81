package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantex/exchange-core/pkg/errors"
)

func TestFeedReturnsLatestObservation(t *testing.T) {
	feed := NewInMemoryFeed()

	_, ok := feed.LastPrice("EURUSD")
	assert.False(t, ok)

	feed.Observe("EURUSD", decimal.RequireFromString("1.20"))
	feed.Observe("EURUSD", decimal.RequireFromString("1.21"))

	price, ok := feed.LastPrice("EURUSD")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("1.21")))
}

func TestRateSourceSetsInverse(t *testing.T) {
	rates := NewStaticRateSource()
	rates.SetRate("EUR", "USD", decimal.RequireFromString("1.25"))

	rate, err := rates.GetRate("USD", "EUR")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.8")))
}

func TestSameCurrencyRateIsOne(t *testing.T) {
	rates := NewStaticRateSource()

	rate, err := rates.GetRate("USD", "USD")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func TestUnknownPairIsUnavailable(t *testing.T) {
	rates := NewStaticRateSource()

	_, err := rates.GetRate("EUR", "JPY")
	assert.True(t, errors.IsKind(err, errors.KindRateUnavailable))
}
