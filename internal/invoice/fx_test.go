package invoice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deal-settlement/internal/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingOracle struct {
	calls int
	quote Quote
	err   error
}

func (o *countingOracle) GetRate(_ context.Context, from, to string) (Quote, error) {
	o.calls++
	if o.err != nil {
		return Quote{}, o.err
	}
	q := o.quote
	q.From, q.To = from, to
	return q, nil
}

func TestQuoteApplyRounds(t *testing.T) {
	q := Quote{Rate: decimal.RequireFromString("0.85")}
	assert.Equal(t, int64(85000), q.Apply(100000))
	assert.Equal(t, int64(9), q.Apply(10)) // 8.5 rounds away from zero
}

func TestConverterCachesQuotes(t *testing.T) {
	ctx := context.Background()
	oracle := &countingOracle{quote: Quote{Rate: decimal.RequireFromString("0.85")}}
	c := NewConverter(oracle, NewMemoryRateCache(), time.Minute, discardLogger())

	amount, rate, err := c.Convert(ctx, 100000, "eur", "gbp")
	require.NoError(t, err)
	assert.Equal(t, int64(85000), amount)
	require.NotNil(t, rate)
	assert.Equal(t, "0.85", rate.String())

	_, _, err = c.Convert(ctx, 5000, "EUR", "GBP")
	require.NoError(t, err)
	assert.Equal(t, 1, oracle.calls, "second conversion is served from cache")
}

func TestConverterSameCurrency(t *testing.T) {
	oracle := &countingOracle{err: fmt.Errorf("unreachable")}
	c := NewConverter(oracle, NewMemoryRateCache(), time.Minute, discardLogger())

	amount, rate, err := c.Convert(context.Background(), 4200, "EUR", "eur")
	require.NoError(t, err)
	assert.Equal(t, int64(4200), amount)
	assert.Nil(t, rate)
	assert.Zero(t, oracle.calls)
}

func TestConverterHasNoFallbackRate(t *testing.T) {
	ctx := context.Background()

	down := NewConverter(&countingOracle{err: fmt.Errorf("connection refused")}, NewMemoryRateCache(), time.Minute, discardLogger())
	_, err := down.QuoteFor(ctx, "EUR", "GBP")
	assert.True(t, errors.Is(err, errors.ErrRateUnavailable))

	zero := NewConverter(&countingOracle{quote: Quote{Rate: decimal.Zero}}, NewMemoryRateCache(), time.Minute, discardLogger())
	_, err = zero.QuoteFor(ctx, "EUR", "GBP")
	assert.True(t, errors.Is(err, errors.ErrRateUnavailable))
}

func TestMemoryRateCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cache := NewMemoryRateCache()
	cache.now = func() time.Time { return now }

	q := Quote{From: "USD", To: "EUR", Rate: decimal.RequireFromString("0.92")}
	require.NoError(t, cache.Set(ctx, q, 10*time.Minute))

	got, ok, err := cache.Get(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Rate.Equal(q.Rate))

	now = now.Add(10 * time.Minute)
	_, ok, err = cache.Get(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, q, 0))
	_, ok, _ = cache.Get(ctx, "USD", "EUR")
	assert.False(t, ok, "a zero ttl disables caching")
}

func TestStaticOracleDerivesInverse(t *testing.T) {
	ctx := context.Background()
	oracle := NewStaticOracle(map[string]decimal.Decimal{"EUR/GBP": decimal.RequireFromString("0.8")})

	q, err := oracle.GetRate(ctx, "gbp", "eur")
	require.NoError(t, err)
	assert.Equal(t, "GBP", q.From)
	assert.Equal(t, "1.25", q.Rate.String())

	_, err = oracle.GetRate(ctx, "JPY", "EUR")
	assert.Error(t, err)

	oracle.Set("JPY", "EUR", decimal.RequireFromString("0.0062"))
	q, err = oracle.GetRate(ctx, "JPY", "EUR")
	require.NoError(t, err)
	assert.Equal(t, "0.0062", q.Rate.String())
}
