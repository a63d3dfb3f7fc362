package invoice

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"deal-settlement/internal/errors"
)

// Quote is one exchange rate: 1 unit of From buys Rate units of To.
type Quote struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
	AsOf time.Time       `json:"as_of"`
}

// Apply converts amount in From minor units to To minor units, rounding
// half away from zero.
func (q Quote) Apply(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(q.Rate).Round(0).IntPart()
}

// RateOracle is the external exchange-rate source.
type RateOracle interface {
	GetRate(ctx context.Context, from, to string) (Quote, error)
}

// Converter resolves quotes through a TTL cache in front of the oracle.
// There is no fallback rate: an unavailable oracle fails the conversion.
type Converter struct {
	oracle RateOracle
	cache  RateCache
	ttl    time.Duration
	logger *slog.Logger
}

func NewConverter(oracle RateOracle, cache RateCache, ttl time.Duration, logger *slog.Logger) *Converter {
	return &Converter{
		oracle: oracle,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

// QuoteFor returns the quote for from→to, or nil when no conversion is
// needed.
func (c *Converter) QuoteFor(ctx context.Context, from, to string) (*Quote, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return nil, nil
	}

	if q, ok, err := c.cache.Get(ctx, from, to); err != nil {
		c.logger.Warn("Rate cache read failed", "from", from, "to", to, "error", err)
	} else if ok {
		return &q, nil
	}

	q, err := c.oracle.GetRate(ctx, from, to)
	if err != nil {
		c.logger.Error("Rate oracle unavailable", "from", from, "to", to, "error", err)
		return nil, errors.ErrRateUnavailable.WithDetails(fmt.Sprintf("%s/%s: %v", from, to, err))
	}
	if !q.Rate.IsPositive() {
		return nil, errors.ErrRateUnavailable.WithDetails(fmt.Sprintf("%s/%s: non-positive rate %s", from, to, q.Rate))
	}

	if err := c.cache.Set(ctx, q, c.ttl); err != nil {
		c.logger.Warn("Rate cache write failed", "from", from, "to", to, "error", err)
	}
	return &q, nil
}

// Convert returns amount in the target currency and the rate used; the
// rate is nil when the currencies match.
func (c *Converter) Convert(ctx context.Context, amount int64, from, to string) (int64, *decimal.Decimal, error) {
	q, err := c.QuoteFor(ctx, from, to)
	if err != nil {
		return 0, nil, err
	}
	if q == nil {
		return amount, nil, nil
	}
	rate := q.Rate
	return q.Apply(amount), &rate, nil
}

// StaticOracle serves a fixed rate table. Inverse pairs are derived.
type StaticOracle struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
	now   func() time.Time
}

func NewStaticOracle(rates map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{
		rates: make(map[string]decimal.Decimal, len(rates)),
		now:   time.Now,
	}
	for pair, rate := range rates {
		o.rates[strings.ToUpper(pair)] = rate
	}
	return o
}

// DefaultRates is the sandbox table keyed "FROM/TO".
func DefaultRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"EUR/GBP": decimal.RequireFromString("0.85"),
		"USD/GBP": decimal.RequireFromString("0.78"),
		"USD/EUR": decimal.RequireFromString("0.92"),
		"EUR/CHF": decimal.RequireFromString("0.94"),
		"USD/CHF": decimal.RequireFromString("0.88"),
		"USD/AED": decimal.RequireFromString("3.6725"),
		"EUR/AED": decimal.RequireFromString("3.99"),
		"GBP/AED": decimal.RequireFromString("4.69"),
		"GBP/CHF": decimal.RequireFromString("1.11"),
	}
}

func (o *StaticOracle) Set(from, to string, rate decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[strings.ToUpper(from)+"/"+strings.ToUpper(to)] = rate
}

func (o *StaticOracle) GetRate(ctx context.Context, from, to string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	from, to = strings.ToUpper(from), strings.ToUpper(to)

	o.mu.RLock()
	defer o.mu.RUnlock()

	if rate, ok := o.rates[from+"/"+to]; ok {
		return Quote{From: from, To: to, Rate: rate, AsOf: o.now().UTC()}, nil
	}
	if rate, ok := o.rates[to+"/"+from]; ok && rate.IsPositive() {
		return Quote{From: from, To: to, Rate: decimal.NewFromInt(1).DivRound(rate, 8), AsOf: o.now().UTC()}, nil
	}
	return Quote{}, fmt.Errorf("no rate for %s/%s", from, to)
}
