// Package rates answers price queries for pairs without direct market
// data by composing a rate through one intermediate bridge currency.
//
// The resolver is pure read-side logic with no mutable state; every call
// is independent and safe to run concurrently with ingestion. Underlying
// tickers may change between its sequential lookups, so a composed price
// can be momentarily stale; that is accepted, failing or hanging is not.
package rates

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

// AllExchanges is the exchange scope meaning "search every configured
// exchange in priority order".
const AllExchanges = "ALL"

// ErrNoData is used by transports to surface an empty resolution; the
// resolver itself reports absence through ConversionResult.Success.
var ErrNoData = errors.New("no data")

// TickerSource provides point lookups of live or stored tickers.
// *tickers.Aggregator satisfies it.
type TickerSource interface {
	GetLiveOrStored(ctx context.Context, exchange string, pair model.TokenPair, windowStart int64) (model.Ticker, bool, error)
}

// Config fixes the search order. Both lists are configuration-supplied
// and stable across calls, so repeated queries for the same inputs
// return the same path.
type Config struct {
	// Bridges is the priority-ordered list of candidate bridge
	// currencies for one-hop composition.
	Bridges []string
	// Exchanges is the priority-ordered list searched when the exchange
	// scope is AllExchanges.
	Exchanges []string
}

// Resolver composes cross rates from ticker data.
type Resolver struct {
	source TickerSource
	cfg    Config
}

// NewResolver builds a resolver over the given ticker source.
func NewResolver(source TickerSource, cfg Config) *Resolver {
	for i, b := range cfg.Bridges {
		cfg.Bridges[i] = strings.ToUpper(strings.TrimSpace(b))
	}
	for i, e := range cfg.Exchanges {
		cfg.Exchanges[i] = strings.ToUpper(strings.TrimSpace(e))
	}
	return &Resolver{source: source, cfg: cfg}
}

// Resolve prices (base, quote) at the given exchange scope and window.
//
// For a concrete exchange it tries, in order: the direct pair, the
// reciprocal pair, then a one-hop bridge through each configured bridge
// currency. For AllExchanges the whole sequence runs per exchange in
// priority order and the first success wins. Search depth is capped at
// one intermediate hop.
func (r *Resolver) Resolve(ctx context.Context, base, quote, exchange string, windowStart int64) model.ConversionResult {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	exchange = strings.ToUpper(strings.TrimSpace(exchange))

	if base == "" || quote == "" || base == quote {
		return model.NoConversion()
	}

	if exchange == AllExchanges {
		for _, ex := range r.cfg.Exchanges {
			if res := r.resolveAt(ctx, base, quote, ex, windowStart); res.Success {
				return res
			}
		}
		return model.NoConversion()
	}

	return r.resolveAt(ctx, base, quote, exchange, windowStart)
}

// Direct prices (base, quote) without reciprocal or bridge fallback,
// mirroring a plain ticker lookup. Used by callers that disabled
// conversion.
func (r *Resolver) Direct(ctx context.Context, base, quote, exchange string, windowStart int64) model.ConversionResult {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	exchange = strings.ToUpper(strings.TrimSpace(exchange))

	exchanges := []string{exchange}
	if exchange == AllExchanges {
		exchanges = r.cfg.Exchanges
	}

	for _, ex := range exchanges {
		pair := model.TokenPair{Base: base, Quote: quote}
		if ticker, ok := r.get(ctx, ex, pair, windowStart); ok {
			return model.Converted(ticker.Close, pair)
		}
	}
	return model.NoConversion()
}

// resolveAt runs the depth-capped search against one concrete exchange.
func (r *Resolver) resolveAt(ctx context.Context, base, quote, exchange string, windowStart int64) model.ConversionResult {
	if price, pair, ok := r.lookup(ctx, base, quote, exchange, windowStart); ok {
		return model.Converted(price, pair)
	}

	for _, bridge := range r.cfg.Bridges {
		if bridge == base || bridge == quote {
			continue
		}
		left, leftPair, ok := r.lookup(ctx, base, bridge, exchange, windowStart)
		if !ok {
			continue
		}
		right, rightPair, ok := r.lookup(ctx, bridge, quote, exchange, windowStart)
		if !ok {
			continue
		}
		return model.Converted(left.Mul(right), leftPair, rightPair)
	}

	return model.NoConversion()
}

// lookup resolves one hop: the close of the direct pair, or the
// reciprocal of the reverse pair's close. The returned pair is the one
// actually used, so paths stay honest about reciprocal hops.
func (r *Resolver) lookup(ctx context.Context, base, quote, exchange string, windowStart int64) (decimal.Decimal, model.TokenPair, bool) {
	pair := model.TokenPair{Base: base, Quote: quote}
	if ticker, ok := r.get(ctx, exchange, pair, windowStart); ok {
		return ticker.Close, pair, true
	}

	reverse := pair.Reciprocal()
	if ticker, ok := r.get(ctx, exchange, reverse, windowStart); ok && !ticker.Close.IsZero() {
		return decimal.New(1, 0).Div(ticker.Close), reverse, true
	}

	return decimal.Decimal{}, model.TokenPair{}, false
}

// get shields the search from transient source errors: a failed lookup
// counts as a miss so the query degrades to "no data" instead of failing.
func (r *Resolver) get(ctx context.Context, exchange string, pair model.TokenPair, windowStart int64) (model.Ticker, bool) {
	ticker, ok, err := r.source.GetLiveOrStored(ctx, exchange, pair, windowStart)
	if err != nil {
		log.Warn().Err(err).
			Str("exchange", exchange).
			Str("pair", pair.String()).
			Int64("window", windowStart).
			Msg("ticker lookup failed during cross-rate resolution")
		return model.Ticker{}, false
	}
	return ticker, ok
}
