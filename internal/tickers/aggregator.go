// Package tickers maintains live OHLCV accumulators per (exchange, pair,
// window) and emits immutable ticker records to a persistence store as
// windows close.
//
// Concurrency model:
//   - The accumulator map is a sync.Map, so ingestion for different keys
//     proceeds without contention.
//   - Each accumulator carries its own mutex; concurrent ingests for the
//     same key serialize on it, preserving open/close/extrema semantics.
//   - The store hand-off during a flush happens outside any accumulator
//     lock; a version counter detects trades that landed mid-flush so the
//     window is re-flushed rather than losing them.
package tickers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

// Store is the persistence boundary for closed windows. Save is an
// idempotent upsert keyed by (exchange, pair, windowStart); re-flushing
// the same window with the same values is safe.
type Store interface {
	Save(ctx context.Context, ticker model.Ticker) error
	Get(ctx context.Context, exchange string, pair model.TokenPair, windowStart int64) (model.Ticker, bool, error)
}

type accumulator struct {
	mu      sync.Mutex
	ticker  model.Ticker
	version uint64
	flushed bool
}

func (acc *accumulator) apply(trade model.TradeRecord) {
	t := &acc.ticker
	if t.TradeCount == 0 {
		t.Open = trade.Price
		t.High = trade.Price
		t.Low = trade.Price
	} else {
		if trade.Price.GreaterThan(t.High) {
			t.High = trade.Price
		}
		if trade.Price.LessThan(t.Low) {
			t.Low = trade.Price
		}
	}
	// close tracks arrival order, not event timestamps
	t.Close = trade.Price
	t.VolumeBase = t.VolumeBase.Add(trade.BaseAmount)
	t.VolumeQuote = t.VolumeQuote.Add(trade.QuoteAmount)
	t.TradeCount++
	acc.version++
}

type marketKey struct {
	Exchange string
	Pair     model.TokenPair
}

// Aggregator owns the live accumulator state.
type Aggregator struct {
	window time.Duration
	grace  time.Duration
	store  Store

	accs   sync.Map // model.TickerKey -> *accumulator
	latest sync.Map // marketKey -> *latestWindow
}

type latestWindow struct {
	mu sync.Mutex
	ws int64
}

// NewAggregator wires the accumulator state to its persistence store.
// grace is how long after a window's nominal end late trades are still
// accepted before a sweep flushes it.
func NewAggregator(store Store, window, grace time.Duration) *Aggregator {
	if window <= 0 {
		window = time.Minute
	}
	return &Aggregator{
		window: window,
		grace:  grace,
		store:  store,
	}
}

// Window returns the configured aggregation window duration.
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// Ingest folds one validated trade into the accumulator for its key,
// creating it on first sight. When the trade opens a newer window for
// its market, windows of that market already past the grace period are
// flushed; more recent ones stay open so late trades still merge in.
func (a *Aggregator) Ingest(ctx context.Context, trade model.TradeRecord) {
	key := model.TickerKey{Exchange: trade.Exchange, Pair: trade.Pair, WindowStart: trade.WindowStart}

	for {
		v, _ := a.accs.LoadOrStore(key, &accumulator{
			ticker: model.Ticker{Exchange: key.Exchange, Pair: key.Pair, WindowStart: key.WindowStart},
		})
		acc := v.(*accumulator)

		acc.mu.Lock()
		if acc.flushed {
			// lost a race with a completed flush; replace the tombstone
			acc.mu.Unlock()
			a.accs.CompareAndDelete(key, v)
			continue
		}
		acc.apply(trade)
		acc.mu.Unlock()
		break
	}

	if a.advanceWindow(trade.Exchange, trade.Pair, trade.WindowStart) {
		// same cutoff rule as Sweep, on the trade's own clock
		cutoff := model.FloorToWindow(trade.TimestampMillis-a.grace.Milliseconds(), a.window)
		a.flushOlder(ctx, trade.Exchange, trade.Pair, cutoff)
	}
}

// advanceWindow records the newest window seen for a market and reports
// whether this trade moved it forward.
func (a *Aggregator) advanceWindow(exchange string, pair model.TokenPair, windowStart int64) bool {
	v, _ := a.latest.LoadOrStore(marketKey{Exchange: exchange, Pair: pair}, &latestWindow{})
	lw := v.(*latestWindow)

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if windowStart <= lw.ws && lw.ws != 0 {
		return false
	}
	advanced := lw.ws != 0
	lw.ws = windowStart
	return advanced
}

// flushOlder closes every live window of the given market strictly older
// than the cutoff.
func (a *Aggregator) flushOlder(ctx context.Context, exchange string, pair model.TokenPair, cutoff int64) {
	a.accs.Range(func(k, v any) bool {
		key := k.(model.TickerKey)
		if key.Exchange == exchange && key.Pair == pair && key.WindowStart < cutoff {
			a.flush(ctx, key, v.(*accumulator))
		}
		return true
	})
}

// Sweep flushes every live accumulator whose window is strictly older
// than the current window boundary minus the grace period, catching
// windows that stopped receiving trades. It returns the flush count.
func (a *Aggregator) Sweep(ctx context.Context, nowMillis int64) int {
	cutoff := model.FloorToWindow(nowMillis-a.grace.Milliseconds(), a.window)

	flushed := 0
	a.accs.Range(func(k, v any) bool {
		key := k.(model.TickerKey)
		if key.WindowStart < cutoff {
			if a.flush(ctx, key, v.(*accumulator)) {
				flushed++
			}
		}
		return true
	})
	return flushed
}

// flush hands a snapshot of the accumulator to the store and, once the
// hand-off succeeded and no trade arrived in between, removes it from
// live state. On store failure the accumulator is retained untouched so
// no state is lost before the hand-off is acknowledged.
func (a *Aggregator) flush(ctx context.Context, key model.TickerKey, acc *accumulator) bool {
	acc.mu.Lock()
	if acc.flushed || acc.ticker.TradeCount == 0 {
		acc.mu.Unlock()
		return false
	}
	snapshot := acc.ticker
	version := acc.version
	acc.mu.Unlock()

	if err := a.store.Save(ctx, snapshot); err != nil {
		log.Error().Err(err).
			Str("exchange", key.Exchange).
			Str("pair", key.Pair.String()).
			Int64("window", key.WindowStart).
			Msg("ticker flush failed, keeping accumulator for retry")
		return false
	}

	acc.mu.Lock()
	if acc.version != version {
		// trades landed during the save; the upsert is idempotent, so the
		// window is simply flushed again on a later pass
		acc.mu.Unlock()
		return true
	}
	acc.flushed = true
	acc.mu.Unlock()

	a.accs.Delete(key)
	return true
}

// GetLiveOrStored returns the live accumulator snapshot for the key if
// the window is still open, otherwise delegates to the store. The second
// return reports whether any data exists for the key.
func (a *Aggregator) GetLiveOrStored(ctx context.Context, exchange string, pair model.TokenPair, windowStart int64) (model.Ticker, bool, error) {
	key := model.TickerKey{Exchange: exchange, Pair: pair, WindowStart: windowStart}

	if v, ok := a.accs.Load(key); ok {
		acc := v.(*accumulator)
		acc.mu.Lock()
		if !acc.flushed && acc.ticker.TradeCount > 0 {
			snapshot := acc.ticker
			acc.mu.Unlock()
			return snapshot, true, nil
		}
		acc.mu.Unlock()
	}

	return a.store.Get(ctx, exchange, pair, windowStart)
}

// Live reports the number of open accumulators, for observability.
func (a *Aggregator) Live() int {
	n := 0
	a.accs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
