// Package source holds the trade sources feeding the dispatcher, all
// behind the dispatch.TradeSource contract.
//
// Live connectors stream real executions from exchange websocket feeds
// and normalize each exchange's wire format into trade records. The
// generator produces a plausible random-walk stream for one exchange,
// used by local runs and tests.
package source

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hleb-albau/cyber-markets/internal/dispatch"
	"github.com/hleb-albau/cyber-markets/internal/model"
)

// GeneratorConfig shapes the simulated stream of one exchange partition.
type GeneratorConfig struct {
	Exchange  string
	Pairs     []model.TokenPair
	Window    time.Duration
	BatchSize int
	// Interval is the pause before each batch; zero means no pacing,
	// which tests rely on.
	Interval time.Duration
	Seed     int64
}

// Generator emits ordered batches of valid random-walk trades. It
// implements dispatch.TradeSource and is not safe for concurrent Poll
// calls, matching the one-consumer-per-partition model.
type Generator struct {
	cfg    GeneratorConfig
	rnd    *rand.Rand
	seq    int64
	prices map[model.TokenPair]decimal.Decimal
}

// NewGenerator seeds a generator with a starting price per pair.
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	rnd := rand.New(rand.NewSource(cfg.Seed))
	prices := make(map[model.TokenPair]decimal.Decimal, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		// arbitrary starting level in (1, 1001)
		prices[pair] = decimal.NewFromFloat(1 + rnd.Float64()*1000).Round(8)
	}

	return &Generator{cfg: cfg, rnd: rnd, prices: prices}
}

// Poll produces the next batch, pacing by the configured interval.
func (g *Generator) Poll(ctx context.Context) (dispatch.Batch, error) {
	if g.cfg.Interval > 0 {
		select {
		case <-ctx.Done():
			return dispatch.Batch{}, ctx.Err()
		case <-time.After(g.cfg.Interval):
		}
	} else if err := ctx.Err(); err != nil {
		return dispatch.Batch{}, err
	}

	now := time.Now().UnixMilli()
	trades := make([]model.TradeRecord, 0, g.cfg.BatchSize)

	for i := 0; i < g.cfg.BatchSize; i++ {
		pair := g.cfg.Pairs[g.rnd.Intn(len(g.cfg.Pairs))]

		// drift the last price by up to +-0.5%
		drift := decimal.NewFromFloat(1 + (g.rnd.Float64()-0.5)*0.01)
		price := g.prices[pair].Mul(drift).Round(8)
		if !price.IsPositive() {
			price = decimal.New(1, -8)
		}
		g.prices[pair] = price

		baseAmount := decimal.NewFromFloat(0.001 + g.rnd.Float64()*2).Round(6)
		quoteAmount := price.Mul(baseAmount)

		side := model.SideBid
		if g.rnd.Intn(2) == 0 {
			side = model.SideAsk
		}

		g.seq++
		trade, err := model.NewTradeRecord(
			g.cfg.Exchange, pair, side, now, strconv.FormatInt(g.seq, 10),
			baseAmount, quoteAmount, price, g.cfg.Window,
		)
		if err != nil {
			// generated values always satisfy the invariant
			continue
		}
		trades = append(trades, trade)
	}

	return dispatch.Batch{Partition: g.cfg.Exchange, Trades: trades}, nil
}
