// Package postgres persists closed ticker windows in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hleb-albau/cyber-markets/internal/model"
	"github.com/hleb-albau/cyber-markets/internal/tickers"
)

var _ tickers.Store = (*TickerRepository)(nil)

// TickerRepository implements the ticker Store over a pgx pool. Prices
// and volumes live in NUMERIC columns and cross the wire as strings so
// decimal values stay exact.
type TickerRepository struct {
	db *pgxpool.Pool
}

// NewTickerRepository wraps a connection pool.
func NewTickerRepository(db *pgxpool.Pool) *TickerRepository {
	return &TickerRepository{db: db}
}

// Ping checks connectivity for health reporting.
func (r *TickerRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// Save upserts one closed window. Re-flushing the same window is safe:
// the conflict target is the full ticker key.
func (r *TickerRepository) Save(ctx context.Context, t model.Ticker) error {
	query := `
		INSERT INTO tickers (exchange, base, quote, window_start,
			open_price, high_price, low_price, close_price,
			volume_base, volume_quote, trade_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (exchange, base, quote, window_start) DO UPDATE SET
			open_price = EXCLUDED.open_price,
			high_price = EXCLUDED.high_price,
			low_price = EXCLUDED.low_price,
			close_price = EXCLUDED.close_price,
			volume_base = EXCLUDED.volume_base,
			volume_quote = EXCLUDED.volume_quote,
			trade_count = EXCLUDED.trade_count
	`

	_, err := r.db.Exec(ctx, query,
		t.Exchange, t.Pair.Base, t.Pair.Quote, t.WindowStart,
		t.Open.String(), t.High.String(), t.Low.String(), t.Close.String(),
		t.VolumeBase.String(), t.VolumeQuote.String(), t.TradeCount,
	)
	if err != nil {
		return fmt.Errorf("save ticker %s %s %d: %w", t.Exchange, t.Pair, t.WindowStart, err)
	}

	return nil
}

// Get returns the stored ticker for the key, reporting absence without
// an error.
func (r *TickerRepository) Get(ctx context.Context, exchange string, pair model.TokenPair, windowStart int64) (model.Ticker, bool, error) {
	query := `
		SELECT open_price, high_price, low_price, close_price,
			volume_base, volume_quote, trade_count
		FROM tickers
		WHERE exchange = $1 AND base = $2 AND quote = $3 AND window_start = $4
	`

	t := model.Ticker{Exchange: exchange, Pair: pair, WindowStart: windowStart}
	var open, high, low, cls, volBase, volQuote string

	err := r.db.QueryRow(ctx, query, exchange, pair.Base, pair.Quote, windowStart).
		Scan(&open, &high, &low, &cls, &volBase, &volQuote, &t.TradeCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Ticker{}, false, nil
	}
	if err != nil {
		return model.Ticker{}, false, fmt.Errorf("get ticker %s %s %d: %w", exchange, pair, windowStart, err)
	}

	if t.Open, t.High, t.Low, t.Close, t.VolumeBase, t.VolumeQuote, err = parseDecimals(open, high, low, cls, volBase, volQuote); err != nil {
		return model.Ticker{}, false, err
	}

	return t, true, nil
}

// Range returns stored tickers for a pair within [from, to), newest
// first, serving the history endpoint of the query transport.
func (r *TickerRepository) Range(ctx context.Context, exchange string, pair model.TokenPair, from, to int64) ([]model.Ticker, error) {
	query := `
		SELECT window_start, open_price, high_price, low_price, close_price,
			volume_base, volume_quote, trade_count
		FROM tickers
		WHERE exchange = $1 AND base = $2 AND quote = $3
			AND window_start >= $4 AND window_start < $5
		ORDER BY window_start DESC
	`

	rows, err := r.db.Query(ctx, query, exchange, pair.Base, pair.Quote, from, to)
	if err != nil {
		return nil, fmt.Errorf("range tickers %s %s: %w", exchange, pair, err)
	}
	defer rows.Close()

	var results []model.Ticker
	for rows.Next() {
		t := model.Ticker{Exchange: exchange, Pair: pair}
		var open, high, low, cls, volBase, volQuote string

		if err := rows.Scan(&t.WindowStart, &open, &high, &low, &cls, &volBase, &volQuote, &t.TradeCount); err != nil {
			return nil, fmt.Errorf("scan ticker row: %w", err)
		}
		if t.Open, t.High, t.Low, t.Close, t.VolumeBase, t.VolumeQuote, err = parseDecimals(open, high, low, cls, volBase, volQuote); err != nil {
			return nil, err
		}
		results = append(results, t)
	}

	return results, rows.Err()
}

func parseDecimals(values ...string) (open, high, low, cls, volBase, volQuote decimal.Decimal, err error) {
	parsed := make([]decimal.Decimal, len(values))
	for i, v := range values {
		if parsed[i], err = decimal.NewFromString(v); err != nil {
			err = fmt.Errorf("parse stored decimal %q: %w", v, err)
			return
		}
	}
	return parsed[0], parsed[1], parsed[2], parsed[3], parsed[4], parsed[5], nil
}
