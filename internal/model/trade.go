// Package model defines the core data types flowing through the market
// data pipeline: trade records, OHLCV tickers, token pairs and
// cross-conversion results.
//
// All monetary values use decimal.Decimal so that price, volume and
// conversion arithmetic stays exact; no floating point is used anywhere
// on the money path.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTrade indicates a trade that violates construction invariants
// and must not reach aggregation or fan-out state.
var ErrInvalidTrade = errors.New("invalid trade")

// TradeSide is the taker side of an executed trade.
type TradeSide string

const (
	SideAsk TradeSide = "ASK"
	SideBid TradeSide = "BID"
)

// Valid reports whether the side is one of the two known values.
func (s TradeSide) Valid() bool {
	return s == SideAsk || s == SideBid
}

// TradeRecord is the canonical, immutable unit of data produced by the
// ingestion boundary: one record per executed trade.
//
// WindowStart is TimestampMillis floored to the aggregation window
// boundary; it is derived at construction and never set independently.
// TradeID is unique within (exchange, pair) but not globally.
type TradeRecord struct {
	Exchange        string          `json:"exchange"`
	Pair            TokenPair       `json:"pair"`
	Side            TradeSide       `json:"side"`
	TimestampMillis int64           `json:"timestamp"`
	WindowStart     int64           `json:"windowStart"`
	TradeID         string          `json:"tradeId"`
	BaseAmount      decimal.Decimal `json:"baseAmount"`
	QuoteAmount     decimal.Decimal `json:"quoteAmount"`
	Price           decimal.Decimal `json:"price"`
}

// FloorToWindow floors an event timestamp (milliseconds) to the start of
// its aggregation window.
func FloorToWindow(tsMillis int64, window time.Duration) int64 {
	w := window.Milliseconds()
	return tsMillis / w * w
}

// NewTradeRecord builds a validated trade record. The exchange name is
// canonicalized to uppercase and WindowStart is derived from the event
// timestamp and the configured window duration.
//
// Construction enforces the pricing invariant price * baseAmount ==
// quoteAmount exactly, and rejects non-positive amounts.
func NewTradeRecord(
	exchange string,
	pair TokenPair,
	side TradeSide,
	tsMillis int64,
	tradeID string,
	baseAmount, quoteAmount, price decimal.Decimal,
	window time.Duration,
) (TradeRecord, error) {
	if window <= 0 {
		return TradeRecord{}, fmt.Errorf("%w: window duration must be positive", ErrInvalidTrade)
	}

	trade := TradeRecord{
		Exchange:        strings.ToUpper(strings.TrimSpace(exchange)),
		Pair:            pair,
		Side:            side,
		TimestampMillis: tsMillis,
		WindowStart:     FloorToWindow(tsMillis, window),
		TradeID:         tradeID,
		BaseAmount:      baseAmount,
		QuoteAmount:     quoteAmount,
		Price:           price,
	}

	if err := trade.Validate(); err != nil {
		return TradeRecord{}, err
	}

	return trade, nil
}

// Validate checks the record against its construction invariants. It is
// also invoked at the ingestion boundary on records decoded from the
// external bus, so malformed events fail individually without aborting
// their batch.
func (t TradeRecord) Validate() error {
	if t.Exchange == "" {
		return fmt.Errorf("%w: empty exchange", ErrInvalidTrade)
	}
	if t.Pair.Base == "" || t.Pair.Quote == "" {
		return fmt.Errorf("%w: incomplete pair %q", ErrInvalidTrade, t.Pair)
	}
	if !t.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidTrade, t.Side)
	}
	if t.TimestampMillis <= 0 {
		return fmt.Errorf("%w: non-positive timestamp %d", ErrInvalidTrade, t.TimestampMillis)
	}
	if t.TradeID == "" {
		return fmt.Errorf("%w: empty trade id", ErrInvalidTrade)
	}
	if !t.BaseAmount.IsPositive() || !t.QuoteAmount.IsPositive() || !t.Price.IsPositive() {
		return fmt.Errorf("%w: amounts and price must be positive", ErrInvalidTrade)
	}
	// price = quoteAmount / baseAmount, checked multiplicatively to stay exact
	if !t.Price.Mul(t.BaseAmount).Equal(t.QuoteAmount) {
		return fmt.Errorf("%w: price %s * base %s != quote %s",
			ErrInvalidTrade, t.Price, t.BaseAmount, t.QuoteAmount)
	}
	return nil
}
