package model

import (
	"github.com/shopspring/decimal"
)

// TickerKey addresses one OHLCV accumulator: exchange, pair and the
// start of the aggregation window (milliseconds).
type TickerKey struct {
	Exchange    string
	Pair        TokenPair
	WindowStart int64
}

// Ticker is an OHLCV summary of all trades for one (exchange, pair,
// window). While the window is live it is the accumulator snapshot;
// once the window closes it becomes an immutable record handed to
// persistence.
//
// Open is the price of the first trade seen in the window and Close the
// price of the last one by arrival order. The invariant
// Low <= Open, Close <= High holds at all times.
type Ticker struct {
	Exchange    string          `json:"exchange"`
	Pair        TokenPair       `json:"pair"`
	WindowStart int64           `json:"windowStart"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	VolumeBase  decimal.Decimal `json:"volumeBase"`
	VolumeQuote decimal.Decimal `json:"volumeQuote"`
	TradeCount  int64           `json:"tradeCount"`
}

// Key returns the ticker's addressing key.
func (t Ticker) Key() TickerKey {
	return TickerKey{Exchange: t.Exchange, Pair: t.Pair, WindowStart: t.WindowStart}
}
