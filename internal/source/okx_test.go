package source

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

func newOkxParser(t *testing.T) *OkxSource {
	t.Helper()

	cfg := OkxConfig{Window: time.Minute}
	cfg.applyDefaults()

	return &OkxSource{cfg: cfg, validate: validator.New()}
}

func okxMessage(trades ...okxTrade) []byte {
	var m okxTradeMessage
	m.Arg.Channel = "trades"
	m.Arg.InstID = "ETH-BTC"
	m.Data = trades

	raw, _ := json.Marshal(m)
	return raw
}

func Test_Okx_ParseMessage(t *testing.T) {
	src := newOkxParser(t)

	valid := okxTrade{
		InstID: "ETH-BTC", TradeID: "7", Price: "0.05", Size: "2",
		Side: "buy", TS: "1700000000000",
	}

	tests := []struct {
		name        string
		message     []byte
		expectCount int
		expectError bool
		description string
	}{
		{
			name:        "Single trade",
			message:     okxMessage(valid),
			expectCount: 1,
			description: "Should parse a well-formed trade",
		},
		{
			name: "Batched trades",
			message: okxMessage(valid, okxTrade{
				InstID: "ETH-BTC", TradeID: "8", Price: "0.051", Size: "1",
				Side: "sell", TS: "1700000000100",
			}),
			expectCount: 2,
			description: "Should fan a batched message out into individual trades",
		},
		{
			name:        "Subscription ack",
			message:     []byte(`{"event":"subscribe","arg":{"channel":"trades","instId":"ETH-BTC"}}`),
			expectCount: 0,
			description: "Should skip event frames without error",
		},
		{
			name: "Invalid timestamp in batch",
			message: okxMessage(valid, okxTrade{
				InstID: "ETH-BTC", TradeID: "8", Price: "0.051", Size: "1",
				Side: "sell", TS: "soon",
			}),
			expectError: true,
			description: "Should reject the whole message on a bad element",
		},
		{
			name: "Unknown side",
			message: okxMessage(okxTrade{
				InstID: "ETH-BTC", TradeID: "7", Price: "0.05", Size: "2",
				Side: "hold", TS: "1700000000000",
			}),
			expectError: true,
			description: "Should reject sides other than buy and sell",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trades, err := src.parseMessage(tt.message)

			if tt.expectError {
				assert.Error(t, err, tt.description)
				return
			}
			require.NoError(t, err, tt.description)
			require.Len(t, trades, tt.expectCount, tt.description)

			if tt.expectCount > 0 {
				trade := trades[0]
				assert.Equal(t, ExchangeOkx, trade.Exchange)
				assert.Equal(t, model.TokenPair{Base: "ETH", Quote: "BTC"}, trade.Pair)
				assert.Equal(t, model.SideBid, trade.Side, "okx reports the taker side directly")
				assert.True(t, trade.QuoteAmount.Equal(decimal.NewFromFloat(0.1)))
				assert.Equal(t, int64(1_700_000_000_000), trade.TimestampMillis)
			}
		})
	}
}
