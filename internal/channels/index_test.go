package channels

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

// newTrade builds a valid trade for fan-out tests; amounts are fixed,
// only routing fields vary.
func newTrade(t *testing.T, exchange, base, quote, tradeID string) model.TradeRecord {
	t.Helper()

	price := decimal.NewFromFloat(0.05)
	baseAmount := decimal.NewFromInt(2)

	trade, err := model.NewTradeRecord(exchange, model.TokenPair{Base: base, Quote: quote},
		model.SideBid, time.Now().UnixMilli(), tradeID,
		baseAmount, price.Mul(baseAmount), price, time.Minute)
	require.NoError(t, err)
	return trade
}

// drain collects everything currently buffered on a sink.
func drain(sub *Subscriber) []model.TradeRecord {
	var got []model.TradeRecord
	for {
		select {
		case trade, ok := <-sub.Trades():
			if !ok {
				return got
			}
			got = append(got, trade)
		default:
			return got
		}
	}
}

func Test_NewSubscriptionKey(t *testing.T) {
	tests := []struct {
		name          string
		exchangeScope string
		pairScope     string
		want          SubscriptionKey
		wantErr       bool
	}{
		{name: "Exact key", exchangeScope: "binance", pairScope: "eth-btc",
			want: SubscriptionKey{Exchange: "BINANCE", Pair: "ETH-BTC"}},
		{name: "Any pair", exchangeScope: "BINANCE", pairScope: AnyScope,
			want: SubscriptionKey{Exchange: "BINANCE", Pair: AnyScope}},
		{name: "Any exchange", exchangeScope: AnyScope, pairScope: "ETH-BTC",
			want: SubscriptionKey{Exchange: AnyScope, Pair: "ETH-BTC"}},
		{name: "Global", exchangeScope: AnyScope, pairScope: AnyScope,
			want: SubscriptionKey{Exchange: AnyScope, Pair: AnyScope}},
		{name: "Empty exchange scope", exchangeScope: "", pairScope: "ETH-BTC", wantErr: true},
		{name: "Empty pair scope", exchangeScope: "BINANCE", pairScope: "", wantErr: true},
		{name: "Malformed pair scope", exchangeScope: "BINANCE", pairScope: "ETHBTC", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := NewSubscriptionKey(tt.exchangeScope, tt.pairScope)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSubscriptionKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, key)
		})
	}
}

func Test_Publish_ExactKeyMatching(t *testing.T) {
	ix := NewIndex(16)

	matching, err := ix.Subscribe("BINANCE", "ETH-BTC")
	require.NoError(t, err)
	otherPair, err := ix.Subscribe("BINANCE", "BTC-USDT")
	require.NoError(t, err)
	otherExchange, err := ix.Subscribe("KRAKEN", "ETH-BTC")
	require.NoError(t, err)

	ix.Publish(newTrade(t, "BINANCE", "ETH", "BTC", "1"))
	ix.Publish(newTrade(t, "BINANCE", "ETH", "BTC", "2"))

	got := drain(matching)
	require.Len(t, got, 2, "exact subscriber receives every matching trade")
	assert.Equal(t, "1", got[0].TradeID, "delivery preserves publish order")
	assert.Equal(t, "2", got[1].TradeID)

	assert.Empty(t, drain(otherPair), "different pair must not match")
	assert.Empty(t, drain(otherExchange), "different exchange must not match")
}

func Test_Publish_WildcardMatching(t *testing.T) {
	ix := NewIndex(16)

	anyPair, err := ix.Subscribe("BINANCE", AnyScope)
	require.NoError(t, err)
	anyExchange, err := ix.Subscribe(AnyScope, "ETH-BTC")
	require.NoError(t, err)
	global, err := ix.Subscribe(AnyScope, AnyScope)
	require.NoError(t, err)

	ix.Publish(newTrade(t, "BINANCE", "ETH", "BTC", "1"))
	ix.Publish(newTrade(t, "KRAKEN", "BTC", "USDT", "2"))

	assert.Len(t, drain(anyPair), 1, "(E,ALL) matches only its exchange")
	assert.Len(t, drain(anyExchange), 1, "(ALL,P) matches only its pair")
	assert.Len(t, drain(global), 2, "(ALL,ALL) receives every published trade")
}

func Test_Publish_DuplicateOnOverlappingKeys(t *testing.T) {
	ix := NewIndex(16)

	exact, err := ix.Subscribe("BINANCE", "ETH-BTC")
	require.NoError(t, err)
	global, err := ix.Subscribe(AnyScope, AnyScope)
	require.NoError(t, err)

	ix.Publish(newTrade(t, "BINANCE", "ETH", "BTC", "1"))

	// one sink per key: a consumer holding both handles sees the trade
	// once per matching key, which is the documented routing contract
	assert.Len(t, drain(exact), 1)
	assert.Len(t, drain(global), 1)
}

func Test_Unsubscribe(t *testing.T) {
	ix := NewIndex(16)

	sub, err := ix.Subscribe("BINANCE", "ETH-BTC")
	require.NoError(t, err)
	require.Equal(t, 1, ix.Subscribers())

	ix.Publish(newTrade(t, "BINANCE", "ETH", "BTC", "1"))
	ix.Unsubscribe(sub)

	assert.Zero(t, ix.Subscribers(), "empty channel is dropped with its last sink")

	ix.Publish(newTrade(t, "BINANCE", "ETH", "BTC", "2"))

	got := drain(sub)
	require.Len(t, got, 1, "only the pre-unsubscribe trade was delivered")
	assert.Equal(t, "1", got[0].TradeID)

	_, open := <-sub.Trades()
	assert.False(t, open, "delivery channel is closed on unsubscribe")

	// double unsubscribe is a no-op
	ix.Unsubscribe(sub)
}

func Test_Publish_SlowSinkDoesNotBlockOthers(t *testing.T) {
	ix := NewIndex(1)

	slow, err := ix.Subscribe(AnyScope, AnyScope)
	require.NoError(t, err)
	healthy, err := ix.Subscribe("BINANCE", "ETH-BTC")
	require.NoError(t, err)

	// the healthy sink reads after every publish, so its single-slot
	// buffer never overflows; the slow one never reads and saturates
	var received []model.TradeRecord
	for i := 0; i < 5; i++ {
		ix.Publish(newTrade(t, "BINANCE", "ETH", "BTC", fmt.Sprintf("%d", i)))
		received = append(received, drain(healthy)...)
	}

	assert.Len(t, drain(slow), 1, "slow sink keeps only what its buffer held")
	require.Len(t, received, 5, "keeping-up sink observes every trade unaffected")
	assert.Equal(t, "0", received[0].TradeID)
	assert.Equal(t, "4", received[4].TradeID)
	assert.EqualValues(t, 4, ix.Dropped(), "drops are counted, not surfaced")
}

func Test_Publish_ConcurrentPublishers(t *testing.T) {
	ix := NewIndex(4096)

	global, err := ix.Subscribe(AnyScope, AnyScope)
	require.NoError(t, err)

	const publishers = 8
	const perPublisher = 100

	trade := newTrade(t, "BINANCE", "ETH", "BTC", "1")

	done := make(chan struct{})
	for p := 0; p < publishers; p++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < perPublisher; i++ {
				ix.Publish(trade)
			}
		}()
	}
	for p := 0; p < publishers; p++ {
		<-done
	}

	assert.Len(t, drain(global), publishers*perPublisher)
	assert.Zero(t, ix.Dropped())
}
