package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hleb-albau/cyber-markets/internal/channels"
	"github.com/hleb-albau/cyber-markets/internal/model"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func newTrade(t *testing.T) model.TradeRecord {
	t.Helper()

	pair, err := model.NewTokenPair("ETH", "BTC")
	require.NoError(t, err)
	trade, err := model.NewTradeRecord(
		"BINANCE", pair, model.SideAsk, time.Now().UnixMilli(), "t-1",
		decimal.NewFromInt(2), decimal.NewFromFloat(0.1), decimal.NewFromFloat(0.05),
		time.Minute,
	)
	require.NoError(t, err)

	return trade
}

func Test_Handler_StreamsMatchingTrades(t *testing.T) {
	index := channels.NewIndex(16)
	server := httptest.NewServer(NewHandler(index))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(subscribeRequest{Exchange: "BINANCE", Pair: "ETH-BTC"}))

	// the subscription is registered asynchronously after the upgrade
	require.Eventually(t, func() bool {
		return index.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	sent := newTrade(t)
	index.Publish(sent)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var received model.TradeRecord
	require.NoError(t, json.Unmarshal(payload, &received))
	assert.Equal(t, sent.TradeID, received.TradeID)
	assert.Equal(t, sent.Exchange, received.Exchange)
	assert.True(t, sent.Price.Equal(received.Price))
}

func Test_Handler_RejectsInvalidSubscription(t *testing.T) {
	index := channels.NewIndex(16)
	server := httptest.NewServer(NewHandler(index))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"exchange":"BINANCE"}`)))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var res errorResponse
	require.NoError(t, json.Unmarshal(payload, &res))
	assert.Contains(t, res.Error, "invalid subscription request")
	assert.Zero(t, index.Subscribers())
}

func Test_Handler_DisconnectRemovesSubscriber(t *testing.T) {
	index := channels.NewIndex(16)
	server := httptest.NewServer(NewHandler(index))
	defer server.Close()

	conn := dial(t, server)
	require.NoError(t, conn.WriteJSON(subscribeRequest{Exchange: "ALL", Pair: "ALL"}))
	require.Eventually(t, func() bool {
		return index.Subscribers() == 1
	}, time.Second, 5*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return index.Subscribers() == 0
	}, time.Second, 5*time.Millisecond)
}
