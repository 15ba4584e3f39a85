package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

// silentServer upgrades the connection and then never writes a byte,
// simulating a peer that died without a close handshake.
func silentServer(t *testing.T) *httptest.Server {
	t.Helper()

	hold := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		<-hold
	}))
	t.Cleanup(func() {
		close(hold)
		server.Close()
	})
	return server
}

func Test_Stream_SilentPeerEndsStream(t *testing.T) {
	server := silentServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)

	noTrades := func([]byte) ([]model.TradeRecord, error) { return nil, nil }
	c := newStreamClient(context.Background(), "BINANCE", conn, 4, noTrades, 150*time.Millisecond)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = c.poll(ctx, 8)
	require.ErrorIs(t, err, io.EOF, "a dead peer ends the stream, it does not block it")
}
