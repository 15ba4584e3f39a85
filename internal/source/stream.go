package source

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hleb-albau/cyber-markets/internal/dispatch"
	"github.com/hleb-albau/cyber-markets/internal/model"
)

const (
	streamPingPeriod       = 15 * time.Second
	streamSendTimeout      = 5 * time.Second
	streamReadLimit        = 1 << 20 // 1MB
	streamHandshakeTimeout = 10 * time.Second
)

// parseFunc turns one raw exchange message into zero or more normalized
// trades. A (nil, nil) return means the message carried no trade data
// (subscription acks, heartbeats); a parse error drops only that
// message, the stream keeps going.
type parseFunc func(raw []byte) ([]model.TradeRecord, error)

// streamClient owns one exchange websocket connection: it dials, sends
// the subscription handshake, keeps the connection alive with pings and
// buffers parsed trades for Poll to drain in batches.
//
// The exchange connectors in this package wrap it behind the
// dispatch.TradeSource contract; like the generator it supports a
// single Poll consumer per connection.
type streamClient struct {
	exchange string
	conn     *websocket.Conn
	trades   chan model.TradeRecord
	parse    parseFunc

	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// dialStream connects to an exchange endpoint, sends the subscription
// messages and starts the read and ping loops.
func dialStream(ctx context.Context, exchange, endpoint string, subMsgs [][]byte, buffer int, parse parseFunc) (*streamClient, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: streamHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			log.Error().Err(err).Str("endpoint", endpoint).Int("status", resp.StatusCode).Msg("exchange stream connection failed")
		} else {
			log.Error().Err(err).Str("endpoint", endpoint).Msg("exchange stream connection failed")
		}
		return nil, err
	}

	for _, msg := range subMsgs {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	c := newStreamClient(ctx, exchange, conn, buffer, parse, 2*streamPingPeriod)
	log.Info().Str("exchange", exchange).Str("endpoint", endpoint).Msg("exchange stream connected")
	return c, nil
}

// newStreamClient arms the liveness deadline on an established
// connection and starts the read and ping loops. The deadline is set
// before the first read and pushed forward by every pong, so a peer
// that goes silent ends the stream instead of blocking it forever.
func newStreamClient(ctx context.Context, exchange string, conn *websocket.Conn, buffer int, parse parseFunc, readTimeout time.Duration) *streamClient {
	if buffer <= 0 {
		buffer = 1024
	}

	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ctx, cancel := context.WithCancel(ctx)
	c := &streamClient{
		exchange: exchange,
		conn:     conn,
		trades:   make(chan model.TradeRecord, buffer),
		parse:    parse,
		cancel:   cancel,
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop(ctx)
	}()

	return c
}

// readLoop reads until the connection dies, parsing each message and
// buffering the trades. Closing the trades channel is the end-of-stream
// signal Poll translates into io.EOF.
func (c *streamClient) readLoop(ctx context.Context) {
	defer close(c.trades)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				log.Info().Str("exchange", c.exchange).Msg("exchange stream closed")
			} else {
				log.Warn().Err(err).Str("exchange", c.exchange).Msg("exchange stream read failed")
			}
			return
		}

		trades, err := c.parse(raw)
		if err != nil {
			// a bad message fails alone
			log.Warn().Err(err).Str("exchange", c.exchange).Msg("dropping unparseable stream message")
			continue
		}

		for _, trade := range trades {
			select {
			case c.trades <- trade:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *streamClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamSendTimeout)); err != nil {
				log.Warn().Err(err).Str("exchange", c.exchange).Msg("exchange stream ping failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// poll assembles the next batch: it blocks for the first trade, then
// drains buffered trades up to batchSize without waiting for more. A
// closed stream yields io.EOF once the buffer is empty.
func (c *streamClient) poll(ctx context.Context, batchSize int) (dispatch.Batch, error) {
	var first model.TradeRecord
	select {
	case <-ctx.Done():
		return dispatch.Batch{}, ctx.Err()
	case trade, ok := <-c.trades:
		if !ok {
			return dispatch.Batch{}, io.EOF
		}
		first = trade
	}

	trades := make([]model.TradeRecord, 0, batchSize)
	trades = append(trades, first)

	for len(trades) < batchSize {
		select {
		case trade, ok := <-c.trades:
			if !ok {
				// deliver what we have; the next poll reports EOF
				return dispatch.Batch{Partition: c.exchange, Trades: trades}, nil
			}
			trades = append(trades, trade)
		default:
			return dispatch.Batch{Partition: c.exchange, Trades: trades}, nil
		}
	}

	return dispatch.Batch{Partition: c.exchange, Trades: trades}, nil
}

// Close tears the connection down and waits for the loops to exit. Safe
// to call more than once.
func (c *streamClient) Close() {
	c.once.Do(func() {
		c.cancel()

		deadline := time.Now().Add(time.Second)
		if err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		); err != nil {
			log.Debug().Err(err).Str("exchange", c.exchange).Msg("close frame not sent")
		}
		c.conn.Close()
		c.wg.Wait()
	})
}
