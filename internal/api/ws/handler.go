// Package ws exposes the live-subscriber transport: a websocket endpoint
// where a client sends one subscription request and then receives every
// matching trade as a JSON message.
//
// The stream is best-effort. Backpressure is absorbed by the sink buffer
// inside the channel index; trades a slow client misses are dropped
// there, never reordered.
package ws

import (
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hleb-albau/cyber-markets/internal/channels"
)

const (
	// pingPeriod is the interval between keepalive pings.
	pingPeriod = 15 * time.Second

	// writeTimeout bounds every websocket write.
	writeTimeout = 5 * time.Second

	// subscribeTimeout bounds the wait for the initial subscription
	// request after the upgrade.
	subscribeTimeout = 10 * time.Second

	readLimit = 4 << 10
)

// subscribeRequest is the first client message on a connection. Scopes
// accept concrete values or "ALL".
type subscribeRequest struct {
	Exchange string `json:"exchange" validate:"required"`
	Pair     string `json:"pair" validate:"required"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler upgrades HTTP requests and bridges channel-index sinks onto
// websocket connections.
type Handler struct {
	index    *channels.Index
	upgrader websocket.Upgrader
	validate *validator.Validate
}

// NewHandler builds the websocket handler over the fan-out index.
func NewHandler(index *channels.Index) *Handler {
	return &Handler{
		index: index,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origin policy is enforced by the CORS layer in front
			CheckOrigin: func(*http.Request) bool { return true },
		},
		validate: validator.New(),
	}
}

// ServeHTTP upgrades the connection and serves it until the client
// disconnects or unsubscribes by closing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	go h.serve(conn)
}

func (h *Handler) serve(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(readLimit)

	req, err := h.readSubscription(conn)
	if err != nil {
		h.writeError(conn, err)
		return
	}

	sub, err := h.index.Subscribe(req.Exchange, req.Pair)
	if err != nil {
		h.writeError(conn, err)
		return
	}
	defer h.index.Unsubscribe(sub)

	log.Info().
		Str("exchange", req.Exchange).
		Str("pair", req.Pair).
		Str("remote", conn.RemoteAddr().String()).
		Msg("new trade stream subscriber")

	// the read pump only watches for the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-done:
			log.Info().Str("remote", conn.RemoteAddr().String()).Msg("trade stream client disconnected")
			return
		case trade, ok := <-sub.Trades():
			if !ok {
				return
			}
			payload, err := json.Marshal(trade)
			if err != nil {
				log.Error().Err(err).Msg("failed to encode trade")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Info().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("trade stream write failed")
				return
			}
		case <-pings.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) readSubscription(conn *websocket.Conn) (subscribeRequest, error) {
	var req subscribeRequest

	conn.SetReadDeadline(time.Now().Add(subscribeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return req, fmt.Errorf("read subscription request: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if err := json.Unmarshal(payload, &req); err != nil {
		return req, fmt.Errorf("decode subscription request: %w", err)
	}
	if err := h.validate.Struct(req); err != nil {
		return req, fmt.Errorf("invalid subscription request: %w", err)
	}

	return req, nil
}

func (h *Handler) writeError(conn *websocket.Conn, err error) {
	payload, marshalErr := json.Marshal(errorResponse{Error: err.Error()})
	if marshalErr != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}
