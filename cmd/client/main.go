/*
Package main implements a websocket client for the live trade stream.

It connects to the server's /ws/trades endpoint, subscribes to one
(exchange, pair) scope — either side may be "ALL" — and logs every
received trade until interrupted.

Usage:

	go run ./cmd/client -addr=localhost:8082 -exchange=ALL -pair=BTC-USDT
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

var (
	serverAddr = flag.String("addr", "localhost:8082", "The server address in the format host:port")
	exchange   = flag.String("exchange", "ALL", "Exchange scope to subscribe to, or ALL")
	pair       = flag.String("pair", "ALL", "BASE-QUOTE pair to subscribe to, or ALL")
)

func main() {
	flag.Parse()

	log := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := validateFlags(); err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	endpoint := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws/trades"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Str("endpoint", endpoint.String()).Msg("failed to connect")
	}
	defer conn.Close()

	request, err := json.Marshal(map[string]string{"exchange": *exchange, "pair": *pair})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to encode subscription request")
	}
	if err := conn.WriteMessage(websocket.TextMessage, request); err != nil {
		log.Fatal().Err(err).Msg("failed to send subscription request")
	}

	log.Info().Str("exchange", *exchange).Str("pair", *pair).Msg("subscribed to trade stream")

	go func() {
		<-ctx.Done()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatal().Err(err).Msg("stream read failed")
		}

		var trade model.TradeRecord
		if err := json.Unmarshal(payload, &trade); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable message")
			continue
		}

		log.Info().
			Str("exchange", trade.Exchange).
			Str("pair", trade.Pair.String()).
			Str("side", string(trade.Side)).
			Str("price", trade.Price.String()).
			Str("baseAmount", trade.BaseAmount.String()).
			Int64("timestamp", trade.TimestampMillis).
			Msg("trade")
	}
}

func validateFlags() error {
	if *serverAddr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if *exchange == "" {
		return fmt.Errorf("exchange cannot be empty")
	}
	if *pair == "" {
		return fmt.Errorf("pair cannot be empty")
	}
	if !strings.EqualFold(*pair, "ALL") && !strings.Contains(*pair, "-") {
		return fmt.Errorf("pair must be BASE-QUOTE or ALL, got %q", *pair)
	}
	return nil
}
