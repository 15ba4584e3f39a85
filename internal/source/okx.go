package source

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/hleb-albau/cyber-markets/internal/dispatch"
	"github.com/hleb-albau/cyber-markets/internal/model"
)

// ExchangeOkx is the partition name of the OKX ingestion path.
const ExchangeOkx = "OKX"

const defaultOkxEndpoint = "wss://ws.okx.com:8443/ws/v5/public"

// OkxConfig shapes one OKX stream connection.
type OkxConfig struct {
	Endpoint  string
	Pairs     []model.TokenPair
	Window    time.Duration
	BatchSize int
	Buffer    int
}

func (cfg *OkxConfig) applyDefaults() {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultOkxEndpoint
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
}

// okxTradeMessage carries one or more executions on a trades channel.
// OKX batches several trades into a message; instrument ids are already
// hyphenated and timestamps are millisecond strings.
//
// Example:
//
//	{"arg":{"channel":"trades","instId":"ETH-BTC"},"data":[{"instId":"ETH-BTC","tradeId":"7","px":"0.05","sz":"2","side":"buy","ts":"1700000000000"}]}
type okxTradeMessage struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []okxTrade `json:"data"`
}

type okxTrade struct {
	InstID  string `json:"instId" validate:"required"`
	TradeID string `json:"tradeId" validate:"required"`
	Price   string `json:"px" validate:"required,numeric"`
	Size    string `json:"sz" validate:"required,numeric"`
	Side    string `json:"side" validate:"required,oneof=buy sell"`
	TS      string `json:"ts" validate:"required,numeric"`
}

// OkxSource streams live trades from OKX's public trades channel and
// implements dispatch.TradeSource.
type OkxSource struct {
	cfg      OkxConfig
	stream   *streamClient
	validate *validator.Validate
}

// NewOkxSource connects and subscribes to the trades channel for the
// configured pairs.
func NewOkxSource(ctx context.Context, cfg OkxConfig) (*OkxSource, error) {
	cfg.applyDefaults()
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("okx source: at least one pair is required")
	}

	args := make([]map[string]string, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		args = append(args, map[string]string{
			"channel": "trades",
			"instId":  pair.String(),
		})
	}
	subMsg, err := json.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err != nil {
		return nil, err
	}

	src := &OkxSource{
		cfg:      cfg,
		validate: validator.New(),
	}

	stream, err := dialStream(ctx, ExchangeOkx, cfg.Endpoint, [][]byte{subMsg}, cfg.Buffer, src.parseMessage)
	if err != nil {
		return nil, err
	}
	src.stream = stream

	return src, nil
}

// Poll returns the next ordered batch of OKX trades.
func (s *OkxSource) Poll(ctx context.Context) (dispatch.Batch, error) {
	return s.stream.poll(ctx, s.cfg.BatchSize)
}

// Close tears down the stream connection.
func (s *OkxSource) Close() {
	s.stream.Close()
}

func (s *OkxSource) parseMessage(raw []byte) ([]model.TradeRecord, error) {
	var m okxTradeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode trade message: %w", err)
	}
	if m.Arg.Channel != "trades" || len(m.Data) == 0 {
		// subscription acks and event frames carry no trades
		return nil, nil
	}

	trades := make([]model.TradeRecord, 0, len(m.Data))
	for _, d := range m.Data {
		if err := s.validate.Struct(&d); err != nil {
			return nil, fmt.Errorf("invalid trade payload: %w", err)
		}

		pair, err := model.ParsePair(d.InstID)
		if err != nil {
			return nil, err
		}
		ts, err := strconv.ParseInt(d.TS, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", d.TS, err)
		}
		price, err := decimal.NewFromString(d.Price)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q: %w", d.Price, err)
		}
		baseAmount, err := decimal.NewFromString(d.Size)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", d.Size, err)
		}

		side := model.SideBid
		if d.Side == "sell" {
			side = model.SideAsk
		}

		trade, err := model.NewTradeRecord(
			ExchangeOkx, pair, side, ts, d.TradeID,
			baseAmount, price.Mul(baseAmount), price, s.cfg.Window,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	return trades, nil
}
