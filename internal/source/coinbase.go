package source

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/hleb-albau/cyber-markets/internal/dispatch"
	"github.com/hleb-albau/cyber-markets/internal/model"
)

// ExchangeCoinbase is the partition name of the Coinbase ingestion path.
const ExchangeCoinbase = "COINBASE"

const defaultCoinbaseEndpoint = "wss://ws-feed.exchange.coinbase.com"

// CoinbaseConfig shapes one Coinbase stream connection.
type CoinbaseConfig struct {
	Endpoint  string
	Pairs     []model.TokenPair
	Window    time.Duration
	BatchSize int
	Buffer    int
}

func (cfg *CoinbaseConfig) applyDefaults() {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultCoinbaseEndpoint
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
}

// coinbaseMatch is a trade execution on the "matches" channel. Coinbase
// sends product ids already hyphenated and timestamps as RFC3339.
//
// Example:
//
//	{"type":"match","trade_id":123,"side":"sell","size":"2","price":"0.05","product_id":"ETH-BTC","time":"2023-01-01T12:00:00.123456Z"}
type coinbaseMatch struct {
	Type      string `json:"type"`
	TradeID   int64  `json:"trade_id" validate:"required,gt=0"`
	Side      string `json:"side" validate:"required,oneof=buy sell"`
	Size      string `json:"size" validate:"required,numeric"`
	Price     string `json:"price" validate:"required,numeric"`
	ProductID string `json:"product_id" validate:"required"`
	Time      string `json:"time" validate:"required"`
}

// CoinbaseSource streams live trades from the Coinbase matches channel
// and implements dispatch.TradeSource.
type CoinbaseSource struct {
	cfg      CoinbaseConfig
	stream   *streamClient
	validate *validator.Validate
}

// NewCoinbaseSource connects and subscribes to the matches channel for
// the configured pairs.
func NewCoinbaseSource(ctx context.Context, cfg CoinbaseConfig) (*CoinbaseSource, error) {
	cfg.applyDefaults()
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("coinbase source: at least one pair is required")
	}

	productIDs := make([]string, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		productIDs = append(productIDs, pair.String())
	}
	subMsg, err := json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": productIDs,
		"channels":    []string{"matches"},
	})
	if err != nil {
		return nil, err
	}

	src := &CoinbaseSource{
		cfg:      cfg,
		validate: validator.New(),
	}

	stream, err := dialStream(ctx, ExchangeCoinbase, cfg.Endpoint, [][]byte{subMsg}, cfg.Buffer, src.parseMessage)
	if err != nil {
		return nil, err
	}
	src.stream = stream

	return src, nil
}

// Poll returns the next ordered batch of Coinbase trades.
func (s *CoinbaseSource) Poll(ctx context.Context) (dispatch.Batch, error) {
	return s.stream.poll(ctx, s.cfg.BatchSize)
}

// Close tears down the stream connection.
func (s *CoinbaseSource) Close() {
	s.stream.Close()
}

func (s *CoinbaseSource) parseMessage(raw []byte) ([]model.TradeRecord, error) {
	var m coinbaseMatch
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode match message: %w", err)
	}
	if m.Type != "match" {
		// subscription acks, heartbeats and errors share the feed
		return nil, nil
	}
	if err := s.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid match message: %w", err)
	}

	pair, err := model.ParsePair(m.ProductID)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, m.Time)
	if err != nil {
		return nil, fmt.Errorf("invalid match time %q: %w", m.Time, err)
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", m.Price, err)
	}
	baseAmount, err := decimal.NewFromString(m.Size)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", m.Size, err)
	}

	// coinbase reports the maker side; the taker took the other one
	side := model.SideAsk
	if m.Side == "sell" {
		side = model.SideBid
	}

	trade, err := model.NewTradeRecord(
		ExchangeCoinbase, pair, side, ts.UnixMilli(), fmt.Sprintf("%d", m.TradeID),
		baseAmount, price.Mul(baseAmount), price, s.cfg.Window,
	)
	if err != nil {
		return nil, err
	}

	return []model.TradeRecord{trade}, nil
}
