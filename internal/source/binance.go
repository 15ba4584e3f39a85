package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/hleb-albau/cyber-markets/internal/dispatch"
	"github.com/hleb-albau/cyber-markets/internal/model"
)

// ExchangeBinance is the partition name of the Binance ingestion path.
const ExchangeBinance = "BINANCE"

const defaultBinanceEndpoint = "wss://stream.binance.com:9443"

// BinanceConfig shapes one Binance stream connection.
type BinanceConfig struct {
	// Endpoint overrides the production stream host, used by tests.
	Endpoint  string
	Pairs     []model.TokenPair
	Window    time.Duration
	BatchSize int
	// Buffer bounds the parsed-trade backlog between the read loop and
	// Poll.
	Buffer int
}

func (cfg *BinanceConfig) applyDefaults() {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultBinanceEndpoint
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
}

// binanceMessage is the combined-stream wrapper: the stream name plus
// the trade payload as raw JSON.
//
// Example:
//
//	{"stream":"ethbtc@trade","data":{"s":"ETHBTC","t":42,"p":"0.05","q":"2","T":1700000000000,"m":false}}
type binanceMessage struct {
	Stream string          `json:"stream" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

// binanceTrade is the inner trade event. Numeric values arrive as
// strings to preserve precision.
type binanceTrade struct {
	Symbol       string `json:"s" validate:"required"`
	ID           int64  `json:"t" validate:"required,gt=0"`
	Price        string `json:"p" validate:"required,numeric"`
	Quantity     string `json:"q" validate:"required,numeric"`
	Time         int64  `json:"T" validate:"required,gt=0"`
	BuyerIsMaker bool   `json:"m"`
}

// BinanceSource streams live trades from Binance's combined trade
// streams and implements dispatch.TradeSource.
type BinanceSource struct {
	cfg      BinanceConfig
	stream   *streamClient
	validate *validator.Validate
	// symbols maps Binance's concatenated symbol back to the pair.
	symbols map[string]model.TokenPair
}

// NewBinanceSource connects and subscribes to the trade streams of the
// configured pairs. The connection stays up until ctx is cancelled or
// Close is called.
func NewBinanceSource(ctx context.Context, cfg BinanceConfig) (*BinanceSource, error) {
	cfg.applyDefaults()
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("binance source: at least one pair is required")
	}

	symbols := make(map[string]model.TokenPair, len(cfg.Pairs))
	streams := make([]string, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		symbols[pair.Base+pair.Quote] = pair
		streams = append(streams, strings.ToLower(pair.Base+pair.Quote)+"@trade")
	}
	endpoint := fmt.Sprintf("%s/stream?streams=%s", cfg.Endpoint, strings.Join(streams, "/"))

	src := &BinanceSource{
		cfg:      cfg,
		validate: validator.New(),
		symbols:  symbols,
	}

	stream, err := dialStream(ctx, ExchangeBinance, endpoint, nil, cfg.Buffer, src.parseMessage)
	if err != nil {
		return nil, err
	}
	src.stream = stream

	return src, nil
}

// Poll returns the next ordered batch of Binance trades.
func (s *BinanceSource) Poll(ctx context.Context) (dispatch.Batch, error) {
	return s.stream.poll(ctx, s.cfg.BatchSize)
}

// Close tears down the stream connection.
func (s *BinanceSource) Close() {
	s.stream.Close()
}

func (s *BinanceSource) parseMessage(raw []byte) ([]model.TradeRecord, error) {
	var m binanceMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode stream wrapper: %w", err)
	}
	if m.Stream == "" || len(m.Data) == 0 {
		// combined-stream control frames carry no trade
		return nil, nil
	}

	var t binanceTrade
	if err := json.Unmarshal(m.Data, &t); err != nil {
		return nil, fmt.Errorf("decode trade payload: %w", err)
	}
	if err := s.validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("invalid trade payload: %w", err)
	}

	pair, ok := s.symbols[strings.ToUpper(t.Symbol)]
	if !ok {
		return nil, fmt.Errorf("unsubscribed symbol %q", t.Symbol)
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", t.Price, err)
	}
	baseAmount, err := decimal.NewFromString(t.Quantity)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", t.Quantity, err)
	}

	// the taker sold when the buyer was the maker
	side := model.SideBid
	if t.BuyerIsMaker {
		side = model.SideAsk
	}

	trade, err := model.NewTradeRecord(
		ExchangeBinance, pair, side, t.Time, strconv.FormatInt(t.ID, 10),
		baseAmount, price.Mul(baseAmount), price, s.cfg.Window,
	)
	if err != nil {
		return nil, err
	}

	return []model.TradeRecord{trade}, nil
}
