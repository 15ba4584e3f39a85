package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

// recorder captures the trades each consumer saw, in arrival order.
type recorder struct {
	published []model.TradeRecord
	ingested  []model.TradeRecord
}

func (r *recorder) Publish(trade model.TradeRecord) {
	r.published = append(r.published, trade)
}

func (r *recorder) Ingest(_ context.Context, trade model.TradeRecord) {
	r.ingested = append(r.ingested, trade)
}

// scriptedSource replays fixed batches, then reports end of stream.
type scriptedSource struct {
	batches []Batch
	next    int
	err     error
}

func (s *scriptedSource) Poll(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	if s.next >= len(s.batches) {
		if s.err != nil {
			return Batch{}, s.err
		}
		return Batch{}, io.EOF
	}
	batch := s.batches[s.next]
	s.next++
	return batch, nil
}

func validTrade(t *testing.T, tradeID string) model.TradeRecord {
	t.Helper()

	price := decimal.NewFromFloat(0.05)
	base := decimal.NewFromInt(2)

	trade, err := model.NewTradeRecord("BINANCE", model.TokenPair{Base: "ETH", Quote: "BTC"},
		model.SideBid, time.Now().UnixMilli(), tradeID, base, price.Mul(base), price, time.Minute)
	require.NoError(t, err)
	return trade
}

func invalidTrade(t *testing.T, tradeID string) model.TradeRecord {
	trade := validTrade(t, tradeID)
	// break the pricing invariant
	trade.QuoteAmount = trade.QuoteAmount.Add(decimal.NewFromInt(1))
	return trade
}

func Test_Process_OrderPreserved(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec)

	batch := Batch{Partition: "BINANCE", Trades: []model.TradeRecord{
		validTrade(t, "1"), validTrade(t, "2"), validTrade(t, "3"),
	}}
	d.Process(context.Background(), batch)

	require.Len(t, rec.published, 3)
	require.Len(t, rec.ingested, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, rec.published[i].TradeID, "publish order matches arrival order")
		assert.Equal(t, want, rec.ingested[i].TradeID, "ingest order matches arrival order")
	}
	assert.EqualValues(t, 3, d.Processed())
	assert.Zero(t, d.Rejected())
}

func Test_Process_InvalidTradeFailsAlone(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec)

	batch := Batch{Partition: "BINANCE", Trades: []model.TradeRecord{
		validTrade(t, "1"), invalidTrade(t, "bad"), validTrade(t, "2"),
	}}
	d.Process(context.Background(), batch)

	require.Len(t, rec.published, 2, "the invalid trade reaches no consumer")
	require.Len(t, rec.ingested, 2)
	assert.Equal(t, "1", rec.published[0].TradeID)
	assert.Equal(t, "2", rec.published[1].TradeID, "the batch continues past the failure")
	assert.EqualValues(t, 1, d.Rejected())
	assert.EqualValues(t, 2, d.Processed())
}

func Test_Run_ConsumesUntilEndOfStream(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec)

	src := &scriptedSource{batches: []Batch{
		{Partition: "BINANCE", Trades: []model.TradeRecord{validTrade(t, "1")}},
		{Partition: "BINANCE", Trades: []model.TradeRecord{validTrade(t, "2"), validTrade(t, "3")}},
	}}

	err := d.Run(context.Background(), src)
	require.NoError(t, err, "end of stream is a clean exit")
	assert.EqualValues(t, 3, d.Processed())
}

func Test_Run_CancellationIsClean(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Run(ctx, &scriptedSource{})
	assert.NoError(t, err)
	assert.Zero(t, d.Processed())
}

func Test_Run_TerminalSourceFailure(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, rec)

	srcErr := errors.New("bus unreachable")
	err := d.Run(context.Background(), &scriptedSource{err: srcErr})

	require.Error(t, err)
	assert.ErrorIs(t, err, srcErr)
}
