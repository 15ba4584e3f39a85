// Package dispatch connects the external trade bus to the fan-out index
// and the ticker aggregator.
//
// One Run loop serves one logical bus partition; partitions run
// concurrently and no ordering is guaranteed across them. Within a
// partition, trades are handed to both consumers in arrival order, which
// the aggregator's open/close semantics depend on.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

// Batch is one ordered slice of trades pulled from a single bus
// partition.
type Batch struct {
	Partition string
	Trades    []model.TradeRecord
}

// TradeSource is the pull side of the external bus. Poll blocks until a
// batch is available, the context ends, or the stream terminates with
// io.EOF. Offset commits and redelivery are the bus's concern; the only
// contract here is per-partition arrival order.
type TradeSource interface {
	Poll(ctx context.Context) (Batch, error)
}

// TradePublisher receives every valid trade for live fan-out.
// *channels.Index satisfies it.
type TradePublisher interface {
	Publish(trade model.TradeRecord)
}

// TradeIngester folds every valid trade into windowed aggregation state.
// *tickers.Aggregator satisfies it.
type TradeIngester interface {
	Ingest(ctx context.Context, trade model.TradeRecord)
}

// Dispatcher drives both trade consumers from bus batches.
type Dispatcher struct {
	publisher TradePublisher
	ingester  TradeIngester

	processed atomic.Int64
	rejected  atomic.Int64
}

// NewDispatcher wires the two consumers of the trade stream.
func NewDispatcher(publisher TradePublisher, ingester TradeIngester) *Dispatcher {
	return &Dispatcher{publisher: publisher, ingester: ingester}
}

// Run consumes one partition until the context ends or the source is
// exhausted. A terminal source failure is returned; cancellation and
// end-of-stream are clean exits.
func (d *Dispatcher) Run(ctx context.Context, src TradeSource) error {
	for {
		batch, err := src.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("poll trade source: %w", err)
		}
		d.Process(ctx, batch)
	}
}

// Process hands each trade of a batch to the publisher and the ingester
// in arrival order. An invalid trade fails alone: it is counted, logged
// and skipped, and the rest of the batch continues.
func (d *Dispatcher) Process(ctx context.Context, batch Batch) {
	for _, trade := range batch.Trades {
		if err := trade.Validate(); err != nil {
			d.rejected.Add(1)
			log.Warn().Err(err).
				Str("partition", batch.Partition).
				Str("exchange", trade.Exchange).
				Str("trade_id", trade.TradeID).
				Msg("rejecting invalid trade")
			continue
		}

		d.publisher.Publish(trade)
		d.ingester.Ingest(ctx, trade)
		d.processed.Add(1)
	}
}

// Processed reports how many trades reached both consumers.
func (d *Dispatcher) Processed() int64 {
	return d.processed.Load()
}

// Rejected reports how many trades failed validation.
func (d *Dispatcher) Rejected() int64 {
	return d.rejected.Load()
}
