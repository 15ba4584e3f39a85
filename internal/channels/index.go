// Package channels implements the live fan-out registry: it routes every
// ingested trade to all subscriber sinks whose subscription key matches
// the trade's exchange and pair.
//
// Concurrency model:
//   - Publish runs under a read lock, so ingestion paths for different
//     bus partitions publish concurrently without blocking each other.
//   - Subscribe/Unsubscribe are low frequency and take the write lock.
//   - Delivery to a sink is a bounded, non-blocking buffered send; a full
//     sink drops the trade for that sink only and never stalls the
//     publisher or other subscribers.
package channels

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/hleb-albau/cyber-markets/internal/model"
)

// AnyScope is the wildcard subscription scope matching every exchange or
// every pair.
const AnyScope = "ALL"

// ErrInvalidSubscriptionKey indicates malformed subscription scopes.
var ErrInvalidSubscriptionKey = errors.New("invalid subscription key")

// SubscriptionKey is an (exchange scope, pair scope) combination. Each
// scope is either a concrete uppercase value or AnyScope. A trade with
// (E, P) matches the four keys (E,P), (E,ALL), (ALL,P) and (ALL,ALL).
type SubscriptionKey struct {
	Exchange string
	Pair     string
}

// NewSubscriptionKey validates and canonicalizes raw scopes. The pair
// scope must be AnyScope or a parseable BASE-QUOTE symbol.
func NewSubscriptionKey(exchangeScope, pairScope string) (SubscriptionKey, error) {
	exchangeScope = strings.ToUpper(strings.TrimSpace(exchangeScope))
	pairScope = strings.ToUpper(strings.TrimSpace(pairScope))

	if exchangeScope == "" {
		return SubscriptionKey{}, fmt.Errorf("%w: empty exchange scope", ErrInvalidSubscriptionKey)
	}
	if pairScope == "" {
		return SubscriptionKey{}, fmt.Errorf("%w: empty pair scope", ErrInvalidSubscriptionKey)
	}
	if pairScope != AnyScope {
		if _, err := model.ParsePair(pairScope); err != nil {
			return SubscriptionKey{}, fmt.Errorf("%w: %v", ErrInvalidSubscriptionKey, err)
		}
	}

	return SubscriptionKey{Exchange: exchangeScope, Pair: pairScope}, nil
}

// keysFor enumerates the four keys a trade matches.
func keysFor(trade model.TradeRecord) [4]SubscriptionKey {
	pair := trade.Pair.String()
	return [4]SubscriptionKey{
		{Exchange: trade.Exchange, Pair: pair},
		{Exchange: trade.Exchange, Pair: AnyScope},
		{Exchange: AnyScope, Pair: pair},
		{Exchange: AnyScope, Pair: AnyScope},
	}
}

// Subscriber is one live sink: a bounded delivery channel registered on
// exactly one subscription key.
type Subscriber struct {
	id  int64
	key SubscriptionKey
	ch  chan model.TradeRecord
}

// Key returns the subscription key the sink is registered on.
func (s *Subscriber) Key() SubscriptionKey {
	return s.key
}

// Trades is the sink's delivery channel. It is closed on Unsubscribe.
func (s *Subscriber) Trades() <-chan model.TradeRecord {
	return s.ch
}

// Index is the registry mapping subscription keys to their live sinks.
type Index struct {
	mu    sync.RWMutex
	sinks map[SubscriptionKey]map[int64]*Subscriber

	bufSize int
	nextID  atomic.Int64
	dropped atomic.Int64
}

// NewIndex creates an empty registry. bufSize is the per-sink delivery
// buffer; once it is full further trades are dropped for that sink.
func NewIndex(bufSize int) *Index {
	if bufSize <= 0 {
		bufSize = 128
	}
	return &Index{
		sinks:   make(map[SubscriptionKey]map[int64]*Subscriber),
		bufSize: bufSize,
	}
}

// Subscribe registers a new sink for the given scopes, lazily creating
// the channel for that exact key.
func (ix *Index) Subscribe(exchangeScope, pairScope string) (*Subscriber, error) {
	key, err := NewSubscriptionKey(exchangeScope, pairScope)
	if err != nil {
		return nil, err
	}

	sub := &Subscriber{
		id:  ix.nextID.Add(1),
		key: key,
		ch:  make(chan model.TradeRecord, ix.bufSize),
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	channel, ok := ix.sinks[key]
	if !ok {
		channel = make(map[int64]*Subscriber)
		ix.sinks[key] = channel
	}
	channel[sub.id] = sub

	return sub, nil
}

// Unsubscribe removes the sink and closes its delivery channel. The
// channel for the key is dropped once its last sink is gone and gets
// recreated lazily on the next Subscribe. Unsubscribing twice is a no-op.
func (ix *Index) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	channel, ok := ix.sinks[sub.key]
	if !ok {
		return
	}
	if _, live := channel[sub.id]; !live {
		return
	}

	delete(channel, sub.id)
	if len(channel) == 0 {
		delete(ix.sinks, sub.key)
	}
	close(sub.ch)
}

// Publish delivers the trade to every sink on every matching key.
//
// Delivery is best-effort: a sink whose buffer is full loses this trade
// (counted, not surfaced). For any single sink, delivered trades keep
// the order of Publish calls.
func (ix *Index) Publish(trade model.TradeRecord) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, key := range keysFor(trade) {
		for _, sub := range ix.sinks[key] {
			select {
			case sub.ch <- trade:
			default:
				ix.dropped.Add(1)
				log.Debug().
					Str("exchange", trade.Exchange).
					Str("pair", trade.Pair.String()).
					Int64("subscriber", sub.id).
					Msg("sink buffer full, trade dropped for slow subscriber")
			}
		}
	}
}

// Dropped reports how many deliveries were lost to full sink buffers.
func (ix *Index) Dropped() int64 {
	return ix.dropped.Load()
}

// Subscribers reports the number of live sinks across all keys.
func (ix *Index) Subscribers() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := 0
	for _, channel := range ix.sinks {
		n += len(channel)
	}
	return n
}
