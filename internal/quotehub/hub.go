// Package quotehub is the sole consumer of the broker's streaming quote
// feed (spec.md §4.8). It fans each quote out to an optional debounced PnL
// callback (PnLUpdateFunc) and to the bar aggregator, which closes
// and emits bars in strictly monotonic open-time order per (symbol,
// timeframe). Grounded on the teacher's
// internal/clients/tradernet/websocket_client.go subscribe/dispatch shape,
// generalized from a single market-status feed to a per-symbol multiplexed
// quote stream.
package quotehub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/events"
)

// DefaultTimeframes are auto-subscribed the first time a symbol streams.
var DefaultTimeframes = []domain.Timeframe{"1m", "5m", "15m", "1h"}

// PnLUpdateFunc is invoked at most once per symbol per debounce window with
// the latest quote price.
type PnLUpdateFunc func(symbol string, price float64, ts time.Time)

// BarHandler receives every bar this hub closes for a (symbol, timeframe)
// it was registered against.
type BarHandler func(domain.Bar)

// Hub routes broker quotes to the bar aggregator and the compliance
// tracker, and lets strategies/chart feeds subscribe to closed bars.
type Hub struct {
	log    zerolog.Logger
	broker domain.BrokerClient
	store  domain.Store
	bus    *events.Bus

	pnlDebounce time.Duration
	onPnL       PnLUpdateFunc

	mu             sync.Mutex
	subscribed     map[string]bool                        // symbol -> already auto-subscribed to broker feed
	bars           map[string]map[domain.Timeframe]*inProgressBar // symbol -> tf -> current bar
	lastClosed     map[string]map[domain.Timeframe]time.Time      // symbol -> tf -> last emitted open-time
	barHandlers    map[string]map[domain.Timeframe][]BarHandler
	lastPnLAt      map[string]time.Time
	lastPnLTimer   map[string]*time.Timer

	emitQueues map[string]chan domain.Bar // "symbol\x00tf" -> serial emission queue, started lazily
}

type inProgressBar struct {
	openTime time.Time
	open     float64
	high     float64
	low      float64
	close    float64
	volume   int64
}

// New builds a Hub. pnlDebounce defaults to 200ms (spec.md §4.8) if zero.
func New(log zerolog.Logger, broker domain.BrokerClient, store domain.Store, bus *events.Bus, pnlDebounce time.Duration, onPnL PnLUpdateFunc) *Hub {
	if pnlDebounce <= 0 {
		pnlDebounce = 200 * time.Millisecond
	}
	return &Hub{
		log:          log.With().Str("component", "quotehub").Logger(),
		broker:       broker,
		store:        store,
		bus:          bus,
		pnlDebounce:  pnlDebounce,
		onPnL:        onPnL,
		subscribed:   make(map[string]bool),
		bars:         make(map[string]map[domain.Timeframe]*inProgressBar),
		lastClosed:   make(map[string]map[domain.Timeframe]time.Time),
		barHandlers:  make(map[string]map[domain.Timeframe][]BarHandler),
		lastPnLAt:    make(map[string]time.Time),
		lastPnLTimer: make(map[string]*time.Timer),
		emitQueues:   make(map[string]chan domain.Bar),
	}
}

// Watch ensures symbol is subscribed to the broker quote stream and the
// hub's default timeframes are armed for aggregation. Safe to call
// repeatedly; the underlying broker subscription happens once per symbol.
func (h *Hub) Watch(ctx context.Context, symbol string) error {
	h.mu.Lock()
	already := h.subscribed[symbol]
	if !already {
		h.subscribed[symbol] = true
		h.bars[symbol] = make(map[domain.Timeframe]*inProgressBar)
		h.lastClosed[symbol] = make(map[domain.Timeframe]time.Time)
	}
	h.mu.Unlock()
	if already {
		return nil
	}
	return h.broker.SubscribeQuotes(ctx, symbol, h.onQuote)
}

// Subscribe registers handler to receive every bar the hub closes for
// (symbol, timeframe). Calling Subscribe implicitly arms that timeframe
// for aggregation even if it isn't in DefaultTimeframes.
func (h *Hub) Subscribe(symbol string, tf domain.Timeframe, handler BarHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.barHandlers[symbol] == nil {
		h.barHandlers[symbol] = make(map[domain.Timeframe][]BarHandler)
	}
	h.barHandlers[symbol][tf] = append(h.barHandlers[symbol][tf], handler)
	if h.bars[symbol] == nil {
		h.bars[symbol] = make(map[domain.Timeframe]*inProgressBar)
		h.lastClosed[symbol] = make(map[domain.Timeframe]time.Time)
	}
}

// onQuote is the domain.QuoteHandler registered with the broker for this
// hub's subscribed symbols.
func (h *Hub) onQuote(q domain.Quote) {
	h.debouncedPnL(q)
	h.aggregate(q)
}

func (h *Hub) debouncedPnL(q domain.Quote) {
	if h.onPnL == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	last, ok := h.lastPnLAt[q.Symbol]
	if ok && q.Timestamp.Sub(last) < h.pnlDebounce {
		// Within the debounce window: replace any pending deferred call so
		// only the latest price within the window eventually fires.
		if t, exists := h.lastPnLTimer[q.Symbol]; exists {
			t.Stop()
		}
		remaining := h.pnlDebounce - q.Timestamp.Sub(last)
		symbol, price, ts := q.Symbol, q.Price, q.Timestamp
		h.lastPnLTimer[q.Symbol] = time.AfterFunc(remaining, func() {
			h.mu.Lock()
			h.lastPnLAt[symbol] = ts
			h.mu.Unlock()
			h.onPnL(symbol, price, ts)
		})
		return
	}

	h.lastPnLAt[q.Symbol] = q.Timestamp
	h.onPnL(q.Symbol, q.Price, q.Timestamp)
}

// aggregate updates every (symbol, timeframe) the hub is tracking for
// q.Symbol, closing and emitting bars when ts crosses an interval boundary.
// Timeframes not yet armed for this symbol are armed lazily on first quote
// using DefaultTimeframes, per spec.md's auto-subscribe rule.
func (h *Hub) aggregate(q domain.Quote) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tfMap, ok := h.bars[q.Symbol]
	if !ok {
		tfMap = make(map[domain.Timeframe]*inProgressBar)
		h.bars[q.Symbol] = tfMap
		h.lastClosed[q.Symbol] = make(map[domain.Timeframe]time.Time)
	}
	if len(tfMap) == 0 {
		for _, tf := range DefaultTimeframes {
			tfMap[tf] = nil
		}
	}
	// Also make sure any timeframe a caller explicitly Subscribe()d to exists.
	for tf := range h.barHandlers[q.Symbol] {
		if _, exists := tfMap[tf]; !exists {
			tfMap[tf] = nil
		}
	}

	for tf, cur := range tfMap {
		dur := tf.Duration()
		if dur <= 0 {
			continue
		}
		openTime := q.Timestamp.Truncate(dur)

		lastClosed := h.lastClosed[q.Symbol][tf]
		if !lastClosed.IsZero() && !openTime.After(lastClosed) {
			// Late quote for an already-closed interval: drop, don't mutate history.
			h.log.Warn().Str("symbol", q.Symbol).Str("timeframe", string(tf)).
				Time("open_time", openTime).Msg("dropped late quote after bar close")
			continue
		}

		if cur == nil {
			tfMap[tf] = &inProgressBar{openTime: openTime, open: q.Price, high: q.Price, low: q.Price, close: q.Price, volume: q.Size}
			continue
		}

		if openTime.After(cur.openTime) {
			closed := domain.Bar{
				Symbol: q.Symbol, TF: tf, OpenTime: cur.openTime,
				Open: cur.open, High: cur.high, Low: cur.low, Close: cur.close, Volume: cur.volume, Closed: true,
			}
			h.lastClosed[q.Symbol][tf] = cur.openTime
			tfMap[tf] = &inProgressBar{openTime: openTime, open: q.Price, high: q.Price, low: q.Price, close: q.Price, volume: q.Size}
			h.emitClosedBar(closed)
			continue
		}

		cur.close = q.Price
		if q.Price > cur.high {
			cur.high = q.Price
		}
		if q.Price < cur.low {
			cur.low = q.Price
		}
		cur.volume += q.Size
	}
}

// emitClosedBar hands a closed bar off to the (symbol, timeframe)'s serial
// emission queue. Called with h.mu held: aggregate() closes bars for a given
// key in monotonic open-time order, and routing them through one worker
// goroutine per key (instead of one goroutine per bar) preserves that order
// all the way through handler dispatch, the store write, and the bus
// publish (spec.md §8-5 "strictly monotonic open-time order").
func (h *Hub) emitClosedBar(b domain.Bar) {
	key := emitQueueKey(b.Symbol, b.TF)
	ch, ok := h.emitQueues[key]
	if !ok {
		ch = make(chan domain.Bar, 64)
		h.emitQueues[key] = ch
		go h.runEmitQueue(ch)
	}
	ch <- b
}

func emitQueueKey(symbol string, tf domain.Timeframe) string {
	return symbol + "\x00" + string(tf)
}

// runEmitQueue drains one (symbol, timeframe)'s emission queue, one bar at a
// time, for the lifetime of the hub: notifies registered handlers, flushes
// to the store, and publishes a BarClosed event. Store failures are simply
// logged (spec.md §6 "unavailable-tolerant").
func (h *Hub) runEmitQueue(ch chan domain.Bar) {
	for b := range ch {
		h.mu.Lock()
		handlers := append([]BarHandler(nil), h.barHandlers[b.Symbol][b.TF]...)
		h.mu.Unlock()

		for _, handler := range handlers {
			handler(b)
		}
		if h.store != nil {
			if err := h.store.UpsertBars(context.Background(), []domain.Bar{b}); err != nil {
				h.log.Warn().Err(err).Str("symbol", b.Symbol).Msg("failed to persist closed bar")
			}
		}
		if h.bus != nil {
			h.bus.Publish(&events.BarClosedData{Symbol: b.Symbol, TF: string(b.TF), Close: b.Close})
		}
	}
}
