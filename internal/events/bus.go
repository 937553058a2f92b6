package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives published events. It must not block for long: Publish
// only enqueues the event, and the bus's single dispatch goroutine calls
// every handler for a Type synchronously in the order they subscribed, so
// a slow subscriber delays the delivery of every later event, never the
// publisher.
type Handler func(Event)

// Bus is an in-process typed pub/sub dispatcher, grounded on the teacher's
// events.Manager logging-on-emit style but adding actual subscriber fan-out,
// since the notifier and API layers both need to observe engine events.
type Bus struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[Type][]Handler

	queue chan Event
	done  chan struct{}
}

// NewBus starts a bus with a bounded internal queue. Publish never blocks
// trading logic: a full queue drops the event and logs a warning rather
// than applying backpressure to the caller.
func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		log:      log.With().Str("component", "events").Logger(),
		handlers: make(map[Type][]Handler),
		queue:    make(chan Event, 256),
		done:     make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers h to run for every event of the given type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish enqueues data for asynchronous dispatch. Best-effort: if the
// internal queue is full the event is dropped and logged, never blocking
// the caller (spec.md §6 "failure never blocks trading").
func (b *Bus) Publish(data Data) {
	ev := Event{Type: data.EventType(), Timestamp: time.Now(), Data: data}
	select {
	case b.queue <- ev:
	default:
		b.log.Warn().Str("event_type", string(ev.Type)).Msg("event queue full, dropping event")
	}
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(ev)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Type]...)
	b.mu.RUnlock()

	b.log.Debug().Str("event_type", string(ev.Type)).Int("subscribers", len(hs)).Msg("dispatching event")
	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Str("event_type", string(ev.Type)).Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}

// Close stops the dispatch loop. Events queued but not yet dispatched are
// discarded.
func (b *Bus) Close() {
	close(b.done)
}
