// Package signals normalizes external strategy signals into the engine's
// closed SignalEvent vocabulary and debounces per (symbol, action) (spec.md
// §4.8/§6: "Signal Intake is an alternate source of order intents, parallel
// to the Scheduler"). Grounded on the typed-payload-normalization discipline
// the teacher's internal/events package applies to its own event payloads
// (each wire shape gets one explicit decode-and-validate step, never a
// dynamic/dispatch-by-map-key decode) — generalized here from event
// payloads to inbound webhook payloads.
package signals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/domain"
)

// Payload is the wire shape accepted at POST /webhook (spec.md §6).
type Payload struct {
	Action        string   `json:"action"`
	Symbol        string   `json:"symbol"`
	Entry         float64  `json:"entry"`
	StopLoss      float64  `json:"stop_loss"`
	TakeProfit1   float64  `json:"take_profit_1"`
	TakeProfit2   *float64 `json:"take_profit_2,omitempty"`
}

// Handler receives an accepted, normalized SignalEvent.
type Handler func(domain.SignalEvent)

// Config is the Signal Intake policy (spec.md §6 Order policy fields).
type Config struct {
	DebounceWindow          time.Duration // default 300s
	IgnoreNonEntrySignals   bool
	IgnoreTP1Signals        bool
}

func DefaultConfig() Config {
	return Config{DebounceWindow: 300 * time.Second}
}

// Intake normalizes, validates, and debounces inbound signal payloads
// before handing them to the registered Handler.
type Intake struct {
	log     zerolog.Logger
	cfg     Config
	handler Handler

	mu   sync.Mutex
	last map[string]time.Time // "symbol|action" -> last accepted time
}

func New(log zerolog.Logger, cfg Config, handler Handler) *Intake {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 300 * time.Second
	}
	return &Intake{
		log: log.With().Str("component", "signals").Logger(), cfg: cfg, handler: handler,
		last: make(map[string]time.Time),
	}
}

// Accept normalizes payload into a SignalEvent, applies the
// ignore-non-entry/ignore-tp1 policy flags, and debounces per (symbol,
// action). Returns (accepted, error) — error means the payload itself was
// malformed (closed action set rejected at the boundary per spec.md's
// explicit redesign of the source's dynamic JSON parsing); accepted=false
// with a nil error means the signal was recognized but dropped by policy
// or debounce.
func (in *Intake) Accept(ctx context.Context, p Payload) (bool, error) {
	action := domain.SignalAction(p.Action)
	if !action.Valid() {
		return false, fmt.Errorf("signals: unrecognized action %q", p.Action)
	}
	if p.Symbol == "" {
		return false, fmt.Errorf("signals: missing symbol")
	}

	if !action.IsEntry() {
		if in.cfg.IgnoreNonEntrySignals {
			return false, nil
		}
		isTP1 := action == domain.ActionTP1HitLong || action == domain.ActionTP1HitShort
		if isTP1 && in.cfg.IgnoreTP1Signals {
			return false, nil
		}
	}

	if action.IsEntry() {
		if p.Entry == 0 || p.StopLoss == 0 {
			return false, fmt.Errorf("signals: %s requires entry and stop_loss", p.Action)
		}
	}

	ev := domain.SignalEvent{
		Symbol: p.Symbol, Action: action, Entry: p.Entry, StopLoss: p.StopLoss,
		TP1: p.TakeProfit1, TP2: p.TakeProfit2, ReceivedAt: time.Now().UTC(),
	}

	if in.debounced(ev) {
		in.log.Debug().Str("symbol", p.Symbol).Str("action", p.Action).Msg("signal debounced")
		return false, nil
	}

	if in.handler != nil {
		in.handler(ev)
	}
	return true, nil
}

func (in *Intake) debounced(ev domain.SignalEvent) bool {
	key := ev.Symbol + "|" + string(ev.Action)
	in.mu.Lock()
	defer in.mu.Unlock()
	if last, ok := in.last[key]; ok && ev.ReceivedAt.Sub(last) < in.cfg.DebounceWindow {
		return true
	}
	in.last[key] = ev.ReceivedAt
	return false
}
