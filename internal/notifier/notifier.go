// Package notifier is the optional outbound webhook egress (spec.md §6):
// a structured message posted on bracket placed, entry filled, stop/target
// filled, breakeven adjusted, risk limit approached, and EOD summary.
// Best-effort, fire-and-forget — failure here must never block trading.
// Grounded on the teacher's events.Manager.Emit fire-and-forget style
// (internal/events/manager.go: log and move on, never propagate a failure
// back into the caller's control flow); this package subscribes to the
// same event set over the typed events.Bus instead of writing to the log.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/overrangefutures/engine/internal/events"
)

const postTimeout = 5 * time.Second

// message is the structured payload posted to the configured webhook URL.
type message struct {
	EventType string      `json:"event_type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Notifier posts a JSON message to a webhook URL for each subscribed event
// type. A zero-value webhookURL disables egress entirely.
type Notifier struct {
	log        zerolog.Logger
	webhookURL string
	client     *http.Client
}

func New(log zerolog.Logger, webhookURL string) *Notifier {
	return &Notifier{
		log:        log.With().Str("component", "notifier").Logger(),
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: postTimeout},
	}
}

// Attach subscribes the notifier to every event type that should reach the
// outbound webhook (spec.md §6 egress list). A no-op if no webhook URL is
// configured.
func (n *Notifier) Attach(bus *events.Bus) {
	if n.webhookURL == "" || bus == nil {
		return
	}
	for _, t := range []events.Type{
		events.BracketPlaced, events.EntryFilled, events.ExitFilled,
		events.BreakevenAdjusted, events.RiskLimitApproached, events.EODSummary,
	} {
		bus.Subscribe(t, n.onEvent)
	}
}

func (n *Notifier) onEvent(ev events.Event) {
	go n.post(message{EventType: string(ev.Type), Timestamp: ev.Timestamp, Data: ev.Data})
}

func (n *Notifier) post(msg message) {
	body, err := json.Marshal(msg)
	if err != nil {
		n.log.Warn().Err(err).Str("event_type", msg.EventType).Msg("notifier: failed to marshal message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		n.log.Warn().Err(err).Msg("notifier: failed to build request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn().Err(err).Str("event_type", msg.EventType).Msg("notifier: webhook post failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Warn().Int("status", resp.StatusCode).Str("event_type", msg.EventType).Msg("notifier: webhook returned non-2xx")
	}
}
