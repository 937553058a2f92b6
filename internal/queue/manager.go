package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxPending bounds total queued-but-not-running tasks (spec.md §4.7
// "Backpressure"). On overflow, low/background submissions are shed first;
// critical submissions block the submitter briefly instead of being
// dropped.
const maxPending = 1000

// Manager is the bounded worker pool driving all five priority levels from
// one set of goroutines, grounded on the teacher's single-goroutine
// Processor loop (internal/work/processor.go) generalized to N concurrent
// workers and a real priority ladder.
type Manager struct {
	log     zerolog.Logger
	workers int

	mu       sync.Mutex
	lanes    [5][]*Task // indexed by Priority
	pending  int
	notEmpty chan struct{}

	wg       sync.WaitGroup
	shutdown chan struct{}
	draining bool

	onFailure func(task *Task, err error)

	statsMu    sync.Mutex
	succeeded  int64
	failed     int64
}

// Stats is a point-in-time snapshot of queue throughput, surfaced at
// GET /metrics (spec.md §6).
type Stats struct {
	Pending   int
	Succeeded int64
	Failed    int64
}

// Stats returns the current pending depth and lifetime success/failure
// counts.
func (m *Manager) Stats() Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return Stats{Pending: m.Pending(), Succeeded: m.succeeded, Failed: m.failed}
}

// NewManager starts workers goroutines. At least one slot is reserved for
// low/background work when workers >= 4, so background tasks are never
// starved indefinitely by a steady stream of high-priority work.
func NewManager(log zerolog.Logger, workers int) *Manager {
	if workers < 1 {
		workers = 1
	}
	m := &Manager{
		log:      log.With().Str("component", "queue").Logger(),
		workers:  workers,
		notEmpty: make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	reserved := 0
	if workers >= 4 {
		reserved = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.runWorker(i, i < reserved)
	}
	return m
}

// OnFailure registers a callback invoked when a task exhausts its retries.
func (m *Manager) OnFailure(fn func(task *Task, err error)) {
	m.onFailure = fn
}

// Submit enqueues t. When the queue is full, a high or normal submission
// makes room by shedding the newest queued background (else low) task, and
// is itself dropped only if none is queued; low and background submissions
// are dropped immediately. Critical submissions block briefly (up to 200ms)
// under backpressure instead of being shed.
func (m *Manager) Submit(t *Task) error {
	if t.Timeout == 0 {
		t.Timeout = defaultTimeout
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = defaultMaxRetries
	}
	t.enqueuedAt = time.Now()

	m.mu.Lock()
	if m.pending >= maxPending && (t.Priority == PriorityHigh || t.Priority == PriorityNormal) {
		for p := PriorityBackground; p >= PriorityLow; p-- {
			if n := len(m.lanes[p]); n > 0 {
				shed := m.lanes[p][n-1]
				m.lanes[p] = m.lanes[p][:n-1]
				m.pending--
				m.log.Warn().Str("task", shed.Name).Str("priority", p.String()).
					Msg("queue full, shedding queued task to admit higher-priority work")
				break
			}
		}
	}
	if m.pending >= maxPending {
		if t.Priority != PriorityCritical {
			m.mu.Unlock()
			m.log.Warn().Str("task", t.Name).Str("priority", t.Priority.String()).
				Msg("queue full, shedding task")
			return fmt.Errorf("queue: full, shed %s task %q", t.Priority, t.Name)
		}
		m.mu.Unlock()
		time.Sleep(200 * time.Millisecond)
		m.mu.Lock()
		if m.pending >= maxPending {
			m.mu.Unlock()
			return fmt.Errorf("queue: full even after backpressure pause, dropping critical task %q", t.Name)
		}
	}

	m.lanes[t.Priority] = append(m.lanes[t.Priority], t)
	m.pending++
	m.mu.Unlock()

	select {
	case m.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// popNext returns the highest-priority queued task, or nil if empty.
// backgroundOnly restricts the pop to PriorityLow/PriorityBackground, used
// by the reserved worker so background work always makes progress.
func (m *Manager) popNext(backgroundOnly bool) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := PriorityCritical
	if backgroundOnly {
		start = PriorityLow
	}
	for p := start; p <= PriorityBackground; p++ {
		lane := m.lanes[p]
		if len(lane) == 0 {
			continue
		}
		t := lane[0]
		m.lanes[p] = lane[1:]
		m.pending--
		return t
	}
	return nil
}

func (m *Manager) runWorker(id int, reservedForBackground bool) {
	defer m.wg.Done()
	log := m.log.With().Int("worker", id).Logger()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			m.drainOnShutdown(reservedForBackground)
			return
		case <-m.notEmpty:
		case <-ticker.C:
		}

		for {
			t := m.popNext(reservedForBackground)
			if t == nil {
				break
			}
			m.execute(log, t)
		}
	}
}

// drainOnShutdown finishes critical/high work with a grace period and
// cancels everything else, per spec.md §4.7 shutdown semantics.
func (m *Manager) drainOnShutdown(reservedForBackground bool) {
	if reservedForBackground {
		return
	}
	deadline := time.Now().Add(10 * time.Second)
	log := m.log
	for time.Now().Before(deadline) {
		t := m.popCriticalOrHigh()
		if t == nil {
			return
		}
		m.execute(log, t)
	}
}

func (m *Manager) popCriticalOrHigh() *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range []Priority{PriorityCritical, PriorityHigh} {
		lane := m.lanes[p]
		if len(lane) == 0 {
			continue
		}
		t := lane[0]
		m.lanes[p] = lane[1:]
		m.pending--
		return t
	}
	return nil
}

func (m *Manager) execute(log zerolog.Logger, t *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	err := t.Run(ctx)
	if err == nil {
		m.statsMu.Lock()
		m.succeeded++
		m.statsMu.Unlock()
		return
	}

	if t.retries >= t.MaxRetries {
		log.Error().Err(err).Str("task", t.Name).Int("retries", t.retries).Msg("task failed permanently")
		m.statsMu.Lock()
		m.failed++
		m.statsMu.Unlock()
		if m.onFailure != nil {
			m.onFailure(t, err)
		}
		return
	}

	t.retries++
	backoff := backoffDuration(t.retries)
	log.Warn().Err(err).Str("task", t.Name).Int("attempt", t.retries).Dur("backoff", backoff).
		Msg("task failed, retrying")
	time.AfterFunc(backoff, func() {
		_ = m.Submit(t)
	})
}

func backoffDuration(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

// Shutdown signals all workers to drain and wait for them to finish.
func (m *Manager) Shutdown() {
	close(m.shutdown)
	m.wg.Wait()
}

// Pending reports the current queue depth, for /metrics.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}
