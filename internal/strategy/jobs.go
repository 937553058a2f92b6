package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/overrangefutures/engine/internal/domain"
	"github.com/overrangefutures/engine/internal/scheduler"
)

// trackingJob fires at OvernightStart and moves the machine into Tracking.
type trackingJob struct{ m *Machine }

func (j *trackingJob) Name() string { return j.m.cfg.Name + ":start-tracking" }
func (j *trackingJob) Run() error   { return j.m.StartTracking(context.Background()) }

// armingJob fires at MarketOpen, resolves the contract, and arms both sides.
type armingJob struct {
	m        *Machine
	resolve  func(symbol string) (string, error)
}

func (j *armingJob) Name() string { return j.m.cfg.Name + ":arm" }
func (j *armingJob) Run() error {
	contractID, err := j.m.hubContractResolve()
	if err != nil {
		return err
	}
	return j.m.Arm(context.Background(), contractID)
}

// hubContractResolve is a thin indirection so armingJob doesn't need its
// own broker reference; the cache's underlying broker already resolves
// contracts for Bars(), so Arm is given the symbol-to-contract result
// straight from there via the Machine's stored cache.
func (m *Machine) hubContractResolve() (string, error) {
	return m.cache.ResolveContract(context.Background(), m.cfg.Symbol)
}

// eodFlattenJob fires at EODExitTime, flattens any resulting position, and
// resets the machine for the next cycle.
type eodFlattenJob struct {
	m            *Machine
	getPosition  func(accountID, symbol string) (domain.Position, error)
}

func (j *eodFlattenJob) Name() string { return j.m.cfg.Name + ":eod-flatten" }
func (j *eodFlattenJob) Run() error {
	ctx := context.Background()
	pos, err := j.getPosition(j.m.cfg.AccountID, j.m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("strategy: eod-flatten: fetch position: %w", err)
	}
	if err := j.m.EODFlatten(ctx, pos); err != nil {
		return err
	}
	j.m.Reset(ctx)
	return nil
}

// RegisterJobs wires a Machine's Tracking/Arming/EOD-flatten transitions
// onto the scheduler at the configured times (spec.md §4.5).
func RegisterJobs(s *scheduler.Scheduler, m *Machine, getPosition func(accountID, symbol string) (domain.Position, error)) error {
	tz := "CRON_TZ=" + m.cfg.Timezone + " "
	trackCron, err := hhmmToCron(m.cfg.OvernightStart)
	if err != nil {
		return fmt.Errorf("strategy: OvernightStart: %w", err)
	}
	if err := s.AddJob(tz+trackCron, &trackingJob{m: m}); err != nil {
		return err
	}

	armCron, err := hhmmToCron(m.cfg.MarketOpen)
	if err != nil {
		return fmt.Errorf("strategy: MarketOpen: %w", err)
	}
	if err := s.AddJob(tz+armCron, &armingJob{m: m}); err != nil {
		return err
	}

	eodCron, err := hhmmToCron(m.cfg.EODExitTime)
	if err != nil {
		return fmt.Errorf("strategy: EODExitTime: %w", err)
	}
	return s.AddJob(tz+eodCron, &eodFlattenJob{m: m, getPosition: getPosition})
}

// hhmmToCron converts a "HH:MM" local time-of-day into a 6-field,
// weekday-only cron expression ("0 MM HH * * MON-FRI").
func hhmmToCron(hhmm string) (string, error) {
	var h, mnt int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &mnt); err != nil {
		return "", fmt.Errorf("invalid HH:MM %q: %w", hhmm, err)
	}
	return fmt.Sprintf("0 %d %d * * MON-FRI", mnt, h), nil
}

// RestartGuard prevents a daily scheduled-restart job from firing twice
// inside its 08:00-08:05 window, since the process itself may be what
// performs the restart (so "already ran today" state must survive in
// memory only for the single window, not across a real restart).
type RestartGuard struct {
	mu       sync.Mutex
	lastDate string
	window   time.Duration
}

func NewRestartGuard(window time.Duration) *RestartGuard {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RestartGuard{window: window}
}

// Allow reports whether a restart may proceed now: true at most once per
// calendar date.
func (g *RestartGuard) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	date := now.Format("2006-01-02")
	if g.lastDate == date {
		return false
	}
	g.lastDate = date
	return true
}

// restartJob triggers the process's own scheduled restart (spec.md §4.5
// Scheduled restart: daily at 08:00 local on weekdays, guarded so a cron
// misfire or manual RunNow within the same window doesn't double-restart).
type restartJob struct {
	guard   *RestartGuard
	restart func() error
}

func NewRestartJob(guard *RestartGuard, restart func() error) scheduler.Job {
	return &restartJob{guard: guard, restart: restart}
}

func (j *restartJob) Name() string { return "scheduled-restart" }
func (j *restartJob) Run() error {
	if !j.guard.Allow(time.Now()) {
		return nil
	}
	return j.restart()
}
