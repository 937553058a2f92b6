package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// VerifyResult answers GET /api/strategies/{name}/verify (spec.md §6):
// whether the strategy will trade its next scheduled cycle, and why not if
// not.
type VerifyResult struct {
	WillTrade            bool      `json:"will_trade"`
	Reasons              []string  `json:"reasons"`
	NextExecution        time.Time `json:"next_execution"`
	HoursUntilExecution  float64   `json:"hours_until_execution"`
}

// Registry supervises named strategy Machines, backing the operational
// start/stop/verify endpoints (spec.md §6).
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*Machine
}

func NewRegistry() *Registry {
	return &Registry{machines: make(map[string]*Machine)}
}

func (r *Registry) Register(m *Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[m.cfg.Name] = m
}

func (r *Registry) get(name string) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[name]
	return m, ok
}

// Start enables a strategy so its next scheduled Tracking/Arming cycle
// actually submits orders.
func (r *Registry) Start(ctx context.Context, name string) error {
	m, ok := r.get(name)
	if !ok {
		return fmt.Errorf("strategy: unknown strategy %q", name)
	}
	m.state.Enabled = true
	m.persist(ctx)
	return nil
}

// Stop disables a strategy; its scheduled jobs still fire but no-op at the
// gate check inside Arm's caller (callers should consult Enabled before
// invoking Arm, or rely on Verify to report will_trade=false).
func (r *Registry) Stop(ctx context.Context, name string) error {
	m, ok := r.get(name)
	if !ok {
		return fmt.Errorf("strategy: unknown strategy %q", name)
	}
	m.state.Enabled = false
	m.persist(ctx)
	return nil
}

// Verify reports whether name will trade its next cycle and why not if it
// won't (spec.md §6: will_trade, reasons[], next_execution,
// hours_until_execution).
func (r *Registry) Verify(name string) (VerifyResult, error) {
	m, ok := r.get(name)
	if !ok {
		return VerifyResult{}, fmt.Errorf("strategy: unknown strategy %q", name)
	}

	var reasons []string
	willTrade := true

	if !m.state.Enabled {
		willTrade = false
		reasons = append(reasons, "strategy disabled via /stop")
	}
	if reason, skip := m.checkGates(); skip {
		willTrade = false
		reasons = append(reasons, reason)
	}
	if m.lossFrac != nil && m.cfg.Gates.DLLProximityPct > 0 {
		if frac := m.lossFrac(m.cfg.AccountID); frac >= m.cfg.Gates.DLLProximityPct {
			willTrade = false
			reasons = append(reasons, "dll-proximity")
		}
	}

	next, err := nextOccurrence(m.cfg.OvernightStart, m.loc)
	if err != nil {
		return VerifyResult{}, err
	}

	return VerifyResult{
		WillTrade: willTrade, Reasons: reasons,
		NextExecution: next, HoursUntilExecution: time.Until(next).Hours(),
	}, nil
}

// nextOccurrence returns the next time "HH:MM" occurs in loc, today if
// still ahead or tomorrow otherwise. Weekend-skipping is left to the
// scheduler's cron expression (MON-FRI); this is an estimate for display.
func nextOccurrence(hhmm string, loc *time.Location) (time.Time, error) {
	var h, mnt int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &mnt); err != nil {
		return time.Time{}, fmt.Errorf("invalid HH:MM %q: %w", hhmm, err)
	}
	now := time.Now().In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), h, mnt, 0, 0, loc)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next, nil
}
