// Package cache is the engine's two-tier historical-bar cache (spec.md
// §4.3): an L1 process-local map keyed by (symbol, timeframe), backed by
// the persistence Store as L2, falling through to the broker on a miss.
// TTL is volatility-aware and tuned by market-hours window. Grounded on
// the teacher's internal/clientdata/ttl.go (tiered TTL-by-data-kind
// constants) and internal/work/cache.go (expires_at bookkeeping), adapted
// from a generic key/value JSON blob store to a typed bar series cache.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/overrangefutures/engine/internal/domain"
)

// Config holds the volatility-aware TTL policy and market-hours window
// (spec.md §4.3 and the Cache section of the configuration surface).
type Config struct {
	TTLMarketHours  time.Duration
	TTLOffHours     time.Duration
	TTLDefault      time.Duration
	MarketHoursFrom time.Duration // offset into the UTC day, e.g. 13h
	MarketHoursTo   time.Duration // wraps past midnight when < From

	PrefetchEnabled    bool
	PrefetchSymbols    []string
	PrefetchTimeframes []domain.Timeframe
}

func DefaultConfig() Config {
	return Config{
		TTLMarketHours:  2 * time.Minute,
		TTLOffHours:     15 * time.Minute,
		TTLDefault:      5 * time.Minute,
		MarketHoursFrom: 13 * time.Hour,
		MarketHoursTo:   3 * time.Hour,
	}
}

type seriesKey struct {
	symbol string
	tf     domain.Timeframe
}

// entry is an L1 series: bars in ascending open-time order plus the wall
// clock time they were fetched, used to derive TTL expiry.
type entry struct {
	bars     []domain.Bar
	fetchedAt time.Time
}

// Cache is the two-tier bar cache. Safe for concurrent use.
type Cache struct {
	log    zerolog.Logger
	store  domain.Store
	broker domain.BrokerClient
	cfg    Config

	mu sync.RWMutex
	l1 map[seriesKey]*entry

	statsMu    sync.Mutex
	hits       int64
	misses     int64
}

// Stats is a point-in-time hit/miss snapshot, surfaced at GET /metrics
// (spec.md §6 "cache hit rates").
type Stats struct {
	Hits   int64
	Misses int64
}

func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses}
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

func New(log zerolog.Logger, store domain.Store, broker domain.BrokerClient, cfg Config) *Cache {
	return &Cache{
		log:    log.With().Str("component", "cache").Logger(),
		store:  store,
		broker: broker,
		cfg:    cfg,
		l1:     make(map[seriesKey]*entry),
	}
}

// ttlFor returns the TTL in effect for `now`, per spec.md's volatility-aware
// policy. The market-hours window may wrap past midnight UTC.
func (c *Cache) ttlFor(now time.Time) time.Duration {
	offset := time.Duration(now.UTC().Hour())*time.Hour + time.Duration(now.UTC().Minute())*time.Minute
	from, to := c.cfg.MarketHoursFrom, c.cfg.MarketHoursTo
	if from == 0 && to == 0 {
		return c.cfg.TTLDefault
	}
	var inWindow bool
	if from <= to {
		inWindow = offset >= from && offset < to
	} else {
		inWindow = offset >= from || offset < to
	}
	if inWindow {
		return c.cfg.TTLMarketHours
	}
	return c.cfg.TTLOffHours
}

// Bars returns the most recent n bars for (symbol, tf) ending at now,
// consulting L1 then L2 then the broker, per spec.md §4.3.
//
// Short-horizon bypass: requests for <=5 bars on sub-15-minute timeframes
// skip the cache and hit the broker directly, to serve real-time decision
// paths that can't tolerate even a 2-minute-stale answer.
func (c *Cache) Bars(ctx context.Context, contractID, symbol string, tf domain.Timeframe, n int, now time.Time) ([]domain.Bar, error) {
	if n <= 5 && tf != "15m" && tf != "1h" && tf != "1d" {
		return c.fetchFromBroker(ctx, contractID, symbol, tf, n, now)
	}

	if bars, ok := c.fromL1(symbol, tf, n, now); ok {
		c.recordHit()
		return bars, nil
	}

	if bars, ok, err := c.fromL2(ctx, symbol, tf, n, now); err != nil {
		c.log.Warn().Err(err).Msg("L2 lookup failed, falling through to broker")
	} else if ok {
		c.recordHit()
		c.storeL1(symbol, tf, bars, now)
		return bars, nil
	}

	c.recordMiss()
	bars, err := c.fetchFromBroker(ctx, contractID, symbol, tf, n, now)
	if err != nil {
		return nil, err
	}
	c.storeL1(symbol, tf, bars, now)
	if c.store != nil {
		if err := c.store.UpsertBars(ctx, bars); err != nil {
			c.log.Warn().Err(err).Msg("failed to persist fetched bars to L2")
		}
	}
	return bars, nil
}

func (c *Cache) fromL1(symbol string, tf domain.Timeframe, n int, now time.Time) ([]domain.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.l1[seriesKey{symbol, tf}]
	if !ok {
		return nil, false
	}
	if now.Sub(e.fetchedAt) > c.ttlFor(now) {
		return nil, false
	}
	if len(e.bars) < n || !contiguous(e.bars, tf) {
		return nil, false
	}
	return lastN(e.bars, n), true
}

// fromL2 answers the "coverage query": do we have N contiguous bars ending
// at now, within TTL, without a broker call? spec.md §4.3.
func (c *Cache) fromL2(ctx context.Context, symbol string, tf domain.Timeframe, n int, now time.Time) ([]domain.Bar, bool, error) {
	if c.store == nil {
		return nil, false, nil
	}
	dur := tf.Duration()
	if dur <= 0 {
		return nil, false, nil
	}
	start := now.Add(-dur * time.Duration(n*3+5)).Unix() // generous lookback window
	bars, err := c.store.RangeBars(ctx, symbol, tf, start, now.Unix())
	if err != nil {
		return nil, false, err
	}
	if len(bars) < n {
		return nil, false, nil
	}
	bars = lastN(bars, n)
	newest := bars[len(bars)-1]
	if now.Sub(newest.OpenTime) > c.ttlFor(now)+dur {
		return nil, false, nil
	}
	if !contiguous(bars, tf) {
		return nil, false, nil
	}
	return bars, true, nil
}

func (c *Cache) fetchFromBroker(ctx context.Context, contractID, symbol string, tf domain.Timeframe, n int, now time.Time) ([]domain.Bar, error) {
	dur := tf.Duration()
	start := now.Add(-dur * time.Duration(n+5)).Unix()
	bars, err := c.broker.GetHistoricalBars(ctx, contractID, tf, start, now.Unix())
	if err != nil {
		return nil, err
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
	return lastN(bars, n), nil
}

func (c *Cache) storeL1(symbol string, tf domain.Timeframe, bars []domain.Bar, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.l1[seriesKey{symbol, tf}] = &entry{bars: bars, fetchedAt: now}
}

// Session reports the current market-hours window state, grounded on the
// teacher's internal/modules/market_hours/handlers: whether now falls
// inside the configured session, and the minutes until the next open/close
// transition. It uses the same UTC window as the volatility-aware TTL
// above, but neither ttlFor nor the strategy machine calls it; it is
// surfaced at GET /api/market/session.
type Session struct {
	Open                bool
	MinutesToTransition float64
}

func (c *Cache) MarketSession(now time.Time) Session {
	now = now.UTC()
	offset := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute + time.Duration(now.Second())*time.Second
	from, to := c.cfg.MarketHoursFrom, c.cfg.MarketHoursTo
	if from == 0 && to == 0 {
		return Session{Open: true, MinutesToTransition: 0}
	}

	var open bool
	if from <= to {
		open = offset >= from && offset < to
	} else {
		open = offset >= from || offset < to
	}

	var next time.Duration
	if open {
		next = to
	} else {
		next = from
	}
	delta := next - offset
	if delta <= 0 {
		delta += 24 * time.Hour
	}
	return Session{Open: open, MinutesToTransition: delta.Minutes()}
}

// ResolveContract delegates to the underlying broker, letting callers that
// already hold a Cache avoid plumbing a separate broker reference through
// just to resolve a symbol to a contract id.
func (c *Cache) ResolveContract(ctx context.Context, symbol string) (string, error) {
	return c.broker.ResolveContract(ctx, symbol)
}

// Invalidate drops the L1 entry for (symbol, tf), used by the bar
// aggregator when it closes a fresh bar so the next read isn't served
// stale L1 data within the TTL window.
func (c *Cache) Invalidate(symbol string, tf domain.Timeframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.l1, seriesKey{symbol, tf})
}

func contiguous(bars []domain.Bar, tf domain.Timeframe) bool {
	dur := tf.Duration()
	if dur <= 0 || len(bars) < 2 {
		return true
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].OpenTime.Equal(bars[i-1].OpenTime.Add(dur)) {
			return false
		}
	}
	return true
}

func lastN(bars []domain.Bar, n int) []domain.Bar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

// snapshotL1 serializes the current L1 map via msgpack. Nothing calls it
// by default: L1 is process-local and a cold start repopulates from L2.
func (c *Cache) snapshotL1() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	flat := make(map[string][]domain.Bar, len(c.l1))
	for k, v := range c.l1 {
		flat[string(k.symbol)+"|"+string(k.tf)] = v.bars
	}
	return msgpack.Marshal(flat)
}
