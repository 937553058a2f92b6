package cache

import (
	"context"
	"time"
)

const prefetchInterval = 5 * time.Minute

// PrefetchWorker warms the cache for the configured (symbol, timeframe)
// list every 5 minutes, non-blocking and yielding to foreground tasks
// after each (symbol, timeframe) fetch (spec.md §4.3 Prefetch).
type PrefetchWorker struct {
	cache       *Cache
	resolve     func(symbol string) (contractID string, err error)
	stop        chan struct{}
}

func NewPrefetchWorker(cache *Cache, resolve func(symbol string) (string, error)) *PrefetchWorker {
	return &PrefetchWorker{cache: cache, resolve: resolve, stop: make(chan struct{})}
}

func (w *PrefetchWorker) Run(ctx context.Context) {
	if !w.cache.cfg.PrefetchEnabled {
		return
	}
	ticker := time.NewTicker(prefetchInterval)
	defer ticker.Stop()

	w.warmAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.warmAll(ctx)
		}
	}
}

func (w *PrefetchWorker) warmAll(ctx context.Context) {
	for _, symbol := range w.cache.cfg.PrefetchSymbols {
		contractID, err := w.resolve(symbol)
		if err != nil {
			w.cache.log.Warn().Err(err).Str("symbol", symbol).Msg("prefetch: could not resolve contract")
			continue
		}
		for _, tf := range w.cache.cfg.PrefetchTimeframes {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, err := w.cache.Bars(ctx, contractID, symbol, tf, 100, time.Now()); err != nil {
				w.cache.log.Warn().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("prefetch failed")
			}
			// Yield to foreground tasks between each timeframe.
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (w *PrefetchWorker) Stop() {
	close(w.stop)
}
