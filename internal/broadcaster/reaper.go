package broadcaster

import (
	"context"
	"fmt"
	"time"

	"github.com/goevery/relay/internal/metrics"
	"go.uber.org/zap"
)

const (
	DefaultReaperInterval    = 60 * time.Second
	DefaultConnectionTimeout = 300 * time.Second
)

// Reaper periodically evicts connections that stopped sending heartbeats.
type Reaper struct {
	logger   *zap.Logger
	registry *Registry
	metrics  *metrics.Metrics

	interval time.Duration
	timeout  time.Duration
}

func NewReaper(
	logger *zap.Logger,
	registry *Registry,
	metrics *metrics.Metrics,
	interval time.Duration,
	timeout time.Duration,
) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}

	return &Reaper{
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		interval: interval,
		timeout:  timeout,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("starting reaper",
		zap.Duration("interval", r.interval),
		zap.Duration("timeout", r.timeout))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return ctx.Err()
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Sweep evicts every connection silent since now minus the timeout and
// returns how many were removed.
func (r *Reaper) Sweep(now time.Time) int {
	evicted := 0
	cutoff := now.Add(-r.timeout)

	for _, connectionId := range r.registry.Stale(cutoff) {
		ok, err := r.evict(connectionId, cutoff)
		if err != nil {
			r.logger.Error("failed to evict stale connection",
				zap.String("connectionId", connectionId),
				zap.Error(err))
			continue
		}

		if ok {
			evicted++
			r.metrics.ReaperEvictions.Inc()
		}
	}

	if evicted > 0 {
		r.logger.Info("evicted stale connections", zap.Int("count", evicted))
	}

	return evicted
}

func (r *Reaper) evict(connectionId string, cutoff time.Time) (ok bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic during eviction: %v", recovered)
		}
	}()

	return r.registry.UnregisterIfStale(connectionId, cutoff, CloseTimeout), nil
}
