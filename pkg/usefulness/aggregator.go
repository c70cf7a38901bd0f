package usefulness

import (
	"context"
	"log/slog"
	"time"
)

// Aggregator runs the rolling-score recomputation on a cadence, hourly by
// default. Each cycle carries a deadline of half the interval so an
// overrunning cycle cannot overlap the next one.
type Aggregator struct {
	service  *Service
	interval time.Duration
	log      *slog.Logger
}

func NewAggregator(service *Service, interval time.Duration, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Aggregator{
		service:  service,
		interval: interval,
		log:      log.With("component", "usefulness-aggregator"),
	}
}

// Run blocks until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycleCtx, cancel := context.WithTimeout(ctx, a.interval/2)
			if _, err := a.service.Aggregate(cycleCtx); err != nil {
				a.log.Error("aggregation cycle", "error", err)
			}
			cancel()
		}
	}
}
