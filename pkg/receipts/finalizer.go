package receipts

import (
	"context"
	"log/slog"
	"time"
)

// Finalizer evaluates pending receipts on a cadence. Each cycle carries a
// deadline of half the interval so an overrunning cycle cannot overlap the
// next one.
type Finalizer struct {
	service  *Service
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewFinalizer(service *Service, interval time.Duration, log *slog.Logger) *Finalizer {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Finalizer{
		service:  service,
		interval: interval,
		batch:    200,
		log:      log.With("component", "finalizer"),
	}
}

// Run blocks until ctx is cancelled.
func (f *Finalizer) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.cycle(ctx)
		}
	}
}

// cycle evaluates one batch of pending receipts. A single receipt failure
// logs and continues.
func (f *Finalizer) cycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, f.interval/2)
	defer cancel()

	pending, err := f.service.store.ListByStatus(cycleCtx, StatusPending, f.batch)
	if err != nil {
		f.log.Error("list pending receipts", "error", err)
		return
	}

	finalized := 0
	for _, r := range pending {
		if cycleCtx.Err() != nil {
			return
		}
		out, err := f.service.Evaluate(cycleCtx, r.ID)
		if err != nil {
			f.log.Warn("evaluate receipt", "task", r.ID, "error", err)
			continue
		}
		if out.Status != StatusPending {
			finalized++
		}
	}
	f.log.Debug("finalizer cycle", "pending", len(pending), "resolved", finalized)
}
