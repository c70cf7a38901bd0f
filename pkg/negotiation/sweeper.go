package negotiation

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper expires overdue sessions on a cadence so parties that stop
// polling still see their talks closed and get notified.
type Sweeper struct {
	service  *Service
	interval time.Duration
	batch    int
	log      *slog.Logger
}

func NewSweeper(service *Service, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		batch:    200,
		log:      log.With("component", "negotiation-sweeper"),
	}
}

// Run blocks until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *Sweeper) cycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, w.interval/2)
	defer cancel()

	overdue, err := w.service.store.ListOverdue(cycleCtx, w.service.now(), w.batch)
	if err != nil {
		w.log.Error("list overdue sessions", "error", err)
		return
	}

	expired := 0
	for _, sess := range overdue {
		if cycleCtx.Err() != nil {
			return
		}
		out, err := w.service.expireIfOverdue(cycleCtx, sess)
		if err != nil {
			w.log.Warn("expire session", "session", sess.ID, "error", err)
			continue
		}
		if out.State == StateExpired {
			expired++
		}
	}
	if len(overdue) > 0 {
		w.log.Debug("sweeper cycle", "overdue", len(overdue), "expired", expired)
	}
}
