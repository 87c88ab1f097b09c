package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pollwave/pollwave/internal/services"
)

const sweepTimeout = 30 * time.Second

// Scheduler runs the poll lifecycle sweeps: expiration (Active -> Closed) and
// archival (Closed -> Archived). Both sweeps are idempotent.
type Scheduler struct {
	log       *slog.Logger
	scheduler *gocron.Scheduler
}

func New(log *slog.Logger, polling *services.Polling, expireEvery, archiveEvery time.Duration) (*Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)

	_, err := s.Every(expireEvery).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		n, err := polling.CloseExpiredPolls(ctx)
		if err != nil {
			log.Error("expiration sweep failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			log.Info("expiration sweep done", slog.Int("closed", n))
		}
	})
	if err != nil {
		return nil, err
	}

	_, err = s.Every(archiveEvery).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()

		n, err := polling.ArchiveStalePolls(ctx)
		if err != nil {
			log.Error("archive sweep failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			log.Info("archive sweep done", slog.Int("archived", n))
		}
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{log: log, scheduler: s}, nil
}

func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}
