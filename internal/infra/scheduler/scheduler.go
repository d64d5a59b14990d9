package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"document-refinery/internal/usecase"
)

// Scheduler periodically runs the retention sweep.
type Scheduler struct {
	interval  time.Duration
	retention usecase.RetentionUseCase

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	log *zerolog.Logger
}

// NewScheduler constructs a scheduler that sweeps every interval.
// If interval <= 0 it defaults to 15 minutes.
func NewScheduler(interval time.Duration, retention usecase.RetentionUseCase, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		interval:  interval,
		retention: retention,
		done:      make(chan struct{}),
		log:       logger,
	}
}

// Start begins the loop in a background goroutine. Calling Start twice has
// no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(parentCtx)
	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("retention scheduler started")
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
			removed, err := s.retention.Sweep(runCtx, time.Now())
			cancel()
			if err != nil {
				s.log.Error().Err(err).Msg("retention sweep failed")
				continue
			}
			if removed > 0 {
				s.log.Info().Int("removed", removed).Msg("retention sweep")
			}
		}
	}
}

// Stop cancels the loop and waits for it to finish. Idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
}
