package jobqueue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler triggers a pipeline run immediately and then every interval.
// Runs happen on a single goroutine so they never overlap.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runTimeout time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	triggerCh  chan struct{}
	started    bool
	cancelRun  context.CancelFunc
}

func NewScheduler(runner Runner, interval, runTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultQueueConfig().Interval
	}
	return &Scheduler{
		runner:     runner,
		interval:   interval,
		runTimeout: runTimeout,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		triggerCh:  make(chan struct{}, 1),
	}
}

// Start begins the loop. ctx bounds every run; Stop also cancels the run in
// flight.
func (s *Scheduler) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancelRun = context.WithCancel(ctx)
	go s.loop(ctx)
}

func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	s.cancelRun()
	close(s.stopCh)
	<-s.doneCh
}

// Trigger requests a run as soon as the current one, if any, finishes.
// Requests made while one is already pending are merged.
func (s *Scheduler) Trigger(ctx context.Context) error {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer func() { ticker.Stop(); close(s.doneCh) }()

	s.runOnce(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(parent context.Context) {
	ctx := parent
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.runTimeout)
		defer cancel()
	}

	report, err := s.runner.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Str("run_id", report.RunID).Msg("Scheduled run failed")
	}
}
