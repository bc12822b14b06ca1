package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of periodic background work.
type Task interface {
	Name() string
	// RunOnce does one pass and returns how many items it handled.
	RunOnce(ctx context.Context) (int, error)
}

// Scheduler periodically runs a Task's RunOnce method.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	task     Task
	log      *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a scheduler that runs task.RunOnce every interval,
// each pass bounded by timeout. If interval <= 0 it defaults to 1 minute.
func NewScheduler(interval, timeout time.Duration, task Task, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = interval
	}
	l := logger.With().Str("component", "scheduler").Str("task", task.Name()).Logger()
	return &Scheduler{
		interval: interval,
		timeout:  timeout,
		task:     task,
		log:      &l,
		done:     make(chan struct{}),
	}
}

// Start begins the scheduler loop in a background goroutine.
// Calling Start multiple times has no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	if s.ctx != nil {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	s.ctx = ctx
	s.cancel = cancel

	go s.loop()
}

// loop runs one pass on startup and then one per tick until cancelled.
func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.log.Info().Dur("interval", s.interval).Msg("started")
	s.runOnce()
	for {
		select {
		case <-s.ctx.Done():
			s.log.Info().Msg("context cancelled; stopping")
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	runCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	n, err := s.task.RunOnce(runCtx)
	if err != nil {
		s.log.Error().Err(err).Msg("pass failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("count", n).Msg("pass finished")
	}
}

// Stop cancels the scheduler and waits for the loop to finish. It is idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	// reset for potential restart
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
	s.log.Info().Msg("stopped")
}
