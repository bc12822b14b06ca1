//go:build !integration

package scheduler

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingTask struct {
	runs int32
	fail bool
}

func (c *countingTask) Name() string { return "counting" }

func (c *countingTask) RunOnce(ctx context.Context) (int, error) {
	atomic.AddInt32(&c.runs, 1)
	if c.fail {
		return 0, errors.New("boom")
	}
	return 1, nil
}

func TestScheduler_RunsOnStartAndOnTicks(t *testing.T) {
	logger := zerolog.New(io.Discard)
	task := &countingTask{}
	s := NewScheduler(10*time.Millisecond, time.Second, task, &logger)

	s.Start(context.Background())
	s.Start(context.Background()) // no effect
	time.Sleep(55 * time.Millisecond)
	s.Stop()
	s.Stop() // idempotent

	runs := atomic.LoadInt32(&task.runs)
	if runs < 3 {
		t.Fatalf("expected several runs, got %d", runs)
	}
	time.Sleep(30 * time.Millisecond)
	if after := atomic.LoadInt32(&task.runs); after != runs {
		t.Fatalf("task ran after Stop: %d -> %d", runs, after)
	}
}

func TestScheduler_KeepsGoingAfterErrors(t *testing.T) {
	logger := zerolog.New(io.Discard)
	task := &countingTask{fail: true}
	s := NewScheduler(5*time.Millisecond, 0, task, &logger)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	s.Stop()
	if atomic.LoadInt32(&task.runs) < 2 {
		t.Fatal("a failing pass must not stop the scheduler")
	}
}
