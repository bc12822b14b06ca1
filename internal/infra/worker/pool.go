// File: internal/infra/worker/pool.go
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

var ErrQueueFull = errors.New("worker queue full")

// A very small worker pool that runs submitted tasks. The sweepers and the
// status poller fan per-job work out through it.

type Task func(ctx context.Context) error

type Pool struct {
	wg   sync.WaitGroup
	jobs chan Task
	quit chan struct{}
	once sync.Once
	n    int
	log  *zerolog.Logger
}

func NewPool(workers int, logger *zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	l := logger.With().Str("component", "worker_pool").Logger()
	return &Pool{jobs: make(chan Task, workers*4), quit: make(chan struct{}), n: workers, log: &l}
}

func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-p.quit:
					return
				case task := <-p.jobs:
					if task == nil {
						continue
					}
					if err := task(ctx); err != nil {
						p.log.Debug().Err(err).Int("worker", id).Msg("task error")
					}
				}
			}
		}(i)
	}
}

func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Submit queues task without blocking; ErrQueueFull when saturated.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	select {
	case p.jobs <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// RunAll runs every task and waits for all of them, or for ctx. Tasks the queue cannot
// take run on the caller's goroutine, which also applies back-pressure. A nil
// pool runs everything inline. It returns the number of tasks that succeeded.
func RunAll(ctx context.Context, p *Pool, tasks []Task) int {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	record := func(err error) {
		if err == nil {
			mu.Lock()
			ok++
			mu.Unlock()
		}
	}
	for _, t := range tasks {
		t := t
		if p == nil {
			record(t(ctx))
			continue
		}
		wg.Add(1)
		wrapped := func(ctx context.Context) error {
			defer wg.Done()
			err := t(ctx)
			record(err)
			return err
		}
		if err := p.Submit(wrapped); err != nil {
			_ = wrapped(ctx)
		}
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// queued tasks are abandoned with the pool
	}
	mu.Lock()
	defer mu.Unlock()
	return ok
}
