// Package processing runs queue deliveries on a bounded set of goroutines.
// Submit blocks until a worker takes the task, so a consumer never pulls more
// messages off the broker than it can run.
package processing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("processing pool stopped")

// Task is one unit of work. A returned error is logged; the task is expected
// to have settled its delivery (ack, nack, requeue) itself.
type Task func(ctx context.Context) error

// Pool is a fixed-size worker pool.
type Pool struct {
	workers int
	tasks   chan Task
	quit    chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	name    string
}

// New builds a Pool; workers <= 0 means one worker.
func New(name string, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan Task),
		quit:    make(chan struct{}),
		name:    name,
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.workers }

// Start launches the workers. Tasks run with ctx.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit hands task to an idle worker, blocking until one is free.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return nil
	}
	select {
	case <-p.quit:
		return ErrStopped
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrStopped
	}
}

// Go runs task on a worker and returns without waiting for it to finish.
// It is Submit with a background hand-off context.
func (p *Pool) Go(task Task) error {
	return p.Submit(context.Background(), task)
}

// Stop lets running tasks finish, then waits for every worker to exit.
func (p *Pool) Stop() {
	p.stop.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			if err := p.run(ctx, task); err != nil {
				log.Warn().Err(err).Str("pool", p.name).Int("worker", id).Msg("task failed")
			}
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pool", p.name).Bytes("stack", debug.Stack()).Msgf("task panic: %v", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}
