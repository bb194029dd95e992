// Package scheduler runs keyed work on a fixed pool of workers.
//
// Work items sharing a key run one at a time, in the order they were added.
// Items with different keys run concurrently. The daemon keys work by
// community, giving each community a single logical worker.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrShutdown = errors.New("scheduler is shut down")

type Task func(ctx context.Context) error

// Scheduler is a parallel scheduler that will run work on a fixed number of workers
type Scheduler struct {
	maxConcurrency int

	feeder chan *task
	done   chan struct{}
	out    chan struct{}

	lk     sync.Mutex
	active map[string][]*task
	closed bool

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsActive    prometheus.Counter
	itemsFailed    prometheus.Counter
	workersActive  prometheus.Gauge

	log *slog.Logger
}

type task struct {
	key string
	fn  Task
	// receives the result when the caller waits on it
	result chan error
}

func NewScheduler(maxC int, ident string, logger *slog.Logger) *Scheduler {
	if maxC < 1 {
		maxC = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Scheduler{
		maxConcurrency: maxC,

		feeder: make(chan *task),
		done:   make(chan struct{}),
		out:    make(chan struct{}),
		active: make(map[string][]*task),

		ident: ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsActive:    workItemsActive.WithLabelValues(ident),
		itemsFailed:    workItemsFailed.WithLabelValues(ident),
		workersActive:  workersActive.WithLabelValues(ident),

		log: logger.With("system", "scheduler", "pool", ident),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Set(float64(maxC))

	return p
}

// Shutdown stops the workers after their current item. Queued items that
// have not started are dropped.
func (p *Scheduler) Shutdown() {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	p.closed = true
	p.lk.Unlock()

	p.log.Info("shutting down scheduler")
	close(p.done)
	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}
	p.workersActive.Set(0)
	p.log.Info("scheduler shutdown complete")
}

// AddWork queues fn behind any pending work for key and returns without
// waiting for it to run.
func (p *Scheduler) AddWork(ctx context.Context, key string, fn Task) error {
	return p.add(ctx, &task{key: key, fn: fn})
}

// Do queues fn like AddWork, then waits for it to finish and returns its
// error.
func (p *Scheduler) Do(ctx context.Context, key string, fn Task) error {
	t := &task{key: key, fn: fn, result: make(chan error, 1)}
	if err := p.add(ctx, t); err != nil {
		return err
	}
	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		// the item may still finish if it was already running
		select {
		case err := <-t.result:
			return err
		default:
			return ErrShutdown
		}
	}
}

func (p *Scheduler) add(ctx context.Context, t *task) error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return ErrShutdown
	}
	p.itemsAdded.Inc()

	a, ok := p.active[t.key]
	if ok {
		p.active[t.key] = append(a, t)
		p.lk.Unlock()
		return nil
	}

	p.active[t.key] = []*task{}
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		p.abandon(t.key)
		return ctx.Err()
	case <-p.done:
		return ErrShutdown
	}
}

// abandon hands queued items for key to a worker after the head item could
// not be delivered.
func (p *Scheduler) abandon(key string) {
	p.lk.Lock()
	rem := p.active[key]
	if len(rem) == 0 {
		delete(p.active, key)
		p.lk.Unlock()
		return
	}
	next := rem[0]
	p.active[key] = rem[1:]
	p.lk.Unlock()

	go func() {
		select {
		case p.feeder <- next:
		case <-p.done:
		}
	}()
}

func (p *Scheduler) worker() {
	defer func() { p.out <- struct{}{} }()
	for {
		var work *task
		select {
		case work = <-p.feeder:
		case <-p.done:
			return
		}

		for work != nil {
			p.run(work)

			select {
			case <-p.done:
				return
			default:
			}

			p.lk.Lock()
			rem, ok := p.active[work.key]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.key)
				work = nil
			} else {
				work = rem[0]
				p.active[work.key] = rem[1:]
			}
			p.lk.Unlock()
		}
	}
}

func (p *Scheduler) run(t *task) {
	p.itemsActive.Inc()
	err := p.safeRun(t.fn)
	if err != nil {
		p.itemsFailed.Inc()
		if t.result == nil {
			p.log.Error("work item failed", "key", t.key, "err", err)
		}
	}
	p.itemsProcessed.Inc()
	if t.result != nil {
		t.result <- err
	}
}

var errPanic = errors.New("work item panicked")

func (p *Scheduler) safeRun(fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered panic in work item", "panic", r)
			err = errPanic
		}
	}()
	return fn(context.TODO())
}
