package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andrej220/vdctl/internal/lg"
)

const TotalMaxWorkers = 10

var ErrPoolStopped = errors.New("worker pool is shutting down")

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs submitted jobs with at most maxWorkers in flight.
type Pool[T any] struct {
	Jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	slots         chan struct{}
	maxWorkers    int
	logger        lg.Logger
}

func NewPool[T any](maxWorkers int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	if logger == nil {
		logger = lg.Discard
	}
	pool := &Pool[T]{
		Jobs:       make(chan Job[T], maxWorkers),
		quit:       make(chan struct{}),
		slots:      make(chan struct{}, maxWorkers),
		maxWorkers: maxWorkers,
		logger:     logger,
	}
	pool.wg.Add(1)
	go pool.dispatch()
	return pool
}

// Stop rejects new jobs and waits for running ones. Queued jobs that
// have not started are dropped and their cleanup runs.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
	for {
		select {
		case job := <-p.Jobs:
			p.logger.Warn("Dropping queued job", lg.Any("job", job.Payload))
			cleanup(job)
		default:
			return
		}
	}
}

// Submit queues job, blocking while the queue is full until ctx is done.
// The job itself runs with job.Ctx.
func (p *Pool[T]) Submit(ctx context.Context, job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	select {
	case <-p.quit:
		p.logger.Info("Worker pool is shutting down, job rejected")
		return ErrPoolStopped
	default:
	}
	select {
	case p.Jobs <- job:
		p.logger.Debug("Job submitted", lg.Any("job", job.Payload))
		return nil
	case <-p.quit:
		p.logger.Info("Worker pool is shutting down, job rejected")
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool[T]) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case p.slots <- struct{}{}:
		}
		select {
		case job := <-p.Jobs:
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		case <-p.quit:
			<-p.slots
			return
		}
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer cleanup(job)

	logger := p.logger.With(lg.Any("job", job.Payload))
	logger.Debug("Worker started", lg.Int("workers", int(atomic.LoadInt32(&p.activeWorkers))))

	if err := job.Ctx.Err(); err != nil {
		logger.Info("Job canceled before start", lg.Err(err))
		return
	}
	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Warn("Job failed", lg.Err(err))
		return
	}
	logger.Debug("Worker finished", lg.Int("workers", int(atomic.LoadInt32(&p.activeWorkers))))
}

func cleanup[T any](job Job[T]) {
	if job.CleanupFunc != nil {
		job.CleanupFunc()
	}
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }
