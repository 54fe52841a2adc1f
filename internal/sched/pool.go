// Package sched provides the bounded worker pools that drive the
// conversation pipeline, plus the retry and circuit-breaker primitives used
// around external provider calls.
//
// Work is partitioned into four named pools by workload class: audio
// processing (high priority, caller-runs overflow so ingress is never
// dropped), speech-to-text, LLM generation (both reject-on-saturation with a
// bounded queue), and a small scheduled pool for timers and janitor sweeps.
package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSaturated is returned by Submit when a reject-policy pool has no queue
// capacity left.
var ErrSaturated = errors.New("sched: pool saturated")

// ErrClosed is returned by Submit after the pool has been closed.
var ErrClosed = errors.New("sched: pool closed")

// OverflowPolicy selects what Submit does when workers are busy and the
// queue is full.
type OverflowPolicy int

const (
	// Reject fails the submission with ErrSaturated. The caller reports the
	// overload and moves on.
	Reject OverflowPolicy = iota

	// CallerRuns executes the job synchronously on the submitting goroutine.
	// Used by the audio pool: ingress work is never dropped, at the cost of
	// momentary backpressure on the caller.
	CallerRuns
)

// defaultJobTimeout bounds a single job when the pool config does not
// override it.
const defaultJobTimeout = 10 * time.Second

// Config holds the tuning knobs for a Pool.
type Config struct {
	// Name is a human-readable label used in logs and metrics.
	Name string

	// Workers is the number of concurrent workers. Default: 1.
	Workers int

	// QueueDepth is the pending-job buffer size. Default: 2 × Workers.
	QueueDepth int

	// Overflow selects the saturation behaviour. Default: Reject.
	Overflow OverflowPolicy

	// JobTimeout bounds each job's context. Default: 10 s.
	JobTimeout time.Duration
}

// Job is a unit of work executed on a pool. The context carries the per-job
// deadline and is cancelled when the pool shuts down.
type Job func(ctx context.Context) error

// Task is the completion handle returned by Submit.
type Task struct {
	done chan struct{}
	err  atomic.Pointer[error]
}

// Done returns a channel closed when the job has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the job's error. Valid only after Done is closed.
func (t *Task) Err() error {
	if p := t.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Wait blocks until the job finishes or ctx is cancelled, returning the
// job's error or the context error.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	if err != nil {
		t.err.Store(&err)
	}
	close(t.done)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Rejected   int64
	QueueDepth int
}

// Pool is a fixed-size worker pool with a bounded queue.
// All methods are safe for concurrent use.
type Pool struct {
	name       string
	overflow   OverflowPolicy
	jobTimeout time.Duration

	queue  chan submission
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type submission struct {
	job  Job
	task *Task
}

// NewPool creates and starts a Pool. Zero-value config fields are replaced
// with defaults.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 2 * cfg.Workers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		overflow:   cfg.Overflow,
		jobTimeout: cfg.JobTimeout,
		queue:      make(chan submission, cfg.QueueDepth),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool's label.
func (p *Pool) Name() string { return p.name }

// Submit enqueues job and returns its completion handle. When the queue is
// full the overflow policy decides: Reject returns ErrSaturated, CallerRuns
// executes the job on the calling goroutine before returning.
func (p *Pool) Submit(job Job) (*Task, error) {
	select {
	case <-p.ctx.Done():
		return nil, ErrClosed
	default:
	}

	task := &Task{done: make(chan struct{})}
	sub := submission{job: job, task: task}

	select {
	case p.queue <- sub:
		p.submitted.Add(1)
		return task, nil
	default:
	}

	switch p.overflow {
	case CallerRuns:
		p.submitted.Add(1)
		p.execute(sub)
		return task, nil
	default:
		p.rejected.Add(1)
		return nil, ErrSaturated
	}
}

// worker drains the queue until the pool closes.
func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case sub := <-p.queue:
			p.execute(sub)
		case <-p.ctx.Done():
			// Drain remaining queued jobs so their handles complete.
			for {
				select {
				case sub := <-p.queue:
					sub.task.finish(ErrClosed)
				default:
					return
				}
			}
		}
	}
}

// execute runs one job under the per-job deadline.
func (p *Pool) execute(sub submission) {
	ctx, cancel := context.WithTimeout(p.ctx, p.jobTimeout)
	err := sub.job(ctx)
	cancel()

	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	sub.task.finish(err)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
		QueueDepth: len(p.queue),
	}
}

// Close stops the workers. Queued jobs that have not started are failed with
// ErrClosed. Close blocks until all workers exit.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}
