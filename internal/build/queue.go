package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrBusy is returned when the queue has no room for another job.
	ErrBusy = errors.New("build queue is full")
	// ErrClosed is returned once the queue has stopped accepting jobs.
	ErrClosed = errors.New("build queue is closed")
)

// DefaultDepth is the queue capacity used when none is configured.
const DefaultDepth = 8

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Depth is the number of jobs that may wait behind the running one.
	Depth int

	Logger *slog.Logger

	// OnFinish is called by the worker after each build, before its
	// waiter is released.
	OnFinish func(*Job, *Result)
}

// Stats is a snapshot of the queue.
type Stats struct {
	Queued     int    `json:"queued"`
	Depth      int    `json:"depth"`
	Running    bool   `json:"running"`
	CurrentJob string `json:"current_job,omitempty"`
	Total      uint64 `json:"total"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
	Closed     bool   `json:"closed"`
}

// Queue serializes builds through a single worker goroutine fed by a
// bounded FIFO. At most one build runs at any instant.
type Queue struct {
	runner   Runner
	logger   *slog.Logger
	onFinish func(*Job, *Result)
	jobs     chan *Job
	stopped  chan struct{}

	mu     sync.RWMutex // guards closed and sends on jobs
	closed bool

	current   atomic.Pointer[Job]
	total     atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// NewQueue creates a queue and starts its worker.
func NewQueue(runner Runner, opts QueueOptions) *Queue {
	if opts.Depth < 1 {
		opts.Depth = DefaultDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		runner:   runner,
		logger:   opts.Logger,
		onFinish: opts.OnFinish,
		jobs:     make(chan *Job, opts.Depth),
		stopped:  make(chan struct{}),
	}
	go q.work()
	return q
}

// Submit enqueues a build and blocks until it resolves.
//
// If ctx ends while the job is still waiting, the job is cancelled, the
// worker skips it and ctx.Err() is returned. A job that has already
// started is always waited for.
func (q *Queue) Submit(ctx context.Context, req Request) (*Job, error) {
	job := newJob(req)
	if err := q.enqueue(job); err != nil {
		return nil, err
	}

	select {
	case <-job.done:
		return job, nil
	case <-ctx.Done():
		if job.cancel() {
			q.cancelled.Add(1)
			q.logger.Warn("Build abandoned before start",
				"job_id", job.ID,
				"reason", ctx.Err())
			return job, ctx.Err()
		}
		<-job.done
		return job, nil
	}
}

func (q *Queue) enqueue(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrBusy
	}
}

func (q *Queue) work() {
	defer close(q.stopped)

	for job := range q.jobs {
		if !job.start() {
			continue
		}

		q.current.Store(job)
		q.logger.Info("Build started",
			"job_id", job.ID,
			"delivery", job.Request.DeliveryID,
			"ref", job.Request.Ref)

		res := q.run(job)

		q.total.Add(1)
		if res.Success {
			q.succeeded.Add(1)
			q.logger.Info("Build succeeded",
				"job_id", job.ID,
				"duration", res.Duration)
		} else {
			q.failed.Add(1)
			q.logger.Error("Build failed",
				"job_id", job.ID,
				"exit_code", res.ExitCode,
				"error", res.Err,
				"duration", res.Duration)
		}
		q.logger.Debug("Build output",
			"job_id", job.ID,
			"stdout", res.Stdout,
			"stderr", res.Stderr)

		if q.onFinish != nil {
			q.notify(job, res)
		}

		job.finish(res)
		q.current.Store(nil)
	}
}

func (q *Queue) run(job *Job) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Build panicked",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			msg := fmt.Sprintf("build panicked: %v", r)
			res = &Result{ExitCode: -1, Stderr: msg, Err: msg}
		}
	}()

	// A started build always runs to completion.
	res = q.runner.Run(context.Background(), job.Request)
	if res == nil {
		res = &Result{ExitCode: -1, Err: "build produced no result"}
	}
	return res
}

func (q *Queue) notify(job *Job, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Build finish hook panicked", "job_id", job.ID, "panic", r)
		}
	}()
	q.onFinish(job, res)
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	s := Stats{
		Queued:    len(q.jobs),
		Depth:     cap(q.jobs),
		Total:     q.total.Load(),
		Succeeded: q.succeeded.Load(),
		Failed:    q.failed.Load(),
		Cancelled: q.cancelled.Load(),
		Closed:    closed,
	}
	if job := q.current.Load(); job != nil {
		s.Running = true
		s.CurrentJob = job.ID
	}
	return s
}

// Close stops accepting jobs, lets the queued ones drain and waits for the
// worker to exit or ctx to end. It is safe to call more than once.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for build queue to drain: %w", ctx.Err())
	}
}
