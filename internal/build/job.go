package build

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a build job.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSucceeded
	StateFailed
	// StateCancelled marks a job whose waiter gave up before it started.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request carries what is known about the delivery that triggered a build.
type Request struct {
	DeliveryID string
	Event      string
	Ref        string
	Commit     string
}

// Job is one build trigger. Its state only moves forward:
// Idle -> Running -> Succeeded|Failed, or Idle -> Cancelled.
type Job struct {
	ID       string
	Request  Request
	Enqueued time.Time

	mu       sync.Mutex
	state    State
	started  time.Time
	finished time.Time
	result   *Result
	done     chan struct{}
}

func newJob(req Request) *Job {
	id := req.DeliveryID
	if id == "" {
		id = uuid.NewString()
	}
	return &Job{
		ID:       id,
		Request:  req,
		Enqueued: time.Now(),
		state:    StateIdle,
		done:     make(chan struct{}),
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Result returns the build result, or nil until the job has finished.
func (j *Job) Result() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Started returns when the build started, zero if it never did.
func (j *Job) Started() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.started
}

// Finished returns when the job reached a final state.
func (j *Job) Finished() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finished
}

// Done is closed once the job reaches a final state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// start moves an idle job to Running. It fails if the job was cancelled.
func (j *Job) start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateIdle {
		return false
	}
	j.state = StateRunning
	j.started = time.Now()
	return true
}

// cancel moves an idle job to Cancelled. It fails once the job has started.
func (j *Job) cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateIdle {
		return false
	}
	j.state = StateCancelled
	j.finished = time.Now()
	close(j.done)
	return true
}

func (j *Job) finish(res *Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = res
	j.finished = time.Now()
	if res.Success {
		j.state = StateSucceeded
	} else {
		j.state = StateFailed
	}
	close(j.done)
}
