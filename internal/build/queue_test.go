package build

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok() *Result { return &Result{Success: true, Stdout: "ok"} }

// gatedRunner blocks every build until release is closed and records the
// order builds ran in.
type gatedRunner struct {
	release chan struct{}
	mu      sync.Mutex
	order   []string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{})}
}

func (g *gatedRunner) Run(ctx context.Context, req Request) *Result {
	g.mu.Lock()
	g.order = append(g.order, req.DeliveryID)
	g.mu.Unlock()
	<-g.release
	return ok()
}

func (g *gatedRunner) ran() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func closeQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func waitRunning(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats().Running }, 2*time.Second, 5*time.Millisecond)
}

func waitQueued(t *testing.T, q *Queue, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Stats().Queued == n }, 2*time.Second, 5*time.Millisecond)
}

func TestQueue_NeverOverlaps(t *testing.T) {
	var active, maxActive atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, req Request) *Result {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return ok()
	})

	q := NewQueue(runner, QueueOptions{Depth: 8})
	defer closeQueue(t, q)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Submit(context.Background(), Request{})
			assert.NoError(t, err)
			assert.Equal(t, StateSucceeded, job.State())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Equal(t, uint64(6), q.Stats().Total)
}

func TestQueue_FIFO(t *testing.T) {
	runner := newGatedRunner()
	q := NewQueue(runner, QueueOptions{Depth: 4})
	defer closeQueue(t, q)

	var wg sync.WaitGroup
	submit := func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Submit(context.Background(), Request{DeliveryID: id})
			assert.NoError(t, err)
		}()
	}

	submit("first")
	waitRunning(t, q)
	for i, id := range []string{"second", "third", "fourth"} {
		submit(id)
		waitQueued(t, q, i+1)
	}

	close(runner.release)
	wg.Wait()

	assert.Equal(t, []string{"first", "second", "third", "fourth"}, runner.ran())
}

func TestQueue_Busy(t *testing.T) {
	runner := newGatedRunner()
	q := NewQueue(runner, QueueOptions{Depth: 1})
	defer closeQueue(t, q)

	var wg sync.WaitGroup
	for _, id := range []string{"running", "waiting"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := q.Submit(context.Background(), Request{DeliveryID: id})
			assert.NoError(t, err)
		}(id)
		if id == "running" {
			waitRunning(t, q)
		}
	}
	waitQueued(t, q, 1)

	job, err := q.Submit(context.Background(), Request{DeliveryID: "overflow"})
	assert.Nil(t, job)
	assert.ErrorIs(t, err, ErrBusy)

	close(runner.release)
	wg.Wait()
	assert.NotContains(t, runner.ran(), "overflow")
}

func TestQueue_CancelBeforeStart(t *testing.T) {
	runner := newGatedRunner()
	q := NewQueue(runner, QueueOptions{Depth: 2})
	defer closeQueue(t, q)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = q.Submit(context.Background(), Request{DeliveryID: "running"})
	}()
	waitRunning(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	job, err := q.Submit(ctx, Request{DeliveryID: "abandoned"})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, job)
	assert.Equal(t, StateCancelled, job.State())
	assert.Nil(t, job.Result())

	close(runner.release)
	<-done

	// The follow-up build proves the worker moved past the cancelled job.
	_, err = q.Submit(context.Background(), Request{DeliveryID: "after"})
	require.NoError(t, err)
	assert.Equal(t, []string{"running", "after"}, runner.ran())
	assert.Equal(t, uint64(1), q.Stats().Cancelled)
}

func TestQueue_StartedBuildIsNotCancelled(t *testing.T) {
	runner := newGatedRunner()
	q := NewQueue(runner, QueueOptions{Depth: 1})
	defer closeQueue(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		job *Job
		err error
	}
	result := make(chan outcome, 1)
	go func() {
		job, err := q.Submit(ctx, Request{DeliveryID: "slow"})
		result <- outcome{job, err}
	}()

	waitRunning(t, q)
	cancel()

	select {
	case <-result:
		t.Fatal("Submit returned while the build was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	out := <-result
	require.NoError(t, out.err)
	assert.Equal(t, StateSucceeded, out.job.State())
}

func TestQueue_RecoversPanics(t *testing.T) {
	var calls atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, req Request) *Result {
		if calls.Add(1) == 1 {
			panic("disk on fire")
		}
		return ok()
	})

	q := NewQueue(runner, QueueOptions{})
	defer closeQueue(t, q)

	job, err := q.Submit(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, -1, job.Result().ExitCode)
	assert.Contains(t, job.Result().Output(), "disk on fire")

	job, err = q.Submit(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, job.State())
}

func TestQueue_FailureThenSuccess(t *testing.T) {
	var calls atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, req Request) *Result {
		if calls.Add(1) == 1 {
			return &Result{ExitCode: 1, Stderr: "npm ERR!", Err: "step 2 exited with code 1"}
		}
		return ok()
	})

	q := NewQueue(runner, QueueOptions{})
	defer closeQueue(t, q)

	job, err := q.Submit(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State())
	assert.Equal(t, "npm ERR!", job.Result().Output())

	job, err = q.Submit(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, job.State())

	stats := q.Stats()
	assert.Equal(t, uint64(2), stats.Total)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Succeeded)
}

func TestQueue_NilResult(t *testing.T) {
	q := NewQueue(RunnerFunc(func(ctx context.Context, req Request) *Result { return nil }), QueueOptions{})
	defer closeQueue(t, q)

	job, err := q.Submit(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State())
}

func TestQueue_OnFinishBeforeRelease(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	q := NewQueue(RunnerFunc(func(ctx context.Context, req Request) *Result { return ok() }), QueueOptions{
		OnFinish: func(job *Job, res *Result) {
			mu.Lock()
			seen[job.ID] = res.Success
			mu.Unlock()
		},
	})
	defer closeQueue(t, q)

	job, err := q.Submit(context.Background(), Request{DeliveryID: "delivery-42"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, seen["delivery-42"])
	assert.Equal(t, "delivery-42", job.ID)
}

func TestQueue_GeneratesJobIDs(t *testing.T) {
	q := NewQueue(RunnerFunc(func(ctx context.Context, req Request) *Result { return ok() }), QueueOptions{})
	defer closeQueue(t, q)

	a, err := q.Submit(context.Background(), Request{})
	require.NoError(t, err)
	b, err := q.Submit(context.Background(), Request{})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestQueue_CloseDrainsAndRejects(t *testing.T) {
	runner := newGatedRunner()
	q := NewQueue(runner, QueueOptions{Depth: 4})

	var wg sync.WaitGroup
	var succeeded atomic.Int32
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := q.Submit(context.Background(), Request{DeliveryID: fmt.Sprint(i)})
			if err == nil && job.State() == StateSucceeded {
				succeeded.Add(1)
			}
		}(i)
		if i == 0 {
			waitRunning(t, q)
		}
	}
	waitQueued(t, q, 2)

	closed := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		closed <- q.Close(ctx)
	}()

	require.Eventually(t, func() bool { return q.Stats().Closed }, time.Second, 5*time.Millisecond)
	_, err := q.Submit(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrClosed)

	close(runner.release)
	require.NoError(t, <-closed)
	wg.Wait()
	assert.Equal(t, int32(3), succeeded.Load())

	// Closing twice is harmless.
	assert.NoError(t, q.Close(context.Background()))
}

func TestQueue_CloseTimeout(t *testing.T) {
	runner := newGatedRunner()
	q := NewQueue(runner, QueueOptions{})
	go func() { _, _ = q.Submit(context.Background(), Request{}) }()
	waitRunning(t, q)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(runner.release)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "succeeded", StateSucceeded.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "cancelled", StateCancelled.String())
	assert.Equal(t, "unknown", State(42).String())
}
