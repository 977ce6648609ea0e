package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
	"github.com/CodeMonkeyCybersecurity/salvo/pkg/types"
)

type memQueue struct {
	mu        sync.Mutex
	pending   []*types.ExploitJob
	completed []string
	failed    map[string]string
	retried   []string
}

func newMemQueue() *memQueue {
	return &memQueue{failed: make(map[string]string)}
}

func (q *memQueue) Push(ctx context.Context, job *types.ExploitJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, job)
	return nil
}

func (q *memQueue) Pop(ctx context.Context, workerID string) (*types.ExploitJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return job, nil
}

func (q *memQueue) Complete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, jobID)
	return nil
}

func (q *memQueue) Fail(ctx context.Context, jobID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[jobID] = reason
	return nil
}

func (q *memQueue) Retry(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retried = append(q.retried, jobID)
	return nil
}

func (q *memQueue) GetStatus(ctx context.Context, jobID string) (*types.ExploitJob, error) {
	return nil, errors.New("not implemented")
}

func (q *memQueue) GetPending(ctx context.Context) ([]*types.ExploitJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*types.ExploitJob, len(q.pending))
	copy(out, q.pending)
	return out, nil
}

func (q *memQueue) Processing(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (q *memQueue) Close() error { return nil }

func (q *memQueue) completedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

func (q *memQueue) failedReason(jobID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed[jobID]
}

func (q *memQueue) retriedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.retried)
}

type stubRunner struct {
	mu     sync.Mutex
	jobs   []string
	result *types.ExploitSession
	err    error
	closed bool
}

func (r *stubRunner) RunJob(ctx context.Context, job *types.ExploitJob) (*types.ExploitSession, error) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job.ID)
	result, err := r.result, r.err
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &types.ExploitSession{Outcome: types.SessionExhausted}
	}
	return result, nil
}

func (r *stubRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *stubRunner) ranJobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func (r *stubRunner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type countingTelemetry struct {
	mu      sync.Mutex
	started int
	stopped int
}

func (c *countingTelemetry) RecordSession(outcome types.SessionOutcome, duration float64) {}
func (c *countingTelemetry) RecordAttempt(status types.AttemptStatus, duration float64)   {}

func (c *countingTelemetry) WorkerStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *countingTelemetry) WorkerStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
}

func (c *countingTelemetry) Close() error { return nil }

func (c *countingTelemetry) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started, c.stopped
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Count:             1,
		QueuePollInterval: 10 * time.Millisecond,
		MaxRetries:        2,
		RetryDelay:        10 * time.Millisecond,
	}
}

func confirmedJob(id string) *types.ExploitJob {
	return &types.ExploitJob{
		ID:        id,
		Target:    types.Target{Address: "10.0.0.5"},
		Service:   types.ServiceFingerprint{Port: 21, Protocol: types.ProtocolTCP, Name: "vsftpd"},
		Confirmed: true,
	}
}

func TestWorkerProcessesConfirmedJob(t *testing.T) {
	queue := newMemQueue()
	runner := &stubRunner{result: &types.ExploitSession{Outcome: types.SessionSucceeded}}
	metrics := &countingTelemetry{}

	require.NoError(t, queue.Push(context.Background(), confirmedJob("job-1")))

	w := NewWorker(queue, runner, metrics, testWorkerConfig(), testLogger(t))
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return queue.completedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())

	assert.Equal(t, []string{"job-1"}, runner.ranJobs())
	assert.True(t, runner.isClosed())
	assert.Equal(t, 1, w.Status().JobsComplete)
	assert.Equal(t, "stopped", w.Status().Status)

	started, stopped := metrics.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestWorkerRefusesUnconfirmedJob(t *testing.T) {
	queue := newMemQueue()
	runner := &stubRunner{}

	job := confirmedJob("job-risky")
	job.Confirmed = false
	require.NoError(t, queue.Push(context.Background(), job))

	w := NewWorker(queue, runner, &countingTelemetry{}, testWorkerConfig(), testLogger(t))
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return queue.failedReason("job-risky") != ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())

	assert.Contains(t, queue.failedReason("job-risky"), "authorization")
	assert.Empty(t, runner.ranJobs(), "unconfirmed job must never reach the runner")
	assert.Zero(t, queue.completedCount())
}

func TestWorkerRetriesFailedSession(t *testing.T) {
	queue := newMemQueue()
	runner := &stubRunner{err: errors.New("framework unreachable")}

	require.NoError(t, queue.Push(context.Background(), confirmedJob("job-retry")))

	w := NewWorker(queue, runner, &countingTelemetry{}, testWorkerConfig(), testLogger(t))
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return queue.retriedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())

	assert.Empty(t, queue.failedReason("job-retry"))
	assert.Zero(t, w.Status().JobsComplete)
}

func TestWorkerFailsJobAfterMaxRetries(t *testing.T) {
	queue := newMemQueue()
	runner := &stubRunner{err: errors.New("framework unreachable")}

	job := confirmedJob("job-dead")
	job.Retries = 2
	require.NoError(t, queue.Push(context.Background(), job))

	w := NewWorker(queue, runner, &countingTelemetry{}, testWorkerConfig(), testLogger(t))
	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return queue.failedReason("job-dead") != ""
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())

	assert.Contains(t, queue.failedReason("job-dead"), "framework unreachable")
	assert.Zero(t, queue.retriedCount())
}

func TestPoolStartsScalesAndStops(t *testing.T) {
	queue := newMemQueue()
	metrics := &countingTelemetry{}

	factory := func() (SessionRunner, error) {
		return &stubRunner{}, nil
	}

	pool := NewWorkerPool(queue, factory, metrics, testWorkerConfig(), testLogger(t))

	require.NoError(t, pool.Start(context.Background(), 2))
	assert.Len(t, pool.Status(), 2)

	require.NoError(t, pool.Scale(3))
	assert.Len(t, pool.Status(), 3)

	require.NoError(t, pool.Scale(1))
	assert.Len(t, pool.Status(), 1)

	require.NoError(t, pool.Stop())
	assert.Empty(t, pool.Status())

	require.Error(t, pool.Stop(), "double stop must be rejected")

	started, stopped := metrics.counts()
	assert.Equal(t, started, stopped)
}

func TestPoolStartFailsWhenRunnerFactoryFails(t *testing.T) {
	queue := newMemQueue()

	factory := func() (SessionRunner, error) {
		return nil, errors.New("console unavailable")
	}

	pool := NewWorkerPool(queue, factory, &countingTelemetry{}, testWorkerConfig(), testLogger(t))

	err := pool.Start(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "console unavailable")
	assert.Empty(t, pool.Status())
}
