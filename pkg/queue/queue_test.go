package queue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	q, err := Open(dir, 5*time.Millisecond, 100*time.Millisecond, zap.NewNop().Sugar())
	require.NoError(t, err)
	return q
}

func testJob(id string, maxAttempts int) Job {
	return Job{OrderID: id, AssetIn: "SOL", AssetOut: "USDC", Amount: 1, MaxAttempts: maxAttempts}
}

func receive(t *testing.T, q *Queue, within time.Duration) Job {
	t.Helper()
	select {
	case job := <-q.Deliveries():
		return job
	case <-time.After(within):
		t.Fatal("no delivery")
		return Job{}
	}
}

func TestEnqueueDeliverAck(t *testing.T) {
	q := openQueue(t, t.TempDir())
	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue(testJob("o-1", 3)))
	job := receive(t, q, time.Second)
	assert.Equal(t, "o-1", job.OrderID)
	assert.Equal(t, 0, job.Attempts)

	require.NoError(t, q.Ack(job))
	assert.Equal(t, 0, q.Len())

	select {
	case j := <-q.Deliveries():
		t.Fatalf("acked job redelivered: %+v", j)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNackRedeliversWithBackoff(t *testing.T) {
	q := openQueue(t, t.TempDir())
	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue(testJob("o-1", 3)))
	first := receive(t, q, time.Second)
	require.NoError(t, q.Nack(first, errors.New("settlement failed")))

	second := receive(t, q, time.Second)
	assert.Equal(t, "o-1", second.OrderID)
	assert.Equal(t, 1, second.Attempts)
	assert.False(t, second.NotBefore.IsZero())
	require.NoError(t, q.Ack(second))
}

func TestSingleDeliveryAtATime(t *testing.T) {
	q := openQueue(t, t.TempDir())
	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue(testJob("o-1", 3)))
	job := receive(t, q, time.Second)

	// While the worker holds the job, the dispatcher must not hand out a
	// second copy even though the record is still persisted.
	select {
	case j := <-q.Deliveries():
		t.Fatalf("duplicate delivery: %+v", j)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, q.Ack(job))
}

func TestRetryBudgetExhaustionFiresDeadLetter(t *testing.T) {
	q := openQueue(t, t.TempDir())

	var mu sync.Mutex
	var dead []Job
	q.DeadLetter = func(job Job, cause error) {
		mu.Lock()
		dead = append(dead, job)
		mu.Unlock()
	}
	q.Start()
	defer q.Stop()

	require.NoError(t, q.Enqueue(testJob("o-1", 3)))
	cause := errors.New("slippage")
	for i := 0; i < 3; i++ {
		job := receive(t, q, time.Second)
		assert.Equal(t, i, job.Attempts)
		require.NoError(t, q.Nack(job, cause))
	}

	mu.Lock()
	require.Len(t, dead, 1)
	assert.Equal(t, "o-1", dead[0].OrderID)
	assert.Equal(t, 3, dead[0].Attempts)
	mu.Unlock()

	assert.Equal(t, 0, q.Len())
	select {
	case j := <-q.Deliveries():
		t.Fatalf("abandoned job redelivered: %+v", j)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJobsSurviveRestart(t *testing.T) {
	dir := t.TempDir()

	q := openQueue(t, dir)
	require.NoError(t, q.Enqueue(testJob("o-1", 3)))
	q.Stop() // never started dispatch; job record stays on disk

	q2 := openQueue(t, dir)
	q2.Start()
	defer q2.Stop()

	job := receive(t, q2, time.Second)
	assert.Equal(t, "o-1", job.OrderID)
	require.NoError(t, q2.Ack(job))
}

func TestBackoffSchedule(t *testing.T) {
	base := time.Second
	max := time.Minute
	assert.Equal(t, time.Second, Backoff(base, max, 0))
	assert.Equal(t, 2*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, max, 2))
	assert.Equal(t, time.Minute, Backoff(base, max, 10))
	assert.Equal(t, time.Minute, Backoff(base, max, 63))
	assert.Equal(t, base, Backoff(base, max, -1))
}
