// Package queue implements the durable job queue feeding the execution
// workers. Every accepted order has exactly one job record; the queue is the
// sole authority on "at most one worker holds a given job at a time". Jobs
// are persisted in pebble before delivery, so a restart redelivers anything
// that was in flight (at-least-once).
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/devhyun/dexflow/pkg/storage"
)

// Job is the queue's unit of work: the order identifier plus the immutable
// attributes needed to process it, and the client-assigned retry policy.
type Job struct {
	OrderID  string  `json:"orderId"`
	AssetIn  string  `json:"assetIn"`
	AssetOut string  `json:"assetOut"`
	Amount   float64 `json:"amount"`

	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	NotBefore   time.Time `json:"notBefore"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Queue delivers persisted jobs to workers and applies the retry policy on
// failure. Lifecycle is owned by the caller: construct, optionally set
// DeadLetter, Start, Stop.
type Queue struct {
	db  *pebble.DB
	log *zap.SugaredLogger

	backoffBase time.Duration
	backoffMax  time.Duration

	deliveries chan Job
	wake       chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}

	// DeadLetter is invoked once when a job's retry budget is exhausted,
	// after the record has been dropped. Set before Start.
	DeadLetter func(job Job, cause error)

	stop chan struct{}
	wg   sync.WaitGroup
}

func Open(path string, backoffBase, backoffMax time.Duration, log *zap.SugaredLogger) (*Queue, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Queue{
		db:          db,
		log:         log,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		deliveries:  make(chan Job),
		wake:        make(chan struct{}, 1),
		inflight:    make(map[string]struct{}),
		stop:        make(chan struct{}),
	}, nil
}

func kJob(orderID string) []byte { return append([]byte("j:"), orderID...) }

// Enqueue persists the job and signals the dispatcher. The record hits disk
// before Enqueue returns, so an accepted order survives a crash.
func (q *Queue) Enqueue(job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if err := q.put(job); err != nil {
		return err
	}
	q.kick()
	return nil
}

// Deliveries is the channel workers consume from. Each job on it is owned by
// exactly one worker until it calls Ack or Nack.
func (q *Queue) Deliveries() <-chan Job { return q.deliveries }

// Ack marks the job done. The record is removed and never redelivered.
func (q *Queue) Ack(job Job) error {
	if err := q.db.Delete(kJob(job.OrderID), pebble.Sync); err != nil {
		return fmt.Errorf("drop job: %w", err)
	}
	q.release(job.OrderID)
	return nil
}

// Nack records a failed attempt. With budget remaining the job is rescheduled
// after an exponential backoff; otherwise it is abandoned and DeadLetter
// fires.
func (q *Queue) Nack(job Job, cause error) error {
	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		if err := q.db.Delete(kJob(job.OrderID), pebble.Sync); err != nil {
			return fmt.Errorf("drop job: %w", err)
		}
		q.release(job.OrderID)
		q.log.Warnw("job_abandoned", "order_id", job.OrderID, "attempts", job.Attempts, "cause", cause)
		if q.DeadLetter != nil {
			q.DeadLetter(job, cause)
		}
		return nil
	}

	delay := Backoff(q.backoffBase, q.backoffMax, job.Attempts-1)
	job.NotBefore = time.Now().UTC().Add(delay)
	if err := q.put(job); err != nil {
		return err
	}
	q.release(job.OrderID)
	q.log.Infow("job_retry_scheduled", "order_id", job.OrderID, "attempt", job.Attempts, "delay", delay, "cause", cause)
	return nil
}

// Start launches the dispatch loop. Any jobs persisted by a previous process
// are picked up on the first scan.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.dispatch()
}

// Stop halts dispatch. In-flight jobs keep their records and are redelivered
// on the next Start.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
	if err := q.db.Close(); err != nil {
		q.log.Warnw("queue_close", "err", err)
	}
}

// Len reports persisted job records (for tests/metrics).
func (q *Queue) Len() int {
	jobs, err := q.scan()
	if err != nil {
		return 0
	}
	return len(jobs)
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		jobs, err := q.scan()
		if err != nil {
			q.log.Errorw("queue_scan", "err", err)
		}

		now := time.Now().UTC()
		var nextDue time.Time
		for _, job := range jobs {
			if job.NotBefore.After(now) {
				if nextDue.IsZero() || job.NotBefore.Before(nextDue) {
					nextDue = job.NotBefore
				}
				continue
			}
			if !q.acquire(job.OrderID) {
				continue
			}
			select {
			case q.deliveries <- job:
			case <-q.stop:
				q.release(job.OrderID)
				return
			}
		}

		var timer *time.Timer
		var due <-chan time.Time
		if !nextDue.IsZero() {
			timer = time.NewTimer(time.Until(nextDue))
			due = timer.C
		}
		select {
		case <-q.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-q.wake:
		case <-due:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *Queue) put(job Job) error {
	val, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.db.Set(kJob(job.OrderID), val, pebble.Sync); err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (q *Queue) scan() ([]Job, error) {
	prefix := []byte("j:")
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: storage.KeyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var jobs []Job
	for iter.First(); iter.Valid(); iter.Next() {
		var job Job
		if err := decodeJob(iter.Value(), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *Queue) acquire(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, held := q.inflight[orderID]; held {
		return false
	}
	q.inflight[orderID] = struct{}{}
	return true
}

func (q *Queue) release(orderID string) {
	q.mu.Lock()
	delete(q.inflight, orderID)
	q.mu.Unlock()
	q.kick()
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
