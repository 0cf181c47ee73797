// Package worker drives queued orders through the execution state machine:
// routing -> building -> submitted -> confirmed, with failed on any error.
// Each transition commits to the store first and is then published to the
// notification bus, so the persisted record and the live feed never disagree
// on ordering.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devhyun/dexflow/pkg/notify"
	"github.com/devhyun/dexflow/pkg/order"
	"github.com/devhyun/dexflow/pkg/queue"
	"github.com/devhyun/dexflow/pkg/router"
	"github.com/devhyun/dexflow/pkg/storage"
	"github.com/devhyun/dexflow/pkg/util"
)

// Config bounds the pool: a hard cap on in-flight jobs and a sliding-window
// limit on job starts.
type Config struct {
	Concurrency  int           // max jobs in flight
	RateLimit    int           // max job starts per window
	RateWindow   time.Duration // sliding window size
	PrepareDelay time.Duration // fixed tx-construction delay, no side effects
}

func DefaultConfig() Config {
	return Config{
		Concurrency:  10,
		RateLimit:    100,
		RateWindow:   60 * time.Second,
		PrepareDelay: 500 * time.Millisecond,
	}
}

// Pool consumes queue deliveries with a fixed set of workers. The queue owns
// per-job exclusivity; the pool never locks orders itself.
type Pool struct {
	store   storage.Store
	router  *router.Router
	bus     *notify.Bus
	queue   *queue.Queue
	limiter *SlidingWindow
	cfg     Config
	clock   util.Clock
	log     *zap.SugaredLogger

	wg sync.WaitGroup
}

func NewPool(store storage.Store, rt *router.Router, bus *notify.Bus, q *queue.Queue, cfg Config, log *zap.SugaredLogger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	p := &Pool{
		store:   store,
		router:  rt,
		bus:     bus,
		queue:   q,
		limiter: NewSlidingWindow(cfg.RateLimit, cfg.RateWindow),
		cfg:     cfg,
		clock:   util.RealClock{},
		log:     log,
	}
	q.DeadLetter = p.abandon
	return p
}

// SetClock swaps the clock used for the preparation delay (tests).
func (p *Pool) SetClock(c util.Clock) { p.clock = c }

// Start launches the worker goroutines. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue.Deliveries():
			if !ok {
				return
			}
			if err := p.limiter.Wait(ctx); err != nil {
				// Shutting down mid-delivery: leave the job record for the
				// next start.
				return
			}
			if err := p.handle(ctx, job); err != nil {
				if nerr := p.queue.Nack(job, err); nerr != nil {
					p.log.Errorw("job_nack", "worker", id, "order_id", job.OrderID, "err", nerr)
				}
			} else {
				if aerr := p.queue.Ack(job); aerr != nil {
					p.log.Errorw("job_ack", "worker", id, "order_id", job.OrderID, "err", aerr)
				}
			}
		}
	}
}

// handle runs one processing attempt. Any error, including a panic in a
// step, is recorded as a failed transition before it is re-signalled to the
// queue, so the pipeline never drops an error without persisting it first.
func (p *Pool) handle(ctx context.Context, job queue.Job) error {
	err := p.execute(ctx, job)
	if err == nil {
		return nil
	}
	if terr := p.transition(job.OrderID, storage.Transition{
		Status: order.StatusFailed,
		Log:    "Error: " + err.Error(),
	}); terr != nil {
		p.log.Errorw("record_failure", "order_id", job.OrderID, "err", terr)
	}
	return err
}

func (p *Pool) execute(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	// 1. routing
	names := p.router.SourceNames()
	if err := p.transition(job.OrderID, storage.Transition{
		Status: order.StatusRouting,
		Log:    fmt.Sprintf("Querying %s...", strings.Join(names, " and ")),
	}); err != nil {
		return err
	}
	quotes, err := p.router.GetQuotes(ctx, job.AssetIn, job.AssetOut, job.Amount)
	if err != nil {
		return err
	}
	best, ok := router.BestQuote(quotes)
	if !ok {
		return router.ErrNoLiquidity
	}

	// 2. building
	if err := p.transition(job.OrderID, storage.Transition{
		Status: order.StatusBuilding,
		Log:    fmt.Sprintf("Selected %s @ $%.2f", best.Source, best.Price),
		Venue:  best.Source,
		Price:  best.Price,
	}); err != nil {
		return err
	}
	if p.cfg.PrepareDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.cfg.PrepareDelay):
		}
	}

	// 3. submitted
	if err := p.transition(job.OrderID, storage.Transition{
		Status: order.StatusSubmitted,
		Log:    "Transaction signed and propagated.",
	}); err != nil {
		return err
	}

	// 4. settlement
	ref, err := p.router.ExecuteSwap(ctx, best.Source, job.OrderID)
	if err != nil {
		return err
	}
	return p.transition(job.OrderID, storage.Transition{
		Status:        order.StatusConfirmed,
		Log:           "Swap successful: " + ref,
		SettlementRef: ref,
	})
}

// abandon is the queue's dead-letter hook: the order stays failed and gets
// one final log entry so the terminal outcome is visible in its history.
func (p *Pool) abandon(job queue.Job, cause error) {
	if err := p.transition(job.OrderID, storage.Transition{
		Status: order.StatusFailed,
		Log:    fmt.Sprintf("Retry budget exhausted after %d attempts", job.Attempts),
	}); err != nil {
		p.log.Errorw("record_abandon", "order_id", job.OrderID, "err", err)
	}
}

// transition commits one state-machine move and, if the store accepted it,
// publishes the transition event. A commit the store rejects (backwards move
// after a redelivery race) publishes nothing.
func (p *Pool) transition(orderID string, tr storage.Transition) error {
	o, changed, err := p.store.Commit(orderID, tr)
	if err != nil {
		return err
	}
	if !changed {
		p.log.Debugw("transition_skipped", "order_id", orderID, "to", tr.Status)
		return nil
	}
	p.bus.Publish(notify.Event{
		OrderID:       orderID,
		Status:        tr.Status,
		Log:           tr.Log,
		Venue:         tr.Venue,
		Price:         tr.Price,
		SettlementRef: tr.SettlementRef,
		Timestamp:     o.UpdatedAt,
	})
	return nil
}
