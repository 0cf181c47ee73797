package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/devhyun/dexflow/params"
	"github.com/devhyun/dexflow/pkg/api"
	"github.com/devhyun/dexflow/pkg/notify"
	"github.com/devhyun/dexflow/pkg/queue"
	"github.com/devhyun/dexflow/pkg/router"
	"github.com/devhyun/dexflow/pkg/storage"
	"github.com/devhyun/dexflow/pkg/util"
	"github.com/devhyun/dexflow/pkg/worker"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger(cfg.Server.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("engine_starting", "addr", cfg.Server.ListenAddr, "data_dir", cfg.Server.DataDir)

	// ---- Storage ----
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Server.DataDir, "orders"))
	if err != nil {
		sugar.Fatalw("open_order_store", "err", err)
	}
	defer store.Close()

	// ---- Durable job queue ----
	q, err := queue.Open(filepath.Join(cfg.Server.DataDir, "jobs"),
		cfg.Queue.BackoffBase, cfg.Queue.BackoffMax, sugar)
	if err != nil {
		sugar.Fatalw("open_job_queue", "err", err)
	}

	// ---- Routing & fan-out ----
	rt := router.New(router.DefaultSources(router.SimConfig{
		QuoteLatency:  cfg.Sim.QuoteLatency,
		SettleLatency: cfg.Sim.SettleLatency,
		FailureRate:   cfg.Sim.FailureRate,
		Seed:          cfg.Sim.Seed,
	})...)
	bus := notify.NewBus()

	// ---- Execution worker pool ----
	pool := worker.NewPool(store, rt, bus, q, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		RateLimit:    cfg.Worker.RateLimit,
		RateWindow:   cfg.Worker.RateWindow,
		PrepareDelay: cfg.Worker.PrepareDelay,
	}, sugar)

	ctx, cancel := context.WithCancel(context.Background())
	q.Start()
	pool.Start(ctx)

	server := api.NewServer(store, q, bus, cfg.Queue.MaxAttempts, sugar)
	go func() {
		if err := server.Start(cfg.Server.ListenAddr); err != nil {
			sugar.Fatalw("api_server", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	sugar.Infow("engine_stopping")

	// Stop the workers first so in-flight jobs can still ack/nack against an
	// open queue; unfinished jobs keep their records and are redelivered on
	// the next start.
	cancel()
	pool.Wait()
	q.Stop()
	sugar.Infow("engine_stopped")
}
