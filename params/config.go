package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	ListenAddr string
	DataDir    string
	LogFile    string
}

type Worker struct {
	// Concurrency caps jobs in flight; RateLimit/RateWindow bound job starts
	// in a sliding window.
	Concurrency  int
	RateLimit    int
	RateWindow   time.Duration
	PrepareDelay time.Duration
}

type Queue struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type Sim struct {
	QuoteLatency  time.Duration
	SettleLatency time.Duration
	FailureRate   float64
	Seed          int64
}

type Config struct {
	Server Server
	Worker Worker
	Queue  Queue
	Sim    Sim
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddr: ":3000",
			DataDir:    "data",
			LogFile:    "",
		},
		Worker: Worker{
			Concurrency:  10,
			RateLimit:    100,
			RateWindow:   60 * time.Second,
			PrepareDelay: 500 * time.Millisecond,
		},
		Queue: Queue{
			MaxAttempts: 3,
			BackoffBase: time.Second,
			BackoffMax:  time.Minute,
		},
		Sim: Sim{
			QuoteLatency:  300 * time.Millisecond,
			SettleLatency: 1500 * time.Millisecond,
			FailureRate:   0.10,
			Seed:          0,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Server.LogFile = v
	}

	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.RateLimit = envInt("WORKER_RATE_LIMIT", cfg.Worker.RateLimit)
	cfg.Worker.RateWindow = envDurationMS("WORKER_RATE_WINDOW_MS", cfg.Worker.RateWindow)
	cfg.Worker.PrepareDelay = envDurationMS("WORKER_PREPARE_DELAY_MS", cfg.Worker.PrepareDelay)

	cfg.Queue.MaxAttempts = envInt("QUEUE_MAX_ATTEMPTS", cfg.Queue.MaxAttempts)
	cfg.Queue.BackoffBase = envDurationMS("QUEUE_BACKOFF_BASE_MS", cfg.Queue.BackoffBase)
	cfg.Queue.BackoffMax = envDurationMS("QUEUE_BACKOFF_MAX_MS", cfg.Queue.BackoffMax)

	cfg.Sim.QuoteLatency = envDurationMS("SIM_QUOTE_LATENCY_MS", cfg.Sim.QuoteLatency)
	cfg.Sim.SettleLatency = envDurationMS("SIM_SETTLE_LATENCY_MS", cfg.Sim.SettleLatency)
	if v := os.Getenv("SIM_FAILURE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.Sim.FailureRate = f
		}
	}
	if v := os.Getenv("SIM_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sim.Seed = n
		}
	}

	return cfg
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDurationMS(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
