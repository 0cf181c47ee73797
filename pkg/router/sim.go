package router

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// SimConfig controls the simulated venues. Latencies and the settlement
// failure rate are configuration, not hardwired, so tests can run them
// deterministically at zero latency.
type SimConfig struct {
	QuoteLatency  time.Duration
	SettleLatency time.Duration
	FailureRate   float64 // probability of a settlement failure per attempt
	Seed          int64   // 0 seeds from the clock
}

// DefaultBasePrices mirrors the devnet price table.
var DefaultBasePrices = map[string]float64{
	"SOL-USDC": 145.50,
	"BTC-USDC": 62000.00,
}

const fallbackBasePrice = 100.0

// SimSource is a simulated liquidity source. Quotes vary inside a fixed band
// around the pair's base price; settlement fails at the configured rate.
type SimSource struct {
	name string
	fee  float64

	// price band: base * (low + rng * span)
	low  float64
	span float64

	prices map[string]float64
	cfg    SimConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimSource(name string, fee, low, span float64, prices map[string]float64, cfg SimConfig) *SimSource {
	if prices == nil {
		prices = DefaultBasePrices
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimSource{
		name:   name,
		fee:    fee,
		low:    low,
		span:   span,
		prices: prices,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// DefaultSources builds the two stock venues in priority order.
func DefaultSources(cfg SimConfig) []LiquiditySource {
	return []LiquiditySource{
		NewSimSource("Raydium", 0.003, 0.98, 0.04, nil, cfg),
		NewSimSource("Meteora", 0.002, 0.97, 0.05, nil, cfg),
	}
}

func (s *SimSource) Name() string { return s.name }

func (s *SimSource) GetQuote(ctx context.Context, assetIn, assetOut string, amount float64) (Quote, error) {
	if err := s.sleep(ctx, s.cfg.QuoteLatency); err != nil {
		return Quote{}, err
	}
	base, ok := s.prices[assetIn+"-"+assetOut]
	if !ok {
		base = fallbackBasePrice
	}
	s.mu.Lock()
	price := base * (s.low + s.rng.Float64()*s.span)
	s.mu.Unlock()
	return Quote{Source: s.name, Price: price, Fee: s.fee}, nil
}

func (s *SimSource) ExecuteSwap(ctx context.Context, orderID string) (string, error) {
	if err := s.sleep(ctx, s.cfg.SettleLatency); err != nil {
		return "", err
	}
	s.mu.Lock()
	failed := s.rng.Float64() < s.cfg.FailureRate
	ref := strconv.FormatUint(s.rng.Uint64(), 36)
	s.mu.Unlock()
	if failed {
		return "", errors.New("slippage tolerance exceeded")
	}
	return "tx_" + ref, nil
}

func (s *SimSource) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
