package router

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNoLiquidity      = errors.New("no liquidity for pair")
	ErrSettlementFailed = errors.New("settlement failed")
	ErrUnknownSource    = errors.New("unknown liquidity source")
)

// Quote is one venue's offer for a trade. Quotes are produced fresh per
// routing call and never persisted.
type Quote struct {
	Source string  `json:"source"`
	Price  float64 `json:"price"`
	Fee    float64 `json:"fee"` // fraction of notional
}

// LiquiditySource is a price/settlement provider. Implementations must be
// safe for concurrent use.
type LiquiditySource interface {
	Name() string
	GetQuote(ctx context.Context, assetIn, assetOut string, amount float64) (Quote, error)
	ExecuteSwap(ctx context.Context, orderID string) (string, error)
}

// Router fans a routing request out to every configured liquidity source.
// The source slice order is the tie-break priority order and is fixed at
// construction.
type Router struct {
	sources []LiquiditySource
}

func New(sources ...LiquiditySource) *Router {
	return &Router{sources: sources}
}

// GetQuotes queries every source concurrently and returns the quotes that
// succeeded. It fails with ErrNoLiquidity only when every source errors.
func (r *Router) GetQuotes(ctx context.Context, assetIn, assetOut string, amount float64) ([]Quote, error) {
	quotes := make([]Quote, len(r.sources))
	errs := make([]error, len(r.sources))

	g, ctx := errgroup.WithContext(ctx)
	for i, src := range r.sources {
		g.Go(func() error {
			q, err := src.GetQuote(ctx, assetIn, assetOut, amount)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", src.Name(), err)
				return nil
			}
			quotes[i] = q
			return nil
		})
	}
	_ = g.Wait()

	// Keep source priority order: a failed slot is simply skipped.
	out := make([]Quote, 0, len(r.sources))
	for i := range quotes {
		if errs[i] == nil {
			out = append(out, quotes[i])
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoLiquidity, errors.Join(errs...))
	}
	return out, nil
}

// BestQuote picks the quote with the strictly highest price. On an exact tie
// the quote that appears first wins; GetQuotes preserves the configured
// source priority order, so ties always resolve the same way.
func BestQuote(quotes []Quote) (Quote, bool) {
	if len(quotes) == 0 {
		return Quote{}, false
	}
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.Price > best.Price {
			best = q
		}
	}
	return best, true
}

// ExecuteSwap performs the settlement step against the named source.
// Source-reported slippage/network conditions surface as ErrSettlementFailed,
// which the pipeline treats as recoverable.
func (r *Router) ExecuteSwap(ctx context.Context, source, orderID string) (string, error) {
	for _, src := range r.sources {
		if src.Name() != source {
			continue
		}
		ref, err := src.ExecuteSwap(ctx, orderID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSettlementFailed, err)
		}
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSource, source)
}

// SourceNames returns the configured source names in priority order.
func (r *Router) SourceNames() []string {
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name()
	}
	return names
}
