package semantic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig holds the circuit breaker settings for the semantic boundary.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the
	// circuit. Default: 3.
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to
	// half-open. Default: 30 seconds.
	Timeout time.Duration

	// CallTimeout bounds each individual Search call. Default: 2 seconds.
	CallTimeout time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 2 * time.Second
	}
}

// BreakerSearcher wraps a Searcher with a circuit breaker and per-call
// timeout so that a slow or failing vector index degrades fusion to the
// remaining tiers instead of stalling every query.
//
// All failure modes — open circuit, timeout, collaborator error — surface as
// ErrUnavailable so the fusion engine has a single recovery path.
type BreakerSearcher struct {
	inner   Searcher
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewBreakerSearcher wraps inner with the given breaker configuration.
func NewBreakerSearcher(inner Searcher, cfg BreakerConfig) *BreakerSearcher {
	cfg.applyDefaults()

	settings := gobreaker.Settings{
		Name:    "SemanticSearcher",
		Timeout: cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}

	return &BreakerSearcher{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.CallTimeout,
	}
}

// Search executes the wrapped search through the circuit breaker.
func (b *BreakerSearcher) Search(ctx context.Context, query string, topK int, filters map[string]string) ([]Hit, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.inner.Search(callCtx, query, topK, filters)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		// Top-level cancellation propagates as-is so the caller can
		// distinguish its own cancellation from collaborator failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	hits, _ := result.([]Hit)
	return hits, nil
}

// State returns the current breaker state: "closed", "open", or "half-open".
func (b *BreakerSearcher) State() string {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
