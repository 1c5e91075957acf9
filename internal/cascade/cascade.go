package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TierNone is reported when every tier came back empty.
const TierNone = "none"

// Reference is one piece of grounding context for a query.
type Reference struct {
	NaturalKey string  `json:"natural_key"`
	Title      string  `json:"title,omitempty"`
	Client     string  `json:"client,omitempty"`
	Sector     string  `json:"sector,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Content    string  `json:"content"`
}

// Strategy is one retrieval tier.
type Strategy interface {
	Name() string
	Retrieve(ctx context.Context, query string, limit int) ([]Reference, error)
}

// Attempt records how one tier fared during a Run.
type Attempt struct {
	Tier     string        `json:"tier"`
	Count    int           `json:"count"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Result is the outcome of a Run. Tier names the strategy that produced
// References, or TierNone.
type Result struct {
	Tier       string      `json:"tier"`
	References []Reference `json:"references"`
	Attempts   []Attempt   `json:"attempts"`
}

const defaultTierTimeout = 5 * time.Second

// Cascade tries its strategies in order and returns the first non-empty
// result. A tier that errors, panics, or exceeds the per-tier timeout counts
// as empty.
type Cascade struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *slog.Logger
}

// New builds a Cascade. timeout <= 0 selects the default per-tier timeout.
func New(timeout time.Duration, strategies ...Strategy) *Cascade {
	if timeout <= 0 {
		timeout = defaultTierTimeout
	}
	return &Cascade{
		strategies: strategies,
		timeout:    timeout,
		logger:     slog.Default().With("component", "cascade"),
	}
}

// Tiers returns the strategy names in order.
func (c *Cascade) Tiers() []string {
	names := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		names[i] = s.Name()
	}
	return names
}

// Run never fails; see Result.Tier for which tier answered.
func (c *Cascade) Run(ctx context.Context, query string, limit int) Result {
	res := Result{Tier: TierNone, References: []Reference{}}
	for _, s := range c.strategies {
		start := time.Now()
		refs, err := c.try(ctx, s, query, limit)
		a := Attempt{Tier: s.Name(), Count: len(refs), Duration: time.Since(start)}
		if err != nil {
			a.Error = err.Error()
			c.logger.Warn("tier failed", "tier", s.Name(), "error", err)
		}
		res.Attempts = append(res.Attempts, a)

		if err == nil && len(refs) > 0 {
			if limit > 0 && len(refs) > limit {
				refs = refs[:limit]
			}
			res.Tier = s.Name()
			res.References = refs
			return res
		}
		c.logger.Debug("tier empty, falling through", "tier", s.Name())
		if ctx.Err() != nil {
			break
		}
	}
	return res
}

// try runs one strategy under the tier timeout, converting panics to errors.
func (c *Cascade) try(ctx context.Context, s Strategy, query string, limit int) ([]Reference, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		refs []Reference
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic in tier %s: %v", s.Name(), r)}
			}
		}()
		refs, err := s.Retrieve(ctx, query, limit)
		ch <- result{refs: refs, err: err}
	}()

	select {
	case r := <-ch:
		return r.refs, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("tier %s: %w", s.Name(), ctx.Err())
	}
}
