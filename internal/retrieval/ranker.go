package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Validation sentinels. They are returned wrapped in *ValidationError.
var (
	ErrEmptyQuery    = errors.New("query text is empty")
	ErrNegativeLimit = errors.New("limit must not be negative")
	ErrUnknownMode   = errors.New("unknown search mode")
)

// ValidationError reports a bad Query field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Mode selects which tiers a search uses.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode maps user input to a Mode. Empty input is ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeAuto, nil
	case ModeAuto, ModeKeyword, ModeSemantic, ModeHybrid:
		return m, nil
	default:
		return "", &ValidationError{Field: "mode", Err: fmt.Errorf("%w %q", ErrUnknownMode, s)}
	}
}

// Query is one search request.
type Query struct {
	Text      string
	Limit     int
	UseVector bool
	Mode      Mode
	// Sector, when set, keeps only records whose sector contains it
	// (case-insensitive). It is applied after hydration by the caller.
	Sector string
}

// Validate checks the request without touching any tier.
func (q Query) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return &ValidationError{Field: "query", Err: ErrEmptyQuery}
	}
	if q.Limit < 0 {
		return &ValidationError{Field: "limit", Err: ErrNegativeLimit}
	}
	if _, err := ParseMode(string(q.Mode)); err != nil {
		return err
	}
	return nil
}

const defaultVectorTimeout = 2 * time.Second

// MaxCandidates bounds how many hits one leg fetches, whatever the limit.
const MaxCandidates = 10000

// CandidateDepth is the over-fetch depth for limit: twice the limit,
// saturating at MaxCandidates.
func CandidateDepth(limit int) int {
	if limit <= 0 {
		return 0
	}
	if limit >= MaxCandidates/2 {
		return MaxCandidates
	}
	return limit * 2
}

// RankerConfig tunes the Ranker. Zero values select defaults.
type RankerConfig struct {
	VectorTimeout time.Duration
	RRFK          int
}

// Ranker runs the keyword and vector tiers concurrently and fuses them with
// Reciprocal Rank Fusion. A tier that errors or times out contributes an
// empty list; Search itself only fails validation.
type Ranker struct {
	keyword KeywordSearcher
	vectors VectorSearcher
	encoder QueryEncoder
	cfg     RankerConfig
	logger  *slog.Logger
}

// NewRanker builds a Ranker. vectors and encoder may both be nil, in which
// case the vector tier is disabled for the Ranker's lifetime.
func NewRanker(keyword KeywordSearcher, vectors VectorSearcher, encoder QueryEncoder, cfg RankerConfig) *Ranker {
	if cfg.VectorTimeout <= 0 {
		cfg.VectorTimeout = defaultVectorTimeout
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	return &Ranker{
		keyword: keyword,
		vectors: vectors,
		encoder: encoder,
		cfg:     cfg,
		logger:  slog.Default().With("component", "ranker"),
	}
}

// VectorEnabled reports whether the vector tier is available.
func (r *Ranker) VectorEnabled() bool {
	return r.vectors != nil && r.encoder != nil
}

// Search returns up to q.Limit fused results.
func (r *Ranker) Search(ctx context.Context, q Query) ([]Ranked, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		return nil, nil
	}
	mode, _ := ParseMode(string(q.Mode))

	runKeyword, runVector := r.plan(mode, q.UseVector)
	depth := CandidateDepth(q.Limit)

	var kw, vec []Hit
	var g errgroup.Group
	if runKeyword {
		g.Go(func() error {
			kw = r.keywordLeg(ctx, q.Text, depth)
			return nil
		})
	}
	if runVector {
		g.Go(func() error {
			vec = r.vectorLeg(ctx, q.Text, depth)
			return nil
		})
	}
	g.Wait()

	fused := Fuse(r.cfg.RRFK, kw, vec)
	if len(fused) > q.Limit {
		fused = fused[:q.Limit]
	}
	r.logger.Debug("search",
		"mode", mode, "keyword_hits", len(kw), "vector_hits", len(vec), "results", len(fused))
	return fused, nil
}

// plan decides which legs run for mode.
func (r *Ranker) plan(mode Mode, useVector bool) (keyword, vector bool) {
	enabled := r.VectorEnabled()
	switch mode {
	case ModeKeyword:
		return true, false
	case ModeSemantic:
		return false, enabled
	case ModeHybrid:
		return true, enabled
	default:
		return true, enabled && useVector
	}
}

func (r *Ranker) keywordLeg(ctx context.Context, text string, depth int) []Hit {
	hits, err := r.keyword.Search(ctx, text, depth)
	if err != nil {
		r.logger.Warn("keyword tier failed", "error", err)
		return nil
	}
	return hits
}

// vectorLeg embeds and searches under VectorTimeout. The deadline holds even
// if the encoder ignores ctx; a late result is discarded.
func (r *Ranker) vectorLeg(ctx context.Context, text string, depth int) []Hit {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.VectorTimeout)
	defer cancel()

	type result struct {
		hits []Hit
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := r.encoder.EmbedQuery(ctx, text)
		if err != nil {
			ch <- result{err: err}
			return
		}
		hits, err := r.vectors.Search(ctx, v, depth)
		ch <- result{hits: hits, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			r.logger.Warn("vector tier failed", "error", res.err)
			return nil
		}
		return res.hits
	case <-ctx.Done():
		r.logger.Warn("vector tier timed out", "timeout", r.cfg.VectorTimeout, "error", ctx.Err())
		return nil
	}
}
