package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tenderai/tenderd/internal/cascade"
	"github.com/tenderai/tenderd/internal/composer"
	"github.com/tenderai/tenderd/internal/engine"
	"github.com/tenderai/tenderd/internal/files"
	"github.com/tenderai/tenderd/internal/index"
	"github.com/tenderai/tenderd/internal/retrieval"
	"github.com/tenderai/tenderd/internal/storage"
)

// DefaultContextLimit is the number of references GetContext returns.
const DefaultContextLimit = 3

// Options tunes a Service. Zero values select defaults.
type Options struct {
	// EmbedModel names the model passed to the engine. Required when an
	// engine is supplied.
	EmbedModel string
	// Dimensions, when positive, is enforced on stored vectors.
	Dimensions int

	VectorTimeout    time.Duration
	RRFK             int
	TierTimeout      time.Duration
	ContextLimit     int
	ContextChars     int
	MaxContextTokens int
}

// SearchResult is a hydrated search hit.
type SearchResult struct {
	storage.ProposalRecord
	Score       float64 `json:"score"`
	KeywordRank int     `json:"keyword_rank,omitempty"`
	VectorRank  int     `json:"vector_rank,omitempty"`
}

// ContextResult is the grounding context for a drafting request.
type ContextResult struct {
	Tier       string              `json:"tier"`
	References []cascade.Reference `json:"references"`
	Prompt     string              `json:"prompt"`
}

// Stats summarises the index.
type Stats struct {
	storage.ProposalStats
	VectorSearchAvailable bool   `json:"vector_search_available"`
	EmbeddingBackend      string `json:"embedding_backend,omitempty"`
	PendingBackfills      int    `json:"pending_backfills"`
}

// SaveInput is a proposal to persist. The file list is derived from the
// library folder when one exists under NaturalKey.
type SaveInput = storage.ProposalRecord

// Service is the single entry point used by the HTTP, MCP and CLI surfaces.
type Service struct {
	store    *storage.Store
	library  *files.Library
	engine   engine.Engine
	indexer  *index.Indexer
	ranker   *retrieval.Ranker
	cascade  *cascade.Cascade
	composer *composer.Composer
	opts     Options
	logger   *slog.Logger
}

// New wires a Service. eng may be nil, in which case the vector tier is
// disabled for the Service's lifetime.
func New(store *storage.Store, library *files.Library, eng engine.Engine, opts Options) *Service {
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = DefaultContextLimit
	}
	if opts.ContextChars <= 0 {
		opts.ContextChars = cascade.DefaultContentChars
	}

	keyword := retrieval.NewKeywordIndex(store.DB())

	var (
		vectors  *retrieval.SQLiteStore
		embedder *retrieval.Embedder
		ranker   *retrieval.Ranker
		idx      *index.Indexer
	)
	cfg := retrieval.RankerConfig{VectorTimeout: opts.VectorTimeout, RRFK: opts.RRFK}
	if eng != nil {
		vectors = retrieval.NewSQLiteStore(store.DB(), opts.Dimensions)
		embedder = retrieval.NewEmbedder(eng, opts.EmbedModel)
		ranker = retrieval.NewRanker(keyword, vectors, embedder, cfg)
		idx = index.New(store, keyword, vectors, embedder)
	} else {
		ranker = retrieval.NewRanker(keyword, nil, nil, cfg)
		idx = index.New(store, keyword, nil, nil)
	}

	var tiers []cascade.Strategy
	if ranker.VectorEnabled() {
		tiers = append(tiers, cascade.NewFusionStrategy(ranker, store, opts.ContextChars))
	}
	tiers = append(tiers,
		cascade.NewKeywordStrategy(ranker, store, opts.ContextChars),
		cascade.NewSummaryStrategy(library, opts.ContextChars),
		cascade.NewListingStrategy(library, opts.ContextChars),
	)

	logger := slog.Default().With("component", "pipeline")
	if eng == nil {
		logger.Info("no embedding backend, vector search disabled")
	}

	return &Service{
		store:    store,
		library:  library,
		engine:   eng,
		indexer:  idx,
		ranker:   ranker,
		cascade:  cascade.New(opts.TierTimeout, tiers...),
		composer: composer.New(opts.MaxContextTokens),
		opts:     opts,
		logger:   logger,
	}
}

// Indexer exposes the sync mediator for the backfill worker.
func (s *Service) Indexer() *index.Indexer { return s.indexer }

// VectorEnabled reports whether semantic search is available.
func (s *Service) VectorEnabled() bool { return s.ranker.VectorEnabled() }

// Tiers lists the context cascade in order.
func (s *Service) Tiers() []string { return s.cascade.Tiers() }

// Index inserts or updates rec by natural key.
func (s *Service) Index(ctx context.Context, rec storage.ProposalRecord) (int64, error) {
	return s.indexer.Index(ctx, rec)
}

// Delete removes a proposal from the index. The folder on disk is untouched.
func (s *Service) Delete(ctx context.Context, naturalKey string) error {
	return s.indexer.Delete(ctx, naturalKey)
}

// Get returns one indexed proposal.
func (s *Service) Get(ctx context.Context, naturalKey string) (storage.ProposalRecord, error) {
	return s.store.GetProposalByKey(ctx, naturalKey)
}

// Search runs a hybrid search in auto mode.
func (s *Service) Search(ctx context.Context, query string, limit int, useVector bool) ([]SearchResult, error) {
	return s.SearchWithOptions(ctx, retrieval.Query{Text: query, Limit: limit, UseVector: useVector})
}

// SearchWithOptions runs q and hydrates the fused ids into records. A sector
// filter over-fetches by a factor of two before filtering.
func (s *Service) SearchWithOptions(ctx context.Context, q retrieval.Query) ([]SearchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if q.Limit == 0 {
		return []SearchResult{}, nil
	}
	limit := q.Limit
	sector := strings.ToLower(strings.TrimSpace(q.Sector))
	if sector != "" {
		q.Limit = retrieval.CandidateDepth(limit)
	}

	ranked, err := s.ranker.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return []SearchResult{}, nil
	}

	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	recs, err := s.store.GetProposals(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading search results: %w", err)
	}
	byID := make(map[int64]storage.ProposalRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	out := make([]SearchResult, 0, len(ranked))
	for _, r := range ranked {
		rec, ok := byID[r.ID]
		if !ok {
			continue
		}
		if sector != "" && !strings.Contains(strings.ToLower(rec.Sector), sector) {
			continue
		}
		out = append(out, SearchResult{
			ProposalRecord: rec,
			Score:          r.Score,
			KeywordRank:    r.KeywordRank,
			VectorRank:     r.VectorRank,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetContext runs the fallback cascade and packs the winning references
// into a prompt block. Only an empty query is an error.
func (s *Service) GetContext(ctx context.Context, query string) (ContextResult, error) {
	if strings.TrimSpace(query) == "" {
		return ContextResult{}, &retrieval.ValidationError{Field: "query", Err: retrieval.ErrEmptyQuery}
	}
	res := s.cascade.Run(ctx, query, s.opts.ContextLimit)
	s.logger.Debug("context resolved", "tier", res.Tier, "references", len(res.References))
	return ContextResult{
		Tier:       res.Tier,
		References: res.References,
		Prompt:     s.composer.Compose(res.Tier, res.References),
	}, nil
}

// ListIndexed pages through the index, most recently updated first.
func (s *Service) ListIndexed(ctx context.Context, offset, limit int) ([]storage.ProposalRecord, error) {
	if offset < 0 || limit < 0 {
		return nil, &retrieval.ValidationError{Field: "limit", Err: retrieval.ErrNegativeLimit}
	}
	return s.store.ListProposals(ctx, offset, limit)
}

// Stats aggregates the index and reports the vector capability.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	ps, err := s.store.ProposalStats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("computing stats: %w", err)
	}
	pending, err := s.store.CountJobs(ctx, storage.JobVectorBackfill, "pending")
	if err != nil {
		return Stats{}, fmt.Errorf("counting backfill jobs: %w", err)
	}
	st := Stats{ProposalStats: ps, VectorSearchAvailable: s.VectorEnabled(), PendingBackfills: pending}
	if s.engine != nil {
		st.EmbeddingBackend = s.engine.Name()
	}
	return st, nil
}

// PrepareFolder extracts the text of a proposal folder for summarisation.
func (s *Service) PrepareFolder(ctx context.Context, name string) (files.FolderContent, error) {
	return s.library.ReadFolder(ctx, name)
}

// SaveProposal writes the folder's _summary.md and indexes the record. The
// summary is derived data, so a failed write is logged and indexing proceeds.
func (s *Service) SaveProposal(ctx context.Context, in SaveInput) (int64, error) {
	rec := in
	if err := index.Validate(&rec); err != nil {
		return 0, err
	}

	folderExists := s.library.Exists(rec.NaturalKey)
	if folderExists {
		f, err := s.library.Folder(rec.NaturalKey)
		switch {
		case err == nil:
			if len(rec.FileList) == 0 {
				rec.FileList = f.Files
			}
			rec.FileCount = len(rec.FileList)
		case errors.Is(err, files.ErrFolderNotFound):
			folderExists = false
		default:
			s.logger.Warn("listing folder failed", "key", rec.NaturalKey, "error", err)
		}
	}

	if folderExists {
		if err := s.library.WriteSummary(rec.NaturalKey, files.RenderSummary(rec)); err != nil {
			s.logger.Warn("writing summary failed", "key", rec.NaturalKey, "error", err)
		}
	}

	return s.indexer.Index(ctx, rec)
}
