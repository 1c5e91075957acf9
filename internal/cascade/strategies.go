package cascade

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/tenderai/tenderd/internal/files"
	"github.com/tenderai/tenderd/internal/retrieval"
	"github.com/tenderai/tenderd/internal/storage"
)

// Tier names.
const (
	TierFusion  = "fusion"
	TierKeyword = "keyword"
	TierSummary = "summary"
	TierListing = "listing"
)

// DefaultContentChars caps the content of a single reference.
const DefaultContentChars = 3000

// Searcher is satisfied by *retrieval.Ranker.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Ranked, error)
}

// Hydrator is satisfied by *storage.Store.
type Hydrator interface {
	GetProposals(ctx context.Context, ids []int64) ([]storage.ProposalRecord, error)
}

// Library is satisfied by *files.Library.
type Library interface {
	ListFolders() ([]string, error)
	ReadSummary(name string) (string, error)
	Folder(name string) (files.Folder, error)
	ReadFile(folder, file string) (string, error)
}

// rankedStrategy serves the fusion and keyword tiers from the index.
type rankedStrategy struct {
	name     string
	mode     retrieval.Mode
	searcher Searcher
	hydrator Hydrator
	maxChars int
}

// NewFusionStrategy answers from hybrid keyword+vector search.
func NewFusionStrategy(s Searcher, h Hydrator, maxChars int) Strategy {
	return &rankedStrategy{name: TierFusion, mode: retrieval.ModeHybrid, searcher: s, hydrator: h, maxChars: orDefault(maxChars)}
}

// NewKeywordStrategy answers from keyword search only.
func NewKeywordStrategy(s Searcher, h Hydrator, maxChars int) Strategy {
	return &rankedStrategy{name: TierKeyword, mode: retrieval.ModeKeyword, searcher: s, hydrator: h, maxChars: orDefault(maxChars)}
}

func (r *rankedStrategy) Name() string { return r.name }

func (r *rankedStrategy) Retrieve(ctx context.Context, query string, limit int) ([]Reference, error) {
	ranked, err := r.searcher.Search(ctx, retrieval.Query{Text: query, Limit: limit, Mode: r.mode})
	if err != nil || len(ranked) == 0 {
		return nil, err
	}
	ids := make([]int64, len(ranked))
	scores := make(map[int64]float64, len(ranked))
	for i, rk := range ranked {
		ids[i] = rk.ID
		scores[rk.ID] = rk.Score
	}
	recs, err := r.hydrator.GetProposals(ctx, ids)
	if err != nil {
		return nil, err
	}
	refs := make([]Reference, len(recs))
	for i, rec := range recs {
		refs[i] = Reference{
			NaturalKey: rec.NaturalKey,
			Title:      rec.Title,
			Client:     rec.Client,
			Sector:     rec.Sector,
			Score:      scores[rec.ID],
			Content:    files.Truncate(files.RenderSummary(rec), r.maxChars),
		}
	}
	return refs, nil
}

// summaryStrategy scans the _summary.md files in the library.
type summaryStrategy struct {
	lib      Library
	maxChars int
}

// NewSummaryStrategy matches the query against each folder's summary file.
func NewSummaryStrategy(lib Library, maxChars int) Strategy {
	return &summaryStrategy{lib: lib, maxChars: orDefault(maxChars)}
}

func (s *summaryStrategy) Name() string { return TierSummary }

func (s *summaryStrategy) Retrieve(ctx context.Context, query string, limit int) ([]Reference, error) {
	folders, err := s.lib.ListFolders()
	if err != nil {
		return nil, err
	}
	var refs []Reference
	for _, name := range folders {
		if err := ctx.Err(); err != nil {
			return refs, err
		}
		content, err := s.lib.ReadSummary(name)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matches(content, query) {
			continue
		}
		refs = append(refs, Reference{
			NaturalKey: name,
			Title:      summaryTitle(content),
			Content:    files.Truncate(content, s.maxChars),
		})
		if limit > 0 && len(refs) == limit {
			break
		}
	}
	return refs, nil
}

// matches is a case-insensitive match of the whole query, or of every term.
func matches(content, query string) bool {
	c := strings.ToLower(content)
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}
	if strings.Contains(c, q) {
		return true
	}
	for _, term := range strings.Fields(q) {
		if !strings.Contains(c, term) {
			return false
		}
	}
	return true
}

func summaryTitle(content string) string {
	first, _, _ := strings.Cut(content, "\n")
	if t, ok := strings.CutPrefix(first, "# "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

// listingStrategy returns folders unranked, with a preview of their first
// readable file.
type listingStrategy struct {
	lib      Library
	maxChars int
}

// NewListingStrategy is the last resort: it ignores the query.
func NewListingStrategy(lib Library, maxChars int) Strategy {
	return &listingStrategy{lib: lib, maxChars: orDefault(maxChars)}
}

func (l *listingStrategy) Name() string { return TierListing }

func (l *listingStrategy) Retrieve(ctx context.Context, _ string, limit int) ([]Reference, error) {
	folders, err := l.lib.ListFolders()
	if err != nil {
		return nil, err
	}
	var refs []Reference
	for _, name := range folders {
		if err := ctx.Err(); err != nil {
			return refs, err
		}
		f, err := l.lib.Folder(name)
		if err != nil {
			continue
		}
		var b strings.Builder
		b.WriteString("Files: " + strings.Join(f.Files, ", "))
		for _, file := range f.Files {
			text, err := l.lib.ReadFile(name, file)
			if err == nil && strings.TrimSpace(text) != "" {
				b.WriteString("\n\n=== " + file + " ===\n" + text)
				break
			}
		}
		refs = append(refs, Reference{NaturalKey: name, Content: files.Truncate(b.String(), l.maxChars)})
		if limit > 0 && len(refs) == limit {
			break
		}
	}
	return refs, nil
}

func orDefault(n int) int {
	if n <= 0 {
		return DefaultContentChars
	}
	return n
}
