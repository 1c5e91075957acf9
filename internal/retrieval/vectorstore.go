package retrieval

import (
	"context"
	"time"
)

// Hit is one result of a single-tier query. Score is tier-specific (negated
// bm25 for keyword, cosine similarity for vector); higher is better within a
// list but scores are not comparable across tiers.
type Hit struct {
	ID        int64
	Score     float64
	UpdatedAt time.Time
}

// Ranked is a fused result. KeywordRank and VectorRank are the 1-based
// positions in the source lists, 0 when the id was absent from that list.
type Ranked struct {
	ID          int64     `json:"id"`
	Score       float64   `json:"score"`
	KeywordRank int       `json:"keyword_rank,omitempty"`
	VectorRank  int       `json:"vector_rank,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KeywordSearcher runs lexical queries. KeywordIndex is the production
// implementation.
type KeywordSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Hit, error)
}

// VectorSearcher runs nearest-neighbour queries. SQLiteStore is the
// production implementation.
//
// When the vector count grows past what a brute-force scan can serve, an
// ANN-backed implementation can replace SQLiteStore behind this interface.
type VectorSearcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Hit, error)
}

// QueryEncoder turns query text into a vector in the same space as the
// indexed documents.
type QueryEncoder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
