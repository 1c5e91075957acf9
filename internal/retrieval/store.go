package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/tenderai/tenderd/internal/storage"
)

// Compile-time check that SQLiteStore implements VectorSearcher.
var _ VectorSearcher = (*SQLiteStore)(nil)

// cancelCheckEvery is how many rows the scan reads between context checks.
const cancelCheckEvery = 256

// SQLiteStore provides vector storage and brute-force cosine similarity search
// over the proposal_vectors table. There is at most one vector per proposal.
type SQLiteStore struct {
	db   *sql.DB
	dims int
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations. When dims
// is positive, Replace rejects vectors of any other length.
func NewSQLiteStore(db *sql.DB, dims int) *SQLiteStore {
	return &SQLiteStore{db: db, dims: dims}
}

// Replace stores vec as the embedding for recordID, overwriting any previous one.
func (s *SQLiteStore) Replace(ctx context.Context, tx *sql.Tx, recordID int64, vec []float32, model string, now time.Time) error {
	if len(vec) == 0 {
		return fmt.Errorf("vector for record %d is empty", recordID)
	}
	if s.dims > 0 && len(vec) != s.dims {
		return fmt.Errorf("vector for record %d has %d dimensions, want %d", recordID, len(vec), s.dims)
	}
	if err := s.Remove(ctx, tx, recordID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_vectors (record_id, embedding, dims, model, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		recordID, encodeFloat32s(vec), len(vec), model, storage.FormatTime(now))
	if err != nil {
		return fmt.Errorf("inserting vector %d: %w", recordID, err)
	}
	return nil
}

// Remove deletes the vector for recordID. Removing an absent vector is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, tx *sql.Tx, recordID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM proposal_vectors WHERE record_id = ?`, recordID); err != nil {
		return fmt.Errorf("deleting vector %d: %w", recordID, err)
	}
	return nil
}

// Has reports whether recordID has a stored vector.
func (s *SQLiteStore) Has(ctx context.Context, recordID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposal_vectors WHERE record_id = ?`, recordID).Scan(&n)
	return n > 0, err
}

// Count returns the number of stored vectors.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposal_vectors`).Scan(&n)
	return n, err
}

// RecordIDs returns the ids of every record with a vector, ascending.
func (s *SQLiteStore) RecordIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_id FROM proposal_vectors ORDER BY record_id`)
	if err != nil {
		return nil, fmt.Errorf("listing vector ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// idScore holds the ranking fields kept during the scan phase of Search.
// Updated is the stored fixed-width timestamp, so it orders lexically.
type idScore struct {
	ID      int64
	Score   float64
	Updated string
}

// Search performs brute-force cosine similarity search over all vectors,
// returning the top-K nearest records. Ties are broken by updated_at DESC,
// then id ASC. Vectors whose length differs from the query are skipped, as
// are vectors with no proposal row.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	top, err := s.scan(ctx, vector, queryNorm, topK)
	if err != nil || len(top) == 0 {
		return nil, err
	}

	hits := make([]Hit, len(top))
	for i, c := range top {
		t, err := storage.ParseTime(c.Updated)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at for %d: %w", c.ID, err)
		}
		hits[i] = Hit{ID: c.ID, Score: c.Score, UpdatedAt: t}
	}
	return hits, nil
}

// scan reads id, updated_at and embedding and keeps the topK best candidates.
func (s *SQLiteStore) scan(ctx context.Context, vector []float32, queryNorm float64, topK int) ([]idScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.record_id, p.updated_at, v.embedding
		FROM proposal_vectors v
		JOIN proposals p ON p.id = v.record_id`)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	n := 0
	for rows.Next() {
		n++
		if n%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		var id int64
		var updated string
		var blob []byte
		if err := rows.Scan(&id, &updated, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %d: %w", id, err)
		}
		if len(buf) != len(vector) {
			continue
		}

		c := idScore{ID: id, Score: cosine(vector, buf, queryNorm), Updated: updated}
		if h.Len() < topK {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	out := make([]idScore, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(idScore)
	}
	return out, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is the precomputed L2 norm of a.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bNormSq))
}

// worse reports whether a ranks below b under score DESC, updated_at DESC,
// id ASC.
func worse(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Updated != b.Updated {
		return a.Updated < b.Updated
	}
	return a.ID > b.ID
}

// idScoreHeap is a min-heap with the worst candidate at the root.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
