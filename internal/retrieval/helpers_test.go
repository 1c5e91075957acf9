package retrieval

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/tenderai/tenderd/internal/storage"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// put upserts rec and its keyword entry at now, plus a vector when vec is non-nil.
func put(t *testing.T, s *storage.Store, rec storage.ProposalRecord, now time.Time, vec []float32) storage.ProposalRecord {
	t.Helper()
	ctx := context.Background()
	kw := NewKeywordIndex(s.DB())
	vs := NewSQLiteStore(s.DB(), 0)

	var out storage.ProposalRecord
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if out, err = s.UpsertProposalTx(ctx, tx, rec, now); err != nil {
			return err
		}
		if err := kw.Replace(ctx, tx, out); err != nil {
			return err
		}
		if vec != nil {
			return vs.Replace(ctx, tx, out.ID, vec, "test", now)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("put(%s): %v", rec.NaturalKey, err)
	}
	return out
}

func ids(hits []Hit) []int64 {
	out := make([]int64, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func rankedIDs(rs []Ranked) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
