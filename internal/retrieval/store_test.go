package retrieval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tenderai/tenderd/internal/storage"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-8}
	out, err := decodeFloat32s(encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestVectorSearch_NearestFirst(t *testing.T) {
	s := openStore(t)
	vs := NewSQLiteStore(s.DB(), 3)

	a := put(t, s, storage.ProposalRecord{NaturalKey: "A"}, baseTime, []float32{1, 0, 0})
	b := put(t, s, storage.ProposalRecord{NaturalKey: "B"}, baseTime, []float32{0.7, 0.7, 0})
	c := put(t, s, storage.ProposalRecord{NaturalKey: "C"}, baseTime, []float32{0, 0, 1})

	hits, err := vs.Search(context.Background(), []float32{1, 0.1, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if want := []int64{a.ID, b.ID, c.ID}; !equalIDs(ids(hits), want) {
		t.Errorf("order = %v, want %v", ids(hits), want)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %v", hits)
	}
	if !hits[0].UpdatedAt.Equal(baseTime) {
		t.Errorf("UpdatedAt = %v, want %v", hits[0].UpdatedAt, baseTime)
	}
}

func TestVectorSearch_TopKAndTies(t *testing.T) {
	s := openStore(t)
	vs := NewSQLiteStore(s.DB(), 0)

	// Identical vectors: ties resolve newest first, then lowest id.
	old := put(t, s, storage.ProposalRecord{NaturalKey: "old"}, baseTime, []float32{1, 1})
	newer := put(t, s, storage.ProposalRecord{NaturalKey: "newer"}, baseTime.Add(time.Hour), []float32{1, 1})
	same := put(t, s, storage.ProposalRecord{NaturalKey: "same"}, baseTime, []float32{1, 1})

	hits, err := vs.Search(context.Background(), []float32{2, 2}, 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if want := []int64{newer.ID, old.ID, same.ID}; !equalIDs(ids(hits), want) {
		t.Errorf("order = %v, want %v", ids(hits), want)
	}

	// The top-K cut applies the same order: the newer record survives
	// even though it has the higher id.
	hits, err = vs.Search(context.Background(), []float32{2, 2}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if want := []int64{newer.ID}; !equalIDs(ids(hits), want) {
		t.Errorf("topK=1 = %v, want %v", ids(hits), want)
	}

	hits, err = vs.Search(context.Background(), []float32{2, 2}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if want := []int64{newer.ID, old.ID}; !equalIDs(ids(hits), want) {
		t.Errorf("topK=2 = %v, want %v", ids(hits), want)
	}
}

func TestVectorSearch_EmptyCases(t *testing.T) {
	s := openStore(t)
	vs := NewSQLiteStore(s.DB(), 0)
	ctx := context.Background()

	hits, err := vs.Search(ctx, []float32{1, 0}, 5)
	if err != nil || len(hits) != 0 {
		t.Fatalf("empty table: hits=%v err=%v", hits, err)
	}

	put(t, s, storage.ProposalRecord{NaturalKey: "A"}, baseTime, []float32{1, 0})
	if hits, _ := vs.Search(ctx, []float32{0, 0}, 5); len(hits) != 0 {
		t.Errorf("zero-norm query returned %v", hits)
	}
	if hits, _ := vs.Search(ctx, []float32{1, 0, 0}, 5); len(hits) != 0 {
		t.Errorf("dimension mismatch returned %v", hits)
	}
	if hits, _ := vs.Search(ctx, []float32{1, 0}, 0); len(hits) != 0 {
		t.Errorf("topK=0 returned %v", hits)
	}
}

func TestVectorSearch_Cancelled(t *testing.T) {
	s := openStore(t)
	vs := NewSQLiteStore(s.DB(), 0)
	for i := 0; i < cancelCheckEvery+1; i++ {
		put(t, s, storage.ProposalRecord{NaturalKey: fmt.Sprintf("k%03d", i)}, baseTime, []float32{1, float32(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := vs.Search(ctx, []float32{1, 0}, 5); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestReplace_DimensionCheckAndOverwrite(t *testing.T) {
	s := openStore(t)
	vs := NewSQLiteStore(s.DB(), 2)
	ctx := context.Background()
	rec := put(t, s, storage.ProposalRecord{NaturalKey: "A"}, baseTime, nil)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return vs.Replace(ctx, tx, rec.ID, []float32{1, 2, 3}, "m", baseTime)
	})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}

	for _, v := range [][]float32{{1, 0}, {0, 1}} {
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return vs.Replace(ctx, tx, rec.ID, v, "m", baseTime)
		})
		if err != nil {
			t.Fatalf("Replace: %v", err)
		}
	}
	if n, _ := vs.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	hits, _ := vs.Search(ctx, []float32{0, 1}, 1)
	if len(hits) != 1 || hits[0].Score < 0.99 {
		t.Errorf("latest vector not stored: %v", hits)
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error { return vs.Remove(ctx, tx, rec.ID) })
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := vs.Has(ctx, rec.ID); ok {
		t.Error("vector still present after Remove")
	}
}

func TestReplace_RolledBackWithTx(t *testing.T) {
	s := openStore(t)
	vs := NewSQLiteStore(s.DB(), 0)
	ctx := context.Background()
	rec := put(t, s, storage.ProposalRecord{NaturalKey: "A"}, baseTime, nil)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := vs.Replace(ctx, tx, rec.ID, []float32{1}, "m", baseTime); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if ids, _ := vs.RecordIDs(ctx); len(ids) != 0 {
		t.Errorf("vector persisted after rollback: %v", ids)
	}
}
