package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tenderai/tenderd/internal/storage"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Name() string { return "mock" }
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return true }

// queryEngine also implements engine.QueryEmbedder.
type queryEngine struct {
	mockEngine
	queries []string
}

func (q *queryEngine) EmbedQuery(_ context.Context, _ string, text string) ([]float32, error) {
	q.queries = append(q.queries, text)
	return []float32{0, 1}, nil
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, model string, _ string) ([]float32, error) {
			if model != "nomic-embed-text" {
				t.Errorf("model = %q", model)
			}
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "nomic-embed-text")

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
}

func TestEmbed_BackendError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	_, err := NewEmbedder(mock, "m").Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("err = %v, want wrapped backend error", err)
	}
}

func TestEmbed_EmptyVectorIsError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) { return nil, nil },
	}
	if _, err := NewEmbedder(mock, "m").Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestEmbedQuery_UsesQueryEmbedderWhenAvailable(t *testing.T) {
	qe := &queryEngine{mockEngine: mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			t.Error("document embedding used for a query")
			return nil, nil
		},
	}}
	vec, err := NewEmbedder(qe, "voyage-3-lite").EmbedQuery(context.Background(), "fiber")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec) != 2 || len(qe.queries) != 1 {
		t.Errorf("vec = %v, queries = %v", vec, qe.queries)
	}
}

func TestEmbedQuery_FallsBackToEmbed(t *testing.T) {
	calls := 0
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			calls++
			return []float32{1}, nil
		},
	}
	if _, err := NewEmbedder(mock, "m").EmbedQuery(context.Background(), "fiber"); err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if calls != 1 {
		t.Errorf("Embed calls = %d, want 1", calls)
	}
}

func TestDocumentText(t *testing.T) {
	rec := storage.ProposalRecord{
		Title:            "Backbone upgrade",
		Client:           "Telco",
		Sector:           "",
		TechnicalSummary: "DWDM over fiber",
		Keywords:         []string{"fiber", "dwdm"},
		FullSummary:      "Full text",
		PricingSummary:   "not embedded",
	}
	got := DocumentText(rec)
	want := "Backbone upgrade Telco DWDM over fiber fiber dwdm Full text"
	if got != want {
		t.Errorf("DocumentText = %q, want %q", got, want)
	}

	rec.FullSummary = strings.Repeat("é", maxDocumentChars*2)
	if n := len([]rune(DocumentText(rec))); n != maxDocumentChars {
		t.Errorf("truncated length = %d runes, want %d", n, maxDocumentChars)
	}
}
