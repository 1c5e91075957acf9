package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/tenderai/tenderd/internal/engine"
	"github.com/tenderai/tenderd/internal/storage"
)

// maxDocumentChars bounds the text sent to the embedding backend.
const maxDocumentChars = 8000

// Embedder wraps an Engine to generate text embeddings with a fixed model.
type Embedder struct {
	engine engine.Engine
	model  string
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Model returns the model name recorded alongside stored vectors.
func (e *Embedder) Model() string { return e.model }

// Embed returns the document embedding for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: backend %s returned an empty vector", e.engine.Name())
	}
	return vec, nil
}

// EmbedQuery returns the query embedding for text. Backends that do not
// distinguish queries from documents fall back to Embed.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	qe, ok := e.engine.(engine.QueryEmbedder)
	if !ok {
		return e.Embed(ctx, text)
	}
	vec, err := qe.EmbedQuery(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vec, nil
}

// DocumentText is the text embedded for a proposal: the descriptive fields
// joined by spaces and cut to maxDocumentChars runes.
func DocumentText(rec storage.ProposalRecord) string {
	parts := []string{
		rec.Title,
		rec.Client,
		rec.Sector,
		rec.TechnicalSummary,
		strings.Join(rec.Keywords, " "),
		rec.FullSummary,
	}
	var b strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	text := b.String()
	if r := []rune(text); len(r) > maxDocumentChars {
		text = string(r[:maxDocumentChars])
	}
	return text
}
