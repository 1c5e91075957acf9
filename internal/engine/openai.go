package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIEngine embeds through any OpenAI-compatible /embeddings endpoint
// (OpenAI itself, LM Studio, vLLM, llama.cpp server) via langchaingo.
// The model is fixed at construction; the model argument of Embed is ignored.
type OpenAIEngine struct {
	embedder embeddings.Embedder
	baseURL  string
}

// NewOpenAIEngine builds the langchaingo client. token may be empty for
// local servers that do not check it.
func NewOpenAIEngine(baseURL, token, model string) (*OpenAIEngine, error) {
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &OpenAIEngine{embedder: emb, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (e *OpenAIEngine) Name() string { return "openai" }

func (e *OpenAIEngine) Embed(ctx context.Context, _ string, text string) ([]float32, error) {
	vecs, err := e.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedder returned no vectors")
	}
	return vecs[0], nil
}

func (e *OpenAIEngine) EmbedQuery(ctx context.Context, _ string, text string) ([]float32, error) {
	return e.embedder.EmbedQuery(ctx, text)
}

// IsRunning probes GET {base}/models for local servers. Without a custom
// base URL the hosted API is assumed reachable.
func (e *OpenAIEngine) IsRunning(ctx context.Context) bool {
	if e.baseURL == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
