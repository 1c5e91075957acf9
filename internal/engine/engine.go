package engine

import "context"

// Engine abstracts an embedding backend (Ollama, Voyage AI, or any
// OpenAI-compatible server). The retrieval and index packages use this
// interface instead of depending on a concrete client.
type Engine interface {
	// Name identifies the backend in logs and status output.
	Name() string

	// Embed returns the document embedding for text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool
}

// QueryEmbedder is implemented by backends that embed search queries
// differently from stored documents.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, model string, text string) ([]float32, error)
}

// ModelPuller is implemented by backends that host models locally and can
// download missing ones.
type ModelPuller interface {
	HasModel(ctx context.Context, name string) bool
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// PullProgress reports the progress of a model download.
type PullProgress struct {
	Status    string
	Total     int64
	Completed int64
}
