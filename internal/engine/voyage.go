package engine

import (
	"context"
	"fmt"

	"github.com/tenderai/tenderd/internal/voyage"
)

// VoyageEngine embeds through the hosted Voyage AI API.
type VoyageEngine struct {
	client *voyage.Client
}

// NewVoyageEngine wraps an existing Voyage client.
func NewVoyageEngine(client *voyage.Client) *VoyageEngine {
	return &VoyageEngine{client: client}
}

func (e *VoyageEngine) Name() string { return "voyage" }

func (e *VoyageEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.embed(ctx, model, text, voyage.InputDocument)
}

func (e *VoyageEngine) EmbedQuery(ctx context.Context, model string, text string) ([]float32, error) {
	return e.embed(ctx, model, text, voyage.InputQuery)
}

// IsRunning is true for a hosted API; key problems surface on the first call.
func (e *VoyageEngine) IsRunning(context.Context) bool { return true }

func (e *VoyageEngine) embed(ctx context.Context, model, text string, inputType voyage.InputType) ([]float32, error) {
	vecs, err := e.client.Embed(ctx, model, []string{text}, inputType)
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("voyage returned no embedding")
	}
	return vecs[0], nil
}
