package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.voyageai.com/v1"
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// InputType tells Voyage whether the text is a stored document or a search
// query; the two are embedded slightly differently.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// Client calls the Voyage AI embeddings endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	dimensions int
	httpClient *http.Client
}

// NewClient creates a Voyage client. dimensions > 0 requests a specific
// output dimension from models that support it.
func NewClient(apiKey string, dimensions int) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewClientWithBaseURL(apiKey, baseURL string, dimensions int) *Client {
	c := NewClient(apiKey, dimensions)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type embedRequest struct {
	Input           []string  `json:"input"`
	Model           string    `json:"model"`
	InputType       InputType `json:"input_type,omitempty"`
	OutputDimension int       `json:"output_dimension,omitempty"`
	Truncation      bool      `json:"truncation"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns one vector per input text, in input order. Rate limits and
// server errors are retried with exponential backoff.
func (c *Client) Embed(ctx context.Context, model string, texts []string, inputType InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{
		Input:           texts,
		Model:           model,
		InputType:       inputType,
		OutputDimension: c.dimensions,
		Truncation:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		vecs, err := c.doEmbed(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		if !isRetryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("voyage embed failed after %d attempts: %w", maxRetries, lastErr)
}

// statusError is returned for non-200 responses.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.status == http.StatusTooManyRequests || se.status >= 500
}

func (c *Client) doEmbed(ctx context.Context, body []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(out.Data) != want {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(out.Data), want)
	}

	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

// Ping checks that the key is accepted by embedding a one-word document.
func (c *Client) Ping(ctx context.Context, model string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.Embed(ctx, model, []string{"ping"}, InputDocument)
	return err
}
