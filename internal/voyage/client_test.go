package voyage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEmbeddings(w http.ResponseWriter, vecs ...[]float32) {
	type item struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	resp := struct {
		Data []item `json:"data"`
	}{}
	// Reverse order on the wire; the client must sort by index.
	for i := len(vecs) - 1; i >= 0; i-- {
		resp.Data = append(resp.Data, item{Embedding: vecs[i], Index: i})
	}
	json.NewEncoder(w).Encode(resp)
}

func TestEmbed_SendsInputTypeAndOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer vk-test", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "voyage-3-lite", req.Model)
		assert.Equal(t, InputQuery, req.InputType)
		assert.Equal(t, 512, req.OutputDimension)
		assert.Len(t, req.Input, 2)

		writeEmbeddings(w, []float32{1, 0}, []float32{0, 1})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("vk-test", srv.URL, 512)
	vecs, err := c.Embed(context.Background(), "voyage-3-lite", []string{"a", "b"}, InputQuery)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
}

func TestEmbed_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeEmbeddings(w, []float32{0.5})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL, 0)
	vecs, err := c.Embed(context.Background(), "voyage-3-lite", []string{"x"}, InputDocument)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5}}, vecs)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbed_DoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"detail":"invalid api key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("bad", srv.URL, 0)
	_, err := c.Embed(context.Background(), "voyage-3-lite", []string{"x"}, InputDocument)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbed_EmptyInput(t *testing.T) {
	c := NewClientWithBaseURL("k", "http://127.0.0.1:0", 0)
	vecs, err := c.Embed(context.Background(), "m", nil, InputDocument)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbed_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEmbeddings(w, []float32{1})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("k", srv.URL, 0)
	_, err := c.Embed(context.Background(), "m", []string{"a", "b"}, InputDocument)
	require.Error(t, err)
}
