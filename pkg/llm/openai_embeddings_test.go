package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingsServer answers /embeddings with handle and counts requests.
func embeddingsServer(t *testing.T, handle func(w http.ResponseWriter, req OpenAIEmbeddingsRequest)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req OpenAIEmbeddingsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		handle(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestOpenAIClient(t *testing.T, baseURL string, dims int) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIClient(OpenAIConfig{
		APIKey:     "sk-test",
		BaseURL:    baseURL,
		Dimensions: dims,
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestOpenAIClient_EmbedBatch_RestoresInputOrder(t *testing.T) {
	srv, calls := embeddingsServer(t, func(w http.ResponseWriter, req OpenAIEmbeddingsRequest) {
		inputs, ok := req.Input.([]interface{})
		require.True(t, ok, "batch input is sent as an array")
		assert.Len(t, inputs, 3)
		assert.Equal(t, 4, req.Dimensions)

		// The API may return items out of order; Index is authoritative.
		_ = json.NewEncoder(w).Encode(OpenAIEmbeddingsResponse{
			Model: req.Model,
			Data: []OpenAIEmbeddingData{
				{Index: 2, Embedding: []float64{2, 2, 2, 2}},
				{Index: 0, Embedding: []float64{0, 0, 0, 0}},
				{Index: 1, Embedding: []float64{1, 1, 1, 1}},
			},
		})
	})

	c := newTestOpenAIClient(t, srv.URL, 4)
	vecs, err := c.EmbedBatch(context.Background(), []string{"zero", "one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, []float32{float32(i), float32(i), float32(i), float32(i)}, v)
	}
	assert.Equal(t, int32(1), calls.Load(), "one request per batch")
}

func TestOpenAIClient_EmbedBatch_CountMismatch(t *testing.T) {
	srv, _ := embeddingsServer(t, func(w http.ResponseWriter, req OpenAIEmbeddingsRequest) {
		_ = json.NewEncoder(w).Encode(OpenAIEmbeddingsResponse{
			Data: []OpenAIEmbeddingData{{Index: 0, Embedding: []float64{1}}},
		})
	})

	_, err := newTestOpenAIClient(t, srv.URL, 1).EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 embeddings, got 1")
}

func TestOpenAIClient_EmptyResponse(t *testing.T) {
	srv, _ := embeddingsServer(t, func(w http.ResponseWriter, req OpenAIEmbeddingsRequest) {
		_ = json.NewEncoder(w).Encode(OpenAIEmbeddingsResponse{Data: []OpenAIEmbeddingData{}})
	})

	_, err := newTestOpenAIClient(t, srv.URL, 1).Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embeddings in response")
}

func TestOpenAIClient_InvalidRequestIsPermanent(t *testing.T) {
	srv, _ := embeddingsServer(t, func(w http.ResponseWriter, req OpenAIEmbeddingsRequest) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"dimensions too large","type":"invalid_request_error"}}`))
	})

	_, err := newTestOpenAIClient(t, srv.URL, 99999).Embed(context.Background(), "text")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "dimensions too large", apiErr.Message)
	assert.False(t, apiErr.Temporary())

	var rlErr *RateLimitError
	assert.False(t, errors.As(err, &rlErr))
}

func TestOpenAIClient_PacingHonoursContext(t *testing.T) {
	srv, calls := embeddingsServer(t, func(w http.ResponseWriter, req OpenAIEmbeddingsRequest) {
		_ = json.NewEncoder(w).Encode(OpenAIEmbeddingsResponse{
			Data: []OpenAIEmbeddingData{{Embedding: []float64{1}}},
		})
	})

	c, err := NewOpenAIClient(OpenAIConfig{
		APIKey:            "sk-test",
		BaseURL:           srv.URL,
		Dimensions:        1,
		RequestsPerSecond: 0.1,
	})
	require.NoError(t, err)

	// The first request spends the burst.
	_, err = c.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Embed(ctx, "second")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "paced request never reached the server")
}
