package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/fetch"
)

func newTestRemote(t *testing.T, provider, base string, batchSize, dims int) *Remote {
	t.Helper()
	r, err := NewRemote(provider, "test-key", base, "", batchSize)
	require.NoError(t, err)
	r.dims = dims
	r.retry = fetch.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	return r
}

func TestRemoteOpenAIBatchingAndOrder(t *testing.T) {
	var batches [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batches = append(batches, req.Input)

		// Return embeddings deliberately out of order; the index field is
		// authoritative.
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i := range req.Input {
			data[len(req.Input)-1-i] = item{Index: i, Embedding: []float32{float32(i), 0}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	r := newTestRemote(t, "openai", srv.URL, 2, 2)
	vectors, err := r.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	require.Len(t, batches, 2, "three texts at batch size two make two requests")
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"c"}, batches[1])

	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{0, 0}, vectors[0], "order restored from the index field")
	assert.Equal(t, []float32{1, 0}, vectors[1])
	assert.Equal(t, []float32{0, 0}, vectors[2])
}

func TestRemoteCoherePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "search_document", req["input_type"])
		assert.Equal(t, "embed-english-v3.0", req["model"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.1, 0.2}},
		})
	}))
	defer srv.Close()

	r := newTestRemote(t, "cohere", srv.URL, 32, 2)
	vec, err := r.EmbedSingle(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestRemoteRetriesOn429WithRetryAfter(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 0}}},
		})
	}))
	defer srv.Close()

	r := newTestRemote(t, "openai", srv.URL, 32, 2)
	vec, err := r.EmbedSingle(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []float32{1, 0}, vec)
}

func TestRemoteAuthErrorDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": "bad key"}`))
	}))
	defer srv.Close()

	r := newTestRemote(t, "openai", srv.URL, 32, 2)
	_, err := r.EmbedSingle(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, oerrors.KindProvider, oerrors.KindOf(err))
	assert.Contains(t, err.Error(), "401")
}

func TestRemoteDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{1, 0, 0}}},
		})
	}))
	defer srv.Close()

	r := newTestRemote(t, "openai", srv.URL, 32, 2)
	_, err := r.EmbedSingle(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, oerrors.KindDimension, oerrors.KindOf(err))
}

func TestRemoteCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
	}))
	defer srv.Close()

	r := newTestRemote(t, "openai", srv.URL, 32, 2)
	_, err := r.EmbedSingle(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 1 embeddings, got 0")
}

func TestRemoteUnknownProvider(t *testing.T) {
	_, err := NewRemote("mystery", "k", "", "", 0)
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("-1"))
	assert.Zero(t, parseRetryAfter("Wed, 21 Oct 2026 07:28:00 GMT"), "HTTP-date form is ignored")
}

func TestRemoteEmptyInput(t *testing.T) {
	r := newTestRemote(t, "openai", "http://unused.invalid", 32, 2)
	vectors, err := r.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}
