package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	oerrors "github.com/memoracle/memoracle/internal/errors"
	"github.com/memoracle/memoracle/internal/fetch"
)

// Per-provider defaults. Dimensions are fixed by the default models; a
// custom model must still produce vectors of the declared length.
var remoteDefaults = map[string]struct {
	base  string
	path  string
	model string
	dims  int
}{
	"openai": {"https://api.openai.com/v1", "/embeddings", "text-embedding-3-small", 1536},
	"voyage": {"https://api.voyageai.com/v1", "/embeddings", "voyage-2", 1024},
	"cohere": {"https://api.cohere.com/v1", "/embed", "embed-english-v3.0", 1024},
}

// Remote calls a hosted embedding API. Requests are batched and retried
// with backoff; a 429 Retry-After is honoured.
type Remote struct {
	provider  string
	apiKey    string
	base      string
	model     string
	dims      int
	batchSize int
	client    *http.Client
	retry     fetch.RetryConfig
}

var _ Provider = (*Remote)(nil)

// NewRemote creates a provider for openai, voyage, or cohere.
func NewRemote(provider, apiKey, apiBase, model string, batchSize int) (*Remote, error) {
	def, ok := remoteDefaults[provider]
	if !ok {
		return nil, oerrors.ConfigInvalid("unknown embedding provider " + provider)
	}
	if apiBase == "" {
		apiBase = def.base
	}
	if model == "" {
		model = def.model
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Remote{
		provider:  provider,
		apiKey:    apiKey,
		base:      apiBase,
		model:     model,
		dims:      def.dims,
		batchSize: batchSize,
		client:    &http.Client{Timeout: 60 * time.Second},
		retry:     fetch.DefaultRetryConfig(),
	}, nil
}

func (r *Remote) Name() string    { return r.provider }
func (r *Remote) Dimensions() int { return r.dims }

func (r *Remote) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += r.batchSize {
		end := start + r.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		var batch [][]float32
		err := fetch.Do(ctx, r.retry, func() error {
			var err error
			batch, err = r.embedBatch(ctx, texts[start:end])
			return err
		})
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (r *Remote) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	vectors, err := r.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (r *Remote) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var payload any
	endpoint := r.base + remoteDefaults[r.provider].path
	switch r.provider {
	case "openai", "voyage":
		payload = map[string]any{"model": r.model, "input": texts}
	case "cohere":
		payload = map[string]any{
			"model":      r.model,
			"texts":      texts,
			"input_type": "search_document",
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, oerrors.Provider(r.provider, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, oerrors.Provider(r.provider, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, oerrors.Provider(r.provider, "embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oerrors.Provider(r.provider, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := oerrors.Provider(r.provider,
			fmt.Sprintf("embedding API returned %d: %s", resp.StatusCode, truncateBody(respBody)),
			oerrors.HTTPStatus(resp.StatusCode, endpoint))
		perr.Retryable = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if resp.StatusCode == http.StatusTooManyRequests {
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
				return nil, &fetch.RetryAfterError{After: after, Err: perr}
			}
		}
		return nil, perr
	}

	vectors, err := r.parseResponse(respBody, len(texts))
	if err != nil {
		return nil, err
	}
	for _, vec := range vectors {
		if len(vec) != r.dims {
			return nil, oerrors.DimensionMismatch(r.dims, len(vec))
		}
	}
	return vectors, nil
}

func (r *Remote) parseResponse(body []byte, want int) ([][]float32, error) {
	switch r.provider {
	case "openai", "voyage":
		var parsed struct {
			Data []struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, oerrors.Provider(r.provider, "decode response", err)
		}
		if len(parsed.Data) != want {
			return nil, oerrors.Provider(r.provider,
				fmt.Sprintf("expected %d embeddings, got %d", want, len(parsed.Data)), nil)
		}
		// The API does not guarantee order; the index field does.
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors := make([][]float32, len(parsed.Data))
		for i, d := range parsed.Data {
			vectors[i] = d.Embedding
		}
		return vectors, nil

	case "cohere":
		var parsed struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, oerrors.Provider(r.provider, "decode response", err)
		}
		if len(parsed.Embeddings) != want {
			return nil, oerrors.Provider(r.provider,
				fmt.Sprintf("expected %d embeddings, got %d", want, len(parsed.Embeddings)), nil)
		}
		return parsed.Embeddings, nil
	}
	return nil, oerrors.Provider(r.provider, "unreachable provider branch", nil)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
