// Package embed produces vector embeddings for chunk text. One local
// provider works fully offline; the remote providers call hosted APIs
// through a shared retry layer.
package embed

import (
	"context"

	"github.com/memoracle/memoracle/internal/config"
	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// Provider is the embedding capability. Embed preserves input order: the
// i-th vector always corresponds to the i-th text.
type Provider interface {
	// Name identifies the provider ("local", "openai", ...).
	Name() string

	// Dimensions is the fixed length of every vector this provider emits.
	Dimensions() int

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle embeds one text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// NewProvider builds the configured provider. Remote providers require an
// API key.
func NewProvider(cfg *config.Config) (Provider, error) {
	ec := cfg.Embedding
	switch ec.Provider {
	case config.EmbeddingLocal:
		return NewLocal(), nil
	case config.EmbeddingOpenAI, config.EmbeddingVoyage, config.EmbeddingCohere:
		if ec.APIKey == "" {
			return nil, oerrors.ConfigInvalid(
				"embedding provider " + ec.Provider + " requires embedding.apiKey")
		}
		return NewRemote(ec.Provider, ec.APIKey, ec.APIBase, ec.Model, ec.BatchSize)
	default:
		return nil, oerrors.ConfigInvalid("unknown embedding provider " + ec.Provider)
	}
}
