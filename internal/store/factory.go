package store

import (
	"fmt"
	"log/slog"

	"github.com/memoracle/memoracle/internal/config"
	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// NewVectorStore builds the vector store selected by
// config.vectorStore.provider.
func NewVectorStore(cfg *config.Config, logger *slog.Logger) (VectorStore, error) {
	switch cfg.VectorStore.Provider {
	case config.VectorLocal:
		return NewLocalVectorStore(cfg.VectorsDir(), logger)
	case config.VectorQdrant:
		return NewQdrantVectorStore(cfg.VectorStore.URL, cfg.VectorStore.APIKey, cfg.VectorStore.CollectionPrefix)
	case config.VectorPinecone:
		return NewPineconeVectorStore(cfg.VectorStore.APIKey, cfg.VectorStore.CollectionPrefix)
	default:
		return nil, oerrors.ConfigInvalid(fmt.Sprintf("unknown vector store provider %q", cfg.VectorStore.Provider))
	}
}

// NewKeywordIndex builds the keyword engine selected by
// config.hybrid.keywordEngine (or MEMORACLE_KEYWORD_ENGINE). The default
// delegates to the metadata store's FTS5 mirror; bleve keeps an in-memory
// index that the engine feeds on every chunk write.
func NewKeywordIndex(cfg *config.Config, meta MetadataStore) (KeywordIndex, error) {
	switch cfg.Hybrid.KeywordEngine {
	case "", config.KeywordSQLite:
		return NewSQLiteKeywordIndex(meta), nil
	case config.KeywordBleve:
		return NewBleveKeywordIndex()
	default:
		return nil, oerrors.ConfigInvalid(fmt.Sprintf("unknown keyword engine %q", cfg.Hybrid.KeywordEngine))
	}
}
