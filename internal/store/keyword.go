package store

import (
	"context"
)

// SQLiteKeywordIndex is the default keyword engine. It delegates search to
// the metadata store's FTS5 mirror, which CreateChunks and DeleteChunks
// already maintain transactionally, so Index and Delete are no-ops here.
type SQLiteKeywordIndex struct {
	meta MetadataStore
}

var _ KeywordIndex = (*SQLiteKeywordIndex)(nil)

// NewSQLiteKeywordIndex wraps a metadata store as a KeywordIndex.
func NewSQLiteKeywordIndex(meta MetadataStore) *SQLiteKeywordIndex {
	return &SQLiteKeywordIndex{meta: meta}
}

// Index is a no-op: the FTS mirror is written inside CreateChunks.
func (s *SQLiteKeywordIndex) Index(ctx context.Context, docs []*KeywordDoc) error {
	return nil
}

// Delete is a no-op: the FTS mirror is cleared inside DeleteChunks.
func (s *SQLiteKeywordIndex) Delete(ctx context.Context, chunkIDs []string) error {
	return nil
}

// Search runs the FTS5 query against the mirror.
func (s *SQLiteKeywordIndex) Search(ctx context.Context, query string, docsetIDs []string, topK int) ([]*KeywordResult, error) {
	return s.meta.SearchKeyword(ctx, query, docsetIDs, topK)
}

// Close is a no-op; the metadata store owns the database handle.
func (s *SQLiteKeywordIndex) Close() error {
	return nil
}
