package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// BleveKeywordIndex is the alternative keyword engine behind the
// KeywordIndex interface. It keeps an in-memory Bleve index mirroring the
// same chunk rows as the FTS5 mirror and is rebuilt from the metadata store
// on startup. Bleve scores are unbounded, so they are normalised by the top
// hit to fit the [0,1] keyword score contract.
type BleveKeywordIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// bleveChunkDoc is the document shape Bleve indexes. Identifier fields use
// keyword mappings so docset filtering is an exact term match.
type bleveChunkDoc struct {
	PageID   string `json:"pageId"`
	DocsetID string `json:"docsetId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Heading  string `json:"heading"`
	Content  string `json:"content"`
}

var _ KeywordIndex = (*BleveKeywordIndex)(nil)

// NewBleveKeywordIndex creates an in-memory Bleve keyword index.
func NewBleveKeywordIndex() (*BleveKeywordIndex, error) {
	indexMapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	keyword := bleve.NewKeywordFieldMapping()
	for _, field := range []string{"pageId", "docsetId", "url"} {
		docMapping.AddFieldMappingsAt(field, keyword)
	}
	text := bleve.NewTextFieldMapping()
	text.Store = true
	for _, field := range []string{"title", "heading", "content"} {
		docMapping.AddFieldMappingsAt(field, text)
	}
	indexMapping.DefaultMapping = docMapping

	idx, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &BleveKeywordIndex{index: idx}, nil
}

// Index adds rows to the index in one batch. Existing IDs are replaced.
func (b *BleveKeywordIndex) Index(ctx context.Context, docs []*KeywordDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return oerrors.StoreClosed("keyword index")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ChunkID, bleveChunkDoc{
			PageID:   doc.PageID,
			DocsetID: doc.DocsetID,
			URL:      doc.URL,
			Title:    doc.Title,
			Heading:  doc.Heading,
			Content:  doc.Content,
		}); err != nil {
			return fmt.Errorf("index chunk %s: %w", doc.ChunkID, err)
		}
	}
	return b.index.Batch(batch)
}

// Delete removes rows by chunk ID.
func (b *BleveKeywordIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return oerrors.StoreClosed("keyword index")
	}

	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	return b.index.Batch(batch)
}

// Search matches the normalised query against chunk content, title, and
// heading, optionally filtered to a docset set.
func (b *BleveKeywordIndex) Search(ctx context.Context, rawQuery string, docsetIDs []string, topK int) ([]*KeywordResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, oerrors.StoreClosed("keyword index")
	}

	normalized := strings.TrimSuffix(strings.ReplaceAll(NormalizeKeywordQuery(rawQuery), "* ", " "), "*")
	if strings.TrimSpace(normalized) == "" {
		return []*KeywordResult{}, nil
	}
	if topK <= 0 {
		topK = 10
	}

	content := bleve.NewMatchQuery(normalized)
	content.SetField("content")
	title := bleve.NewMatchQuery(normalized)
	title.SetField("title")
	heading := bleve.NewMatchQuery(normalized)
	heading.SetField("heading")
	textMatch := bleve.NewDisjunctionQuery(content, title, heading)

	var q query.Query = textMatch
	if len(docsetIDs) > 0 {
		terms := make([]query.Query, 0, len(docsetIDs))
		for _, id := range docsetIDs {
			term := bleve.NewTermQuery(id)
			term.SetField("docsetId")
			terms = append(terms, term)
		}
		q = bleve.NewConjunctionQuery(textMatch, bleve.NewDisjunctionQuery(terms...))
	}

	req := bleve.NewSearchRequest(q)
	req.Size = topK
	req.Fields = []string{"pageId", "docsetId", "url", "title", "heading", "content"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	var maxScore float64
	for _, hit := range result.Hits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}

	results := make([]*KeywordResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		r := &KeywordResult{
			ChunkID:  hit.ID,
			PageID:   fieldString(hit.Fields, "pageId"),
			DocsetID: fieldString(hit.Fields, "docsetId"),
			URL:      fieldString(hit.Fields, "url"),
			Title:    fieldString(hit.Fields, "title"),
			Heading:  fieldString(hit.Fields, "heading"),
			Content:  fieldString(hit.Fields, "content"),
			BM25:     hit.Score,
		}
		if maxScore > 0 {
			r.KeywordScore = hit.Score / maxScore
		}
		results = append(results, r)
	}
	return results, nil
}

// Close closes the underlying index. Idempotent.
func (b *BleveKeywordIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
