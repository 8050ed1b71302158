// Package store provides the persistence layer: docset/page/chunk metadata
// in SQLite (with an FTS5 keyword index), plus pluggable vector stores
// (local JSON, Qdrant, Pinecone) and keyword engines (SQLite FTS5, Bleve).
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DocsetStatus is the lifecycle state of a docset.
type DocsetStatus string

const (
	DocsetPending  DocsetStatus = "pending"
	DocsetIndexing DocsetStatus = "indexing"
	DocsetReady    DocsetStatus = "ready"
	DocsetError    DocsetStatus = "error"
)

// PageStatus is the lifecycle state of a page.
type PageStatus string

const (
	PagePending  PageStatus = "pending"
	PageFetching PageStatus = "fetching"
	PageFetched  PageStatus = "fetched"
	PageIndexing PageStatus = "indexing"
	PageIndexed  PageStatus = "indexed"
	PageError    PageStatus = "error"
	PageSkipped  PageStatus = "skipped"
)

// StuckStatuses are the in-flight page states a crash can strand.
var StuckStatuses = []PageStatus{PageFetching, PageFetched, PageIndexing}

// Docset is a single documentation source: one site bounded by host and
// allowed path prefixes. A docset owns its pages (cascade on delete) and a
// dedicated vector namespace.
type Docset struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	BaseURL      string       `json:"baseUrl"`
	SeedPath     string       `json:"seedPath"`
	AllowedPaths []string     `json:"allowedPaths"`
	Status       DocsetStatus `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Page is a single fetched URL under a docset.
type Page struct {
	ID            string     `json:"id"`
	DocsetID      string     `json:"docsetId"`
	URL           string     `json:"url"`
	Path          string     `json:"path"`
	Title         string     `json:"title,omitempty"`
	ContentHash   string     `json:"contentHash,omitempty"`
	ETag          string     `json:"etag,omitempty"`
	LastModified  string     `json:"lastModified,omitempty"`
	Status        PageStatus `json:"status"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	RetryCount    int        `json:"retryCount"`
	Section       string     `json:"section,omitempty"`
	FetchedAt     *time.Time `json:"fetchedAt,omitempty"`
	IndexedAt     *time.Time `json:"indexedAt,omitempty"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Chunk is a contiguous text slice of a page. Chunk indexes form a dense
// 0..N-1 range per page after every indexing pass. EmbeddingID equals the
// chunk ID once the chunk is vectorised.
type Chunk struct {
	ID          string    `json:"id"`
	PageID      string    `json:"pageId"`
	DocsetID    string    `json:"docsetId"`
	Content     string    `json:"content"`
	Heading     string    `json:"heading,omitempty"`
	StartOffset int       `json:"startOffset"`
	EndOffset   int       `json:"endOffset"`
	Index       int       `json:"index"`
	EmbeddingID string    `json:"embeddingId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateDocsetInput is the input for CreateDocset. Name defaults to the
// base URL host; AllowedPaths defaults to the directory of the seed path.
type CreateDocsetInput struct {
	Name         string
	BaseURL      string
	SeedPath     string
	AllowedPaths []string
}

// PageUpdate is a partial update: only non-nil fields are written.
type PageUpdate struct {
	Title         *string
	ContentHash   *string
	ETag          *string
	LastModified  *string
	Status        *PageStatus
	ErrorMessage  *string
	RetryCount    *int
	FetchedAt     *time.Time
	IndexedAt     *time.Time
	LastAttemptAt *time.Time
}

// ListPagesOptions filters and paginates ListPages.
type ListPagesOptions struct {
	Status PageStatus // empty = all
	Limit  int        // 0 = default 100
	Offset int
}

// IndexStatus aggregates per-state page counts and the chunk count for a
// docset.
type IndexStatus struct {
	TotalPages    int `json:"totalPages"`
	PendingPages  int `json:"pendingPages"`
	FetchingPages int `json:"fetchingPages"`
	FetchedPages  int `json:"fetchedPages"`
	IndexingPages int `json:"indexingPages"`
	IndexedPages  int `json:"indexedPages"`
	ErrorPages    int `json:"errorPages"`
	SkippedPages  int `json:"skippedPages"`
	TotalChunks   int `json:"totalChunks"`
}

// KeywordResult is a single keyword (lexical) search hit. Score is the BM25
// value mapped to [0,1] via 1/(1+max(0,bm25)); ordering is carried by the
// underlying engine's ranking.
type KeywordResult struct {
	ChunkID      string
	PageID       string
	DocsetID     string
	URL          string
	Title        string
	Heading      string
	Content      string
	BM25         float64
	KeywordScore float64
}

// KeywordDoc is a denormalised row fed to a keyword engine. The SQLite
// engine maintains its mirror transactionally inside CreateChunks, so its
// Index/Delete are no-ops; Bleve indexes these rows directly.
type KeywordDoc struct {
	ChunkID  string
	PageID   string
	DocsetID string
	URL      string
	Title    string
	Heading  string
	Content  string
}

// MetadataStore persists docsets, pages, and chunks, and serves the FTS5
// keyword index. All multi-row writes are transactional; deleting a docset
// cascades pages, chunks, and FTS rows.
type MetadataStore interface {
	// Docset operations
	CreateDocset(ctx context.Context, input CreateDocsetInput) (*Docset, error)
	GetDocset(ctx context.Context, id string) (*Docset, error)
	GetDocsetByURL(ctx context.Context, baseURL string) (*Docset, error)
	ListDocsets(ctx context.Context) ([]*Docset, error)
	UpdateDocsetStatus(ctx context.Context, id string, status DocsetStatus) error
	DeleteDocset(ctx context.Context, id string) error

	// Page operations
	CreatePage(ctx context.Context, page *Page) error
	GetPage(ctx context.Context, id string) (*Page, error)
	GetPageByURL(ctx context.Context, docsetID, url string) (*Page, error)
	UpdatePage(ctx context.Context, id string, update PageUpdate) error
	ListPages(ctx context.Context, docsetID string, opts ListPagesOptions) ([]*Page, error)
	GetNextPendingPage(ctx context.Context, docsetID string) (*Page, error)
	CountPages(ctx context.Context, docsetID string) (int, error)
	DeletePage(ctx context.Context, id string) error

	// Chunk operations
	CreateChunks(ctx context.Context, chunks []*Chunk) error
	DeleteChunks(ctx context.Context, pageID string) error
	GetChunksByPage(ctx context.Context, pageID string) ([]*Chunk, error)
	SetChunkEmbeddingID(ctx context.Context, chunkID, embeddingID string) error

	// Keyword search over the FTS5 mirror
	SearchKeyword(ctx context.Context, query string, docsetIDs []string, topK int) ([]*KeywordResult, error)

	// Aggregates and recovery primitives
	GetIndexStatus(ctx context.Context, docsetID string) (*IndexStatus, error)
	GetStuckPages(ctx context.Context, docsetID string, threshold time.Duration) ([]*Page, error)
	ResetStuckPages(ctx context.Context, threshold time.Duration) (int, error)
	ResetErrorPages(ctx context.Context, maxRetries int) (int, error)
	ResetPagesForRefresh(ctx context.Context, docsetID string, maxAge time.Duration, force, clearHashes bool) (int, error)

	// Lifecycle
	Close() error
}

// VectorMetadata is the denormalised snapshot carried by every vector
// record, sufficient for search to return results without a second lookup.
type VectorMetadata struct {
	DocsetID string `json:"docsetId"`
	PageID   string `json:"pageId"`
	ChunkID  string `json:"chunkId"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Heading  string `json:"heading,omitempty"`
	Content  string `json:"content"`
}

// VectorRecord is a stored vector keyed by chunk ID inside a docset-scoped
// namespace.
type VectorRecord struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata VectorMetadata `json:"metadata"`
}

// VectorSearchResult is a single similarity hit.
type VectorSearchResult struct {
	ID       string
	Score    float32
	Metadata VectorMetadata
}

// VectorStore holds per-docset namespaces of dense vectors with exact
// cosine search. Dimensions are locked per namespace by the first upsert.
type VectorStore interface {
	Init(ctx context.Context, namespace string) error
	Upsert(ctx context.Context, namespace string, records []VectorRecord) error
	Search(ctx context.Context, namespace string, query []float32, topK int, minScore float32) ([]*VectorSearchResult, error)
	Delete(ctx context.Context, namespace string, ids []string) error
	Clear(ctx context.Context, namespace string) error
	Count(ctx context.Context, namespace string) (int, error)
	Close() error
}

// KeywordIndex is the lexical search engine behind hybrid retrieval.
type KeywordIndex interface {
	Index(ctx context.Context, docs []*KeywordDoc) error
	Delete(ctx context.Context, chunkIDs []string) error
	Search(ctx context.Context, query string, docsetIDs []string, topK int) ([]*KeywordResult, error)
	Close() error
}

// DocsetID derives a stable docset identifier from the base URL.
func DocsetID(baseURL string) string {
	return shortHash(baseURL)
}

// PageID derives a stable page identifier from its docset and URL.
func PageID(docsetID, url string) string {
	return shortHash(docsetID + "\x00" + url)
}

// ChunkID derives a chunk identifier from its page, position, and content,
// so unchanged content keeps stable chunk IDs across reindexing passes.
func ChunkID(pageID string, index int, content string) string {
	return shortHash(fmt.Sprintf("%s\x00%d\x00%s", pageID, index, content))
}

// shortHash returns the first 16 hex chars of SHA-256(s).
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
