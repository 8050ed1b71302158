package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// PineconeVectorStore implements VectorStore on Pinecone. All docsets share
// one Pinecone index (named by the collection prefix, default
// "memoracle"); each docset maps to a Pinecone namespace inside it. The
// index itself must exist already — index provisioning is an account-level
// operation.
type PineconeVectorStore struct {
	mu        sync.Mutex
	client    *pinecone.Client
	indexName string
	host      string // resolved lazily from DescribeIndex
	dims      map[string]int
}

var _ VectorStore = (*PineconeVectorStore)(nil)

// NewPineconeVectorStore connects to Pinecone with the given API key.
func NewPineconeVectorStore(apiKey, indexName string) (*PineconeVectorStore, error) {
	if apiKey == "" {
		return nil, oerrors.ConfigInvalid("vectorStore.apiKey is required for the pinecone provider")
	}
	if indexName == "" {
		indexName = "memoracle"
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create pinecone client: %w", err)
	}
	return &PineconeVectorStore{
		client:    client,
		indexName: indexName,
		dims:      make(map[string]int),
	}, nil
}

// connect returns an IndexConnection bound to the given namespace.
func (s *PineconeVectorStore) connect(ctx context.Context, namespace string) (*pinecone.IndexConnection, error) {
	s.mu.Lock()
	host := s.host
	s.mu.Unlock()

	if host == "" {
		index, err := s.client.DescribeIndex(ctx, s.indexName)
		if err != nil {
			return nil, oerrors.Transport(fmt.Sprintf("describe pinecone index %s", s.indexName), err)
		}
		host = index.Host
		s.mu.Lock()
		s.host = host
		s.dimsDefault(int(index.Dimension))
		s.mu.Unlock()
	}

	conn, err := s.client.Index(pinecone.NewIndexConnParams{
		Host:      host,
		Namespace: SanitizeNamespace(namespace),
	})
	if err != nil {
		return nil, oerrors.Transport("connect pinecone index", err)
	}
	return conn, nil
}

// dimsDefault records the index-wide dimensionality; callers hold mu.
func (s *PineconeVectorStore) dimsDefault(d int) {
	if d > 0 {
		s.dims[""] = d
	}
}

func (s *PineconeVectorStore) namespaceDims(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dims[namespace]; ok {
		return d
	}
	return s.dims[""]
}

// Init resolves the index host so the first upsert fails fast on a missing
// index.
func (s *PineconeVectorStore) Init(ctx context.Context, namespace string) error {
	_, err := s.connect(ctx, namespace)
	return err
}

// Upsert writes the batch into the docset's namespace with structpb
// metadata.
func (s *PineconeVectorStore) Upsert(ctx context.Context, namespace string, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	if dims := s.namespaceDims(namespace); dims > 0 {
		for _, rec := range records {
			if len(rec.Vector) != dims {
				return oerrors.DimensionMismatch(dims, len(rec.Vector))
			}
		}
	}
	s.mu.Lock()
	if _, ok := s.dims[namespace]; !ok {
		s.dims[namespace] = len(records[0].Vector)
	}
	s.mu.Unlock()

	conn, err := s.connect(ctx, namespace)
	if err != nil {
		return err
	}
	defer conn.Close()

	vectors := make([]*pinecone.Vector, 0, len(records))
	for _, rec := range records {
		meta, err := structpb.NewStruct(metadataMap(rec.Metadata))
		if err != nil {
			return fmt.Errorf("convert metadata for %s: %w", rec.ID, err)
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       rec.ID,
			Values:   rec.Vector,
			Metadata: meta,
		})
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return oerrors.Transport("pinecone upsert", err)
	}
	return nil
}

// Search queries the namespace, filters by minScore client-side (Pinecone
// has no score threshold parameter), and maps metadata back.
func (s *PineconeVectorStore) Search(ctx context.Context, namespace string, query []float32, topK int, minScore float32) ([]*VectorSearchResult, error) {
	if dims := s.namespaceDims(namespace); dims > 0 && len(query) != dims {
		return nil, oerrors.DimensionMismatch(dims, len(query))
	}
	if topK <= 0 {
		topK = 10
	}

	conn, err := s.connect(ctx, namespace)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          query,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, oerrors.Transport("pinecone query", err)
	}

	results := make([]*VectorSearchResult, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil || match.Score < minScore {
			continue
		}
		meta := VectorMetadata{}
		if match.Vector.Metadata != nil {
			m := match.Vector.Metadata.AsMap()
			get := func(key string) string {
				if v, ok := m[key].(string); ok {
					return v
				}
				return ""
			}
			meta = VectorMetadata{
				DocsetID: get("docsetId"),
				PageID:   get("pageId"),
				ChunkID:  get("chunkId"),
				URL:      get("url"),
				Title:    get("title"),
				Heading:  get("heading"),
				Content:  get("content"),
			}
		}
		results = append(results, &VectorSearchResult{
			ID:       match.Vector.Id,
			Score:    match.Score,
			Metadata: meta,
		})
	}
	return results, nil
}

// Delete removes vectors by ID from the namespace.
func (s *PineconeVectorStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := s.connect(ctx, namespace)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, ids); err != nil {
		return oerrors.Transport("pinecone delete", err)
	}
	return nil
}

// Clear deletes every vector in the namespace.
func (s *PineconeVectorStore) Clear(ctx context.Context, namespace string) error {
	conn, err := s.connect(ctx, namespace)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return oerrors.Transport("pinecone clear", err)
	}
	s.mu.Lock()
	delete(s.dims, namespace)
	s.mu.Unlock()
	return nil
}

// Count reads the namespace's vector count from the index stats.
func (s *PineconeVectorStore) Count(ctx context.Context, namespace string) (int, error) {
	conn, err := s.connect(ctx, namespace)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	stats, err := conn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, oerrors.Transport("pinecone index stats", err)
	}
	if ns, ok := stats.Namespaces[SanitizeNamespace(namespace)]; ok {
		return int(ns.VectorCount), nil
	}
	return 0, nil
}

// Close is a no-op; connections are per-call.
func (s *PineconeVectorStore) Close() error {
	return nil
}
