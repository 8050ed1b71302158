package store

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// QdrantVectorStore implements VectorStore on a Qdrant server. Each
// namespace maps to one collection named <prefix><namespace>, created with
// cosine distance on first upsert.
type QdrantVectorStore struct {
	mu     sync.Mutex
	client *qdrant.Client
	prefix string
	dims   map[string]int // namespace -> locked dimensions
}

var _ VectorStore = (*QdrantVectorStore)(nil)

// NewQdrantVectorStore connects to a Qdrant server. rawURL carries
// host:port (default port 6334, the gRPC port); https enables TLS.
func NewQdrantVectorStore(rawURL, apiKey, prefix string) (*QdrantVectorStore, error) {
	host := "localhost"
	port := 6334
	useTLS := false
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, oerrors.ConfigInvalid(fmt.Sprintf("vectorStore.url is not a valid URL: %v", err))
		}
		if u.Hostname() != "" {
			host = u.Hostname()
		}
		if p := u.Port(); p != "" {
			port, err = strconv.Atoi(p)
			if err != nil {
				return nil, oerrors.ConfigInvalid("vectorStore.url has an invalid port")
			}
		}
		useTLS = u.Scheme == "https"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantVectorStore{
		client: client,
		prefix: prefix,
		dims:   make(map[string]int),
	}, nil
}

func (s *QdrantVectorStore) collection(namespace string) string {
	return s.prefix + SanitizeNamespace(namespace)
}

// Init checks for an existing collection and caches its dimensionality.
func (s *QdrantVectorStore) Init(ctx context.Context, namespace string) error {
	coll := s.collection(namespace)
	exists, err := s.client.CollectionExists(ctx, coll)
	if err != nil {
		return oerrors.Transport("check qdrant collection", err)
	}
	if !exists {
		return nil
	}
	info, err := s.client.GetCollectionInfo(ctx, coll)
	if err != nil {
		return oerrors.Transport("describe qdrant collection", err)
	}
	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		s.mu.Lock()
		s.dims[namespace] = int(params.GetSize())
		s.mu.Unlock()
	}
	return nil
}

// Upsert creates the collection on first insert (locking dimensionality to
// the first vector's length) and writes the batch with the denormalised
// metadata as payload.
func (s *QdrantVectorStore) Upsert(ctx context.Context, namespace string, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	dims, known := s.dims[namespace]
	if !known {
		dims = len(records[0].Vector)
		s.dims[namespace] = dims
	}
	s.mu.Unlock()

	for _, rec := range records {
		if len(rec.Vector) != dims {
			return oerrors.DimensionMismatch(dims, len(rec.Vector))
		}
	}

	coll := s.collection(namespace)
	exists, err := s.client.CollectionExists(ctx, coll)
	if err != nil {
		return oerrors.Transport("check qdrant collection", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: coll,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return oerrors.Transport("create qdrant collection", err)
		}
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := make(map[string]*qdrant.Value)
		for key, value := range metadataMap(rec.Metadata) {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("convert payload for %s: %w", rec.ID, err)
			}
			payload[key] = val
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: payload,
		})
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: coll,
		Points:         points,
	})
	if err != nil {
		return oerrors.Transport("qdrant upsert", err)
	}
	return nil
}

// Search queries the collection with cosine scoring and the given score
// floor, mapping payloads back into VectorMetadata.
func (s *QdrantVectorStore) Search(ctx context.Context, namespace string, query []float32, topK int, minScore float32) ([]*VectorSearchResult, error) {
	s.mu.Lock()
	dims, known := s.dims[namespace]
	s.mu.Unlock()
	if known && len(query) != dims {
		return nil, oerrors.DimensionMismatch(dims, len(query))
	}
	if topK <= 0 {
		topK = 10
	}

	coll := s.collection(namespace)
	exists, err := s.client.CollectionExists(ctx, coll)
	if err != nil {
		return nil, oerrors.Transport("check qdrant collection", err)
	}
	if !exists {
		return []*VectorSearchResult{}, nil
	}

	req := &qdrant.SearchPoints{
		CollectionName: coll,
		Vector:         query,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if minScore > 0 {
		req.ScoreThreshold = &minScore
	}

	scored, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, oerrors.Transport("qdrant search", err)
	}

	results := make([]*VectorSearchResult, 0, len(scored.GetResult()))
	for _, point := range scored.GetResult() {
		var id string
		if uid, ok := point.GetId().GetPointIdOptions().(*qdrant.PointId_Uuid); ok {
			id = uid.Uuid
		}
		results = append(results, &VectorSearchResult{
			ID:       id,
			Score:    point.GetScore(),
			Metadata: metadataFromPayload(point.GetPayload()),
		})
	}
	return results, nil
}

// Delete removes points by ID.
func (s *QdrantVectorStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection(namespace),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return oerrors.Transport("qdrant delete", err)
	}
	return nil
}

// Clear drops the whole collection and unlocks the namespace
// dimensionality.
func (s *QdrantVectorStore) Clear(ctx context.Context, namespace string) error {
	coll := s.collection(namespace)
	exists, err := s.client.CollectionExists(ctx, coll)
	if err != nil {
		return oerrors.Transport("check qdrant collection", err)
	}
	if exists {
		if err := s.client.DeleteCollection(ctx, coll); err != nil {
			return oerrors.Transport("qdrant delete collection", err)
		}
	}
	s.mu.Lock()
	delete(s.dims, namespace)
	s.mu.Unlock()
	return nil
}

// Count returns the number of points in the namespace's collection.
func (s *QdrantVectorStore) Count(ctx context.Context, namespace string) (int, error) {
	coll := s.collection(namespace)
	exists, err := s.client.CollectionExists(ctx, coll)
	if err != nil {
		return 0, oerrors.Transport("check qdrant collection", err)
	}
	if !exists {
		return 0, nil
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: coll})
	if err != nil {
		return 0, oerrors.Transport("qdrant count", err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantVectorStore) Close() error {
	return s.client.Close()
}

func metadataMap(m VectorMetadata) map[string]any {
	return map[string]any{
		"docsetId": m.DocsetID,
		"pageId":   m.PageID,
		"chunkId":  m.ChunkID,
		"url":      m.URL,
		"title":    m.Title,
		"heading":  m.Heading,
		"content":  m.Content,
	}
}

func metadataFromPayload(payload map[string]*qdrant.Value) VectorMetadata {
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return VectorMetadata{
		DocsetID: get("docsetId"),
		PageID:   get("pageId"),
		ChunkID:  get("chunkId"),
		URL:      get("url"),
		Title:    get("title"),
		Heading:  get("heading"),
		Content:  get("content"),
	}
}
