package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// LocalVectorStore is a per-namespace flat index persisted as one JSON file
// per namespace under <dataDir>/vectors/. Search is an exact cosine scan;
// at the target scale (a few thousand chunks per docset) that beats any
// approximate index on simplicity and recall.
type LocalVectorStore struct {
	mu         sync.RWMutex
	dir        string
	namespaces map[string]*localNamespace
	logger     *slog.Logger
	closed     bool
}

// localNamespace holds one docset's vectors. Dimensions lock on first
// upsert.
type localNamespace struct {
	Dimensions int
	Order      []string // insertion order for deterministic persistence
	Records    map[string]VectorRecord
}

// vectorFile is the on-disk format: vectors/<sanitized-ns>.json.
type vectorFile struct {
	Vectors    []VectorRecord `json:"vectors"`
	Dimensions int            `json:"dimensions"`
}

var _ VectorStore = (*LocalVectorStore)(nil)

// NewLocalVectorStore creates a vector store rooted at dir.
func NewLocalVectorStore(dir string, logger *slog.Logger) (*LocalVectorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vectors directory: %w", err)
	}
	return &LocalVectorStore{
		dir:        dir,
		namespaces: make(map[string]*localNamespace),
		logger:     logger,
	}, nil
}

// Init loads the namespace file if present, else starts an empty namespace
// with dimensions unknown.
func (s *LocalVectorStore) Init(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("vector store")
	}
	if _, ok := s.namespaces[namespace]; ok {
		return nil
	}

	ns := &localNamespace{Records: make(map[string]VectorRecord)}
	data, err := os.ReadFile(s.filePath(namespace))
	if err == nil {
		var f vectorFile
		if err := json.Unmarshal(data, &f); err != nil {
			return oerrors.New(oerrors.ErrCodeCacheCorrupt, "decode vector file for "+namespace, err)
		}
		ns.Dimensions = f.Dimensions
		for _, rec := range f.Vectors {
			ns.Records[rec.ID] = rec
			ns.Order = append(ns.Order, rec.ID)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read vector file: %w", err)
	}

	s.namespaces[namespace] = ns
	return nil
}

// Upsert inserts or replaces records. The first insert into an empty
// namespace locks its dimensionality; later mismatches fail the whole
// batch. The file is persisted once after the batch.
func (s *LocalVectorStore) Upsert(ctx context.Context, namespace string, records []VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("vector store")
	}
	ns, err := s.namespaceLocked(namespace)
	if err != nil {
		return err
	}

	if ns.Dimensions == 0 {
		ns.Dimensions = len(records[0].Vector)
	}
	for _, rec := range records {
		if len(rec.Vector) != ns.Dimensions {
			return oerrors.DimensionMismatch(ns.Dimensions, len(rec.Vector))
		}
	}

	for _, rec := range records {
		if _, exists := ns.Records[rec.ID]; !exists {
			ns.Order = append(ns.Order, rec.ID)
		}
		ns.Records[rec.ID] = rec
	}

	return s.persistLocked(namespace, ns)
}

// Search computes exact cosine similarity against every stored vector and
// returns up to topK results with score >= minScore, best first.
func (s *LocalVectorStore) Search(ctx context.Context, namespace string, query []float32, topK int, minScore float32) ([]*VectorSearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, oerrors.StoreClosed("vector store")
	}
	ns, ok := s.namespaces[namespace]
	if !ok {
		return []*VectorSearchResult{}, nil
	}
	if len(ns.Records) == 0 {
		return []*VectorSearchResult{}, nil
	}
	if len(query) != ns.Dimensions {
		return nil, oerrors.DimensionMismatch(ns.Dimensions, len(query))
	}
	if topK <= 0 {
		topK = 10
	}

	results := make([]*VectorSearchResult, 0, len(ns.Records))
	for _, id := range ns.Order {
		rec, ok := ns.Records[id]
		if !ok {
			continue
		}
		score := CosineSimilarity(query, rec.Vector)
		if score < minScore {
			continue
		}
		results = append(results, &VectorSearchResult{
			ID:       rec.ID,
			Score:    score,
			Metadata: rec.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Delete removes records by ID. Unknown IDs are ignored.
func (s *LocalVectorStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("vector store")
	}
	ns, err := s.namespaceLocked(namespace)
	if err != nil {
		return err
	}

	removed := false
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := ns.Records[id]; ok {
			delete(ns.Records, id)
			drop[id] = struct{}{}
			removed = true
		}
	}
	if !removed {
		return nil
	}

	order := ns.Order[:0]
	for _, id := range ns.Order {
		if _, dropped := drop[id]; !dropped {
			order = append(order, id)
		}
	}
	ns.Order = order

	return s.persistLocked(namespace, ns)
}

// Clear empties a namespace and removes its file. Dimensions reset to
// unknown, so the next upsert relocks them.
func (s *LocalVectorStore) Clear(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return oerrors.StoreClosed("vector store")
	}

	s.namespaces[namespace] = &localNamespace{Records: make(map[string]VectorRecord)}
	if err := os.Remove(s.filePath(namespace)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove vector file: %w", err)
	}
	return nil
}

// Count returns the number of vectors in a namespace.
func (s *LocalVectorStore) Count(ctx context.Context, namespace string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, oerrors.StoreClosed("vector store")
	}
	ns, ok := s.namespaces[namespace]
	if !ok {
		return 0, nil
	}
	return len(ns.Records), nil
}

// Close releases in-memory state. Data is already on disk; nothing to
// flush.
func (s *LocalVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.namespaces = nil
	return nil
}

func (s *LocalVectorStore) namespaceLocked(namespace string) (*localNamespace, error) {
	ns, ok := s.namespaces[namespace]
	if !ok {
		// Lazy init keeps single-namespace callers simple.
		ns = &localNamespace{Records: make(map[string]VectorRecord)}
		data, err := os.ReadFile(s.filePath(namespace))
		if err == nil {
			var f vectorFile
			if err := json.Unmarshal(data, &f); err != nil {
				return nil, oerrors.New(oerrors.ErrCodeCacheCorrupt, "decode vector file for "+namespace, err)
			}
			ns.Dimensions = f.Dimensions
			for _, rec := range f.Vectors {
				ns.Records[rec.ID] = rec
				ns.Order = append(ns.Order, rec.ID)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read vector file: %w", err)
		}
		s.namespaces[namespace] = ns
	}
	return ns, nil
}

// persistLocked writes the namespace atomically (tmp + rename) so a crash
// mid-write never leaves a truncated file.
func (s *LocalVectorStore) persistLocked(namespace string, ns *localNamespace) error {
	f := vectorFile{
		Vectors:    make([]VectorRecord, 0, len(ns.Records)),
		Dimensions: ns.Dimensions,
	}
	for _, id := range ns.Order {
		if rec, ok := ns.Records[id]; ok {
			f.Vectors = append(f.Vectors, rec)
		}
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal vector file: %w", err)
	}

	path := s.filePath(namespace)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "write vector file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return oerrors.New(oerrors.ErrCodeStoreWrite, "rename vector file", err)
	}
	return nil
}

func (s *LocalVectorStore) filePath(namespace string) string {
	return filepath.Join(s.dir, SanitizeNamespace(namespace)+".json")
}

// SanitizeNamespace maps a namespace to a safe file name: anything outside
// [a-zA-Z0-9._-] becomes an underscore.
func SanitizeNamespace(namespace string) string {
	var b strings.Builder
	for _, r := range namespace {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// CosineSimilarity computes dot(a,b)/(|a|*|b|), returning 0 when either
// operand has zero norm. Vectors are not normalised here; unit-norm inputs
// yield scores in [0,1].
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
