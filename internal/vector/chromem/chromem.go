// Package chromem implements vector.Backend on the embedded chromem-go
// database, in memory or persisted to a directory.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"

	"github.com/efebarandurmaz/lograg/internal/vector"
)

const (
	metaSource     = "source"
	metaChunkIndex = "chunk_index"
	metaStart      = "start"
	metaEnd        = "end"
	metaIngestedAt = "ingested_at"
)

// errNoEmbedding is returned if chromem is ever asked to embed text itself;
// vectors are always supplied by the caller.
var errNoEmbedding = errors.New("chromem: embeddings must be precomputed")

func noEmbed(context.Context, string) ([]float32, error) { return nil, errNoEmbedding }

// Store is a chromem-backed vector store.
type Store struct {
	db *chromem.DB

	mu   sync.RWMutex
	dims map[string]int
}

// NewMemory returns a store that lives only in process memory.
func NewMemory() *Store {
	return &Store{db: chromem.NewDB(), dims: make(map[string]int)}
}

// NewPersistent opens or creates a store persisted under path.
func NewPersistent(path string, compress bool) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db at %s: %w", path, err)
	}
	return &Store{db: db, dims: make(map[string]int)}, nil
}

func (s *Store) Name() string { return "chromem" }

func (s *Store) collection(name string) (*chromem.Collection, error) {
	c := s.db.GetCollection(name, noEmbed)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", vector.ErrNotFound, name)
	}
	return c, nil
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	return s.db.GetCollection(name, noEmbed) != nil, nil
}

// Create is a no-op for an existing collection. chromem's CreateCollection
// replaces an existing collection, so the lookup and the create happen under
// the store lock.
func (s *Store) Create(_ context.Context, name string, dimension int) error {
	meta := map[string]string{
		"dimension": strconv.Itoa(dimension),
		"metric":    vector.MetricCosine,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.GetOrCreateCollection(name, meta, noEmbed); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	if s.dims[name] == 0 {
		s.dims[name] = dimension
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, records []vector.Record) error {
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		docs[i] = chromem.Document{
			ID:        r.ID,
			Content:   r.Payload.Content,
			Embedding: r.Vector,
			Metadata:  encodePayload(r.Payload),
		}
	}
	if err := c.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents to %s: %w", name, err)
	}
	if len(records) > 0 {
		s.mu.Lock()
		if s.dims[name] == 0 {
			s.dims[name] = len(records[0].Vector)
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Store) Search(ctx context.Context, name string, vec []float32, k int) ([]vector.Match, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	// chromem rejects nResults larger than the collection.
	n := min(k, c.Count())
	if n <= 0 {
		return nil, nil
	}
	results, err := c.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	matches := make([]vector.Match, len(results))
	for i, res := range results {
		matches[i] = vector.Match{
			Record: vector.Record{
				ID:      res.ID,
				Vector:  res.Embedding,
				Payload: decodePayload(res.Content, res.Metadata),
			},
			Score: res.Similarity,
		}
	}
	return matches, nil
}

func (s *Store) Count(_ context.Context, name string) (int, error) {
	c, err := s.collection(name)
	if err != nil {
		return 0, err
	}
	return c.Count(), nil
}

func (s *Store) Describe(_ context.Context, name string) (vector.CollectionInfo, error) {
	c, err := s.collection(name)
	if err != nil {
		return vector.CollectionInfo{}, err
	}
	s.mu.RLock()
	dim := s.dims[name]
	s.mu.RUnlock()
	return vector.CollectionInfo{
		Name:      name,
		Count:     c.Count(),
		Dimension: dim,
		Metric:    vector.MetricCosine,
		Status:    "green",
	}, nil
}

func (s *Store) List(context.Context) ([]vector.CollectionInfo, error) {
	cols := s.db.ListCollections()
	infos := make([]vector.CollectionInfo, 0, len(cols))
	for name, c := range cols {
		infos = append(infos, vector.CollectionInfo{Name: name, Count: c.Count()})
	}
	return infos, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.dims, name)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }

func encodePayload(p vector.Payload) map[string]string {
	return map[string]string{
		metaSource:     p.Source,
		metaChunkIndex: strconv.Itoa(p.ChunkIndex),
		metaStart:      strconv.Itoa(p.Start),
		metaEnd:        strconv.Itoa(p.End),
		metaIngestedAt: p.IngestedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodePayload(content string, meta map[string]string) vector.Payload {
	p := vector.Payload{Content: content, Source: meta[metaSource]}
	p.ChunkIndex, _ = strconv.Atoi(meta[metaChunkIndex])
	p.Start, _ = strconv.Atoi(meta[metaStart])
	p.End, _ = strconv.Atoi(meta[metaEnd])
	p.IngestedAt, _ = time.Parse(time.RFC3339Nano, meta[metaIngestedAt])
	return p
}

var _ vector.Backend = (*Store)(nil)
