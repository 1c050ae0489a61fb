package vector

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/retry"
)

// Config controls batching and retries for index calls.
type Config struct {
	UpsertBatchSize int
	Retry           retry.Policy
}

// DefaultConfig returns 100-record upsert batches with the default retry policy.
func DefaultConfig() Config {
	return Config{UpsertBatchSize: 100, Retry: retry.DefaultPolicy()}
}

// Index is the collection-level API used by the pipelines. It validates
// input, creates collections on first write, batches upserts, retries
// transient backend failures and orders search results deterministically.
type Index struct {
	backend Backend
	cfg     Config
	log     zerolog.Logger
	metrics *observability.RAGMetrics
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(ix *Index) { ix.log = l }
}

// WithMetrics records upsert and search counts on m.
func WithMetrics(m *observability.RAGMetrics) Option {
	return func(ix *Index) { ix.metrics = m }
}

// NewIndex wraps a backend.
func NewIndex(b Backend, cfg Config, opts ...Option) *Index {
	if cfg.UpsertBatchSize <= 0 {
		cfg.UpsertBatchSize = DefaultConfig().UpsertBatchSize
	}
	ix := &Index{backend: b, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Backend returns the underlying adapter.
func (ix *Index) Backend() Backend { return ix.backend }

// Close closes the backend.
func (ix *Index) Close() error { return ix.backend.Close() }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func do[T any](ctx context.Context, ix *Index, op func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, ix.cfg.Retry, IsTransient, op)
}

func exec(ctx context.Context, ix *Index, op func(ctx context.Context) error) error {
	_, err := do(ctx, ix, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Upsert writes records into collection, creating it with the records'
// dimension if it does not exist yet.
func (ix *Index) Upsert(ctx context.Context, collection string, records []Record) error {
	if collection == "" {
		return fmt.Errorf("%w: empty collection name", ErrInvalid)
	}
	if len(records) == 0 {
		return nil
	}
	dim := len(records[0].Vector)
	for i, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: record %d has no id", ErrInvalid, i)
		}
		if len(r.Vector) == 0 || len(r.Vector) != dim {
			return fmt.Errorf("%w: record %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(r.Vector), dim)
		}
	}

	ctx, span := observability.StartVectorSpan(ctx, observability.SpanVectorUpsert, ix.backend.Name(), collection)
	defer span.End()

	if err := ix.ensureCollection(ctx, collection, dim); err != nil {
		observability.RecordError(span, err)
		return err
	}

	for lo := 0; lo < len(records); lo += ix.cfg.UpsertBatchSize {
		batch := records[lo:min(lo+ix.cfg.UpsertBatchSize, len(records))]
		err := exec(ctx, ix, func(ctx context.Context) error {
			return ix.backend.Upsert(ctx, collection, batch)
		})
		if err != nil {
			observability.RecordError(span, err)
			return fmt.Errorf("upsert batch at %d: %w", lo, err)
		}
		if ix.metrics != nil {
			ix.metrics.RecordUpsert(len(batch))
		}
	}
	ix.log.Debug().Str("collection", collection).Int("records", len(records)).Int("dimension", dim).Msg("upserted")
	return nil
}

func (ix *Index) ensureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := do(ctx, ix, func(ctx context.Context) (bool, error) {
		return ix.backend.Exists(ctx, collection)
	})
	if err != nil {
		return fmt.Errorf("check collection %q: %w", collection, err)
	}
	if !exists {
		err := exec(ctx, ix, func(ctx context.Context) error {
			return ix.backend.Create(ctx, collection, dim)
		})
		if err != nil {
			return fmt.Errorf("create collection %q: %w", collection, err)
		}
		ix.log.Info().Str("collection", collection).Int("dimension", dim).Msg("created collection")
	}

	// Another writer may have created the collection first with a different
	// dimension; Create leaves an existing collection untouched.

	info, err := ix.Describe(ctx, collection)
	if err != nil {
		return err
	}
	if info.Dimension != 0 && info.Dimension != dim {
		return fmt.Errorf("%w: collection %q has dimension %d, records have %d",
			ErrDimensionMismatch, collection, info.Dimension, dim)
	}
	return nil
}

// tieSlack is how many extra matches Search asks the backend for, so that
// records tied on score at the cutoff are chosen by insertion order rather
// than by backend order.
const tieSlack = 8

// Search returns at most k matches ordered by descending score. Equal
// scores keep insertion order: earlier IngestedAt first, then lower
// ChunkIndex. Ties at the cutoff are resolved by insertion order among the
// first k+tieSlack results the backend returns.
func (ix *Index) Search(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	if collection == "" {
		return nil, fmt.Errorf("%w: empty collection name", ErrInvalid)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalid, k)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", ErrDimensionMismatch)
	}

	ctx, span := observability.StartVectorSpan(ctx, observability.SpanVectorSearch, ix.backend.Name(), collection)
	defer span.End()
	start := time.Now()

	matches, err := do(ctx, ix, func(ctx context.Context) ([]Match, error) {
		return ix.backend.Search(ctx, collection, vector, k+tieSlack)
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if ix.metrics != nil {
		ix.metrics.RecordSearch(time.Since(start))
	}

	SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	for i := range matches {
		matches[i].Rank = i + 1
	}
	return matches, nil
}

// SortMatches orders matches by descending score with insertion-order
// tie-breaking.
func SortMatches(matches []Match) {
	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := a.Record.Payload.IngestedAt.Compare(b.Record.Payload.IngestedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.Payload.ChunkIndex, b.Record.Payload.ChunkIndex)
	})
}

// Count returns the number of records in collection.
func (ix *Index) Count(ctx context.Context, collection string) (int, error) {
	return do(ctx, ix, func(ctx context.Context) (int, error) {
		return ix.backend.Count(ctx, collection)
	})
}

// Describe returns collection details or ErrNotFound.
func (ix *Index) Describe(ctx context.Context, collection string) (CollectionInfo, error) {
	if collection == "" {
		return CollectionInfo{}, fmt.Errorf("%w: empty collection name", ErrInvalid)
	}
	return do(ctx, ix, func(ctx context.Context) (CollectionInfo, error) {
		return ix.backend.Describe(ctx, collection)
	})
}

// List returns all collections sorted by name.
func (ix *Index) List(ctx context.Context) ([]CollectionInfo, error) {
	infos, err := do(ctx, ix, ix.backend.List)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(infos, func(a, b CollectionInfo) int { return cmp.Compare(a.Name, b.Name) })
	return infos, nil
}

// Delete drops collection. A missing collection is not an error.
func (ix *Index) Delete(ctx context.Context, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: empty collection name", ErrInvalid)
	}
	err := exec(ctx, ix, func(ctx context.Context) error {
		return ix.backend.Delete(ctx, collection)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err == nil {
		ix.log.Info().Str("collection", collection).Msg("deleted collection")
	}
	return err
}
