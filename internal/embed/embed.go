// Package embed turns texts into vectors through an embedding service,
// splitting the input into batches that are sent concurrently.
//
// A call is all-or-nothing: if any batch still fails after its retries the
// remaining batches are cancelled and no vectors are returned.
package embed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/retry"
)

var (
	ErrEmptyInput        = errors.New("embed: empty input")
	ErrCountMismatch     = errors.New("embed: vector count does not match input count")
	ErrDimensionMismatch = errors.New("embed: inconsistent vector dimension")
)

// Config controls batching and retries.
type Config struct {
	BatchSize   int
	Concurrency int
	Retry       retry.Policy
}

// DefaultConfig returns 64-text batches, 4 in flight.
func DefaultConfig() Config {
	return Config{
		BatchSize:   64,
		Concurrency: 4,
		Retry:       retry.DefaultPolicy(),
	}
}

// BatchError reports the batch that failed an Embed call.
type BatchError struct {
	Batch     int // zero-based index of the failed batch
	Total     int // number of batches in the call
	Succeeded int // batches that completed before the call was aborted
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embed batch %d/%d failed (%d succeeded): %v", e.Batch+1, e.Total, e.Succeeded, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Embedder batches texts through an llm.Embedder.
type Embedder struct {
	client  llm.Embedder
	cfg     Config
	log     zerolog.Logger
	metrics *observability.RAGMetrics
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Embedder) { e.log = l }
}

// WithMetrics records batch counts and latency on m.
func WithMetrics(m *observability.RAGMetrics) Option {
	return func(e *Embedder) { e.metrics = m }
}

// New creates an Embedder. Zero config fields take their defaults.
func New(client llm.Embedder, cfg Config, opts ...Option) *Embedder {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	e := &Embedder{client: client, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Batches returns the number of batches n texts are split into.
func (e *Embedder) Batches(n int) int {
	return (n + e.cfg.BatchSize - 1) / e.cfg.BatchSize
}

// Embed returns one vector per text, in input order. All vectors share
// one dimension.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	total := e.Batches(len(texts))
	out := make([][]float32, len(texts))
	var succeeded atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for b := range total {
		lo := b * e.cfg.BatchSize
		hi := min(lo+e.cfg.BatchSize, len(texts))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &BatchError{Batch: b, Err: err}
			}
			vecs, err := e.embedBatch(gctx, b, texts[lo:hi])
			if err != nil {
				return &BatchError{Batch: b, Err: err}
			}
			copy(out[lo:hi], vecs)
			succeeded.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var be *BatchError
		if errors.As(err, &be) {
			be.Total = total
			be.Succeeded = int(succeeded.Load())
		}
		e.log.Warn().Err(err).Int("batches", total).Int("succeeded", int(succeeded.Load())).Msg("embedding aborted")
		return nil, err
	}

	dim := len(out[0])
	for i, v := range out {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	e.log.Debug().Int("texts", len(texts)).Int("batches", total).Int("dimension", dim).Msg("embedded")
	return out, nil
}

// EmbedOne embeds a single text, typically a query.
func (e *Embedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := e.embedBatch(ctx, 0, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	return vecs[0], nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch int, texts []string) ([][]float32, error) {
	ctx, span := observability.StartEmbedSpan(ctx, batch, len(texts))
	defer span.End()
	start := time.Now()

	vecs, err := retry.Do(ctx, e.cfg.Retry, llm.IsTransient, func(ctx context.Context) ([][]float32, error) {
		return e.client.Embed(ctx, texts)
	})
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("%w: got %d, want %d", ErrCountMismatch, len(vecs), len(texts))
	}
	if e.metrics != nil {
		e.metrics.RecordEmbedBatch(time.Since(start), err)
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return vecs, nil
}
