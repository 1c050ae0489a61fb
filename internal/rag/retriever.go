package rag

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/efebarandurmaz/lograg/internal/embed"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/vector"
)

// Retriever embeds a question and searches a collection with it.
type Retriever struct {
	embedder *embed.Embedder
	index    *vector.Index
}

// NewRetriever creates a Retriever.
func NewRetriever(e *embed.Embedder, ix *vector.Index) *Retriever {
	return &Retriever{embedder: e, index: ix}
}

// Retrieve returns up to k matches for query, best first. A collection
// with fewer than k records returns all of them; an empty one returns none.
func (r *Retriever) Retrieve(ctx context.Context, query, collection string, k int) ([]vector.Match, error) {
	if strings.TrimSpace(query) == "" {
		return nil, inputError(StageValidate, "query is empty")
	}
	if collection == "" {
		return nil, inputError(StageValidate, "collection name is empty")
	}
	if k <= 0 {
		return nil, inputError(StageValidate, "k must be positive, got %d", k)
	}

	ctx, span := observability.StartSpan(ctx, observability.SpanRetrieve,
		attribute.String("rag.collection", collection),
		attribute.Int("rag.k", k),
	)
	defer span.End()

	qv, err := r.embedder.EmbedOne(ctx, query)
	if err != nil {
		e := embedError(StageRetrieve, err)
		observability.RecordError(span, e)
		return nil, e
	}

	matches, err := r.index.Search(ctx, collection, qv, k)
	if err != nil {
		e := vectorError(StageRetrieve, r.index.Backend().Name(), err)
		observability.RecordError(span, e)
		return nil, e
	}
	span.SetAttributes(attribute.Int("rag.matches", len(matches)))
	return matches, nil
}
