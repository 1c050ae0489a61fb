// Package rag answers questions about ingested logs: documents are chunked,
// embedded and stored in a vector index, and questions are answered from
// the closest chunks by a language model.
package rag

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/efebarandurmaz/lograg/internal/chunk"
	"github.com/efebarandurmaz/lograg/internal/embed"
	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/vector"
)

// Document is a named piece of log text to ingest.
type Document struct {
	Name string
	Text string
}

// CatalogEntry is one ingested document as recorded in a Catalog.
type CatalogEntry struct {
	Name       string
	Chunks     int
	IngestedAt time.Time
}

// Catalog keeps track of which documents went into which collection. The
// vector index stays the source of truth; catalog failures are logged and
// never fail an operation.
type Catalog interface {
	RecordIngestion(ctx context.Context, collection string, entry CatalogEntry) error
	Documents(ctx context.Context, collection string) ([]CatalogEntry, error)
	DeleteCollection(ctx context.Context, collection string) error
}

// CollectionDetails is a collection description enriched with its catalog
// entries, when a catalog is configured.
type CollectionDetails struct {
	vector.CollectionInfo
	Documents []CatalogEntry
}

// Pipeline wires chunking, embedding, storage, retrieval and synthesis.
// It is safe for concurrent use.
type Pipeline struct {
	cfg       Config
	splitter  *chunk.Splitter
	embedder  *embed.Embedder
	index     *vector.Index
	retriever *Retriever
	synth     *Synthesizer
	catalog   Catalog
	log       zerolog.Logger
	metrics   *observability.RAGMetrics
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *observability.RAGMetrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithCatalog records ingestions in c.
func WithCatalog(c Catalog) Option {
	return func(p *Pipeline) { p.catalog = c }
}

// WithModel names the completion model in traces.
func WithModel(name string) Option {
	return func(p *Pipeline) { p.synth.model = name }
}

// WithClock overrides the time source used for IngestedAt.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline validates cfg and assembles a Pipeline.
func NewPipeline(cfg Config, e *embed.Embedder, ix *vector.Index, c llm.Completer, opts ...Option) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, inputError(StageValidate, "invalid config: %w", err)
	}
	splitter, err := chunk.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, inputError(StageValidate, "invalid config: %w", err)
	}
	p := &Pipeline{
		cfg:       cfg,
		splitter:  splitter,
		embedder:  e,
		index:     ix,
		retriever: NewRetriever(e, ix),
		synth:     NewSynthesizer(c, cfg),
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.synth.log = p.log
	p.synth.metrics = p.metrics
	return p, nil
}

// Config returns the pipeline settings.
func (p *Pipeline) Config() Config { return p.cfg }

// Index returns the vector index.
func (p *Pipeline) Index() *vector.Index { return p.index }

// RecordID is the stable point id of chunk index of source. Re-ingesting
// the same source overwrites its records.
func RecordID(source string, index int) string {
	name := "lograg://" + source + "#" + strconv.Itoa(index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

type ingestOptions struct {
	reset bool
}

// IngestOption configures a single Ingest call.
type IngestOption func(*ingestOptions)

// WithReset drops the collection before the new records are written.
func WithReset() IngestOption {
	return func(o *ingestOptions) { o.reset = true }
}

// Ingest chunks doc, embeds every chunk and stores the records in
// collection. It returns the number of records stored. Nothing is written
// unless every chunk was embedded.
func (p *Pipeline) Ingest(ctx context.Context, doc Document, collection string, opts ...IngestOption) (n int, err error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case doc.Name == "":
		return 0, inputError(StageValidate, "document name is empty")
	case strings.TrimSpace(doc.Text) == "":
		return 0, inputError(StageValidate, "document %q is empty", doc.Name)
	case collection == "":
		return 0, inputError(StageValidate, "collection name is empty")
	}

	ctx, span := observability.StartIngestSpan(ctx, collection, doc.Name, len(doc.Text))
	defer span.End()
	start := time.Now()
	if p.metrics != nil {
		p.metrics.ActiveIngestions.Inc()
		defer p.metrics.ActiveIngestions.Dec()
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordIngest(time.Since(start), n, err)
		}
		if err != nil {
			observability.RecordError(span, err)
		}
	}()

	log := p.log.With().Str("collection", collection).Str("source", doc.Name).Logger()

	chunks := p.splitter.Split(doc.Name, doc.Text)
	if len(chunks) == 0 {
		log.Warn().Int("chars", len(doc.Text)).Msg("document produced no chunks")
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, embedError(StageEmbed, err)
	}

	if o.reset {
		if err := p.index.Delete(ctx, collection); err != nil {
			return 0, vectorError(StageDelete, p.index.Backend().Name(), err)
		}
		p.forget(ctx, collection)
		log.Info().Msg("collection reset")
	}

	ingestedAt := p.now().UTC()
	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:     RecordID(c.Source, c.Index),
			Vector: vectors[i],
			Payload: vector.Payload{
				Content:    c.Text,
				Source:     c.Source,
				ChunkIndex: c.Index,
				Start:      c.Start,
				End:        c.End,
				IngestedAt: ingestedAt,
			},
		}
	}

	if err := p.index.Upsert(ctx, collection, records); err != nil {
		return 0, vectorError(StageUpsert, p.index.Backend().Name(), err)
	}

	if p.catalog != nil {
		entry := CatalogEntry{Name: doc.Name, Chunks: len(records), IngestedAt: ingestedAt}
		if err := p.catalog.RecordIngestion(ctx, collection, entry); err != nil {
			log.Warn().Err(err).Msg("catalog update failed")
		}
	}

	log.Info().
		Int("chunks", len(records)).
		Dur("duration", time.Since(start)).
		Msg("document ingested")
	return len(records), nil
}

// Answer retrieves up to k chunks relevant to query from collection and
// synthesizes an answer from them. k == 0 uses the configured default.
func (p *Pipeline) Answer(ctx context.Context, query, collection string, k int) (*Answer, error) {
	switch {
	case strings.TrimSpace(query) == "":
		return nil, inputError(StageValidate, "query is empty")
	case collection == "":
		return nil, inputError(StageValidate, "collection name is empty")
	case k < 0:
		return nil, inputError(StageValidate, "k must not be negative, got %d", k)
	case k == 0:
		k = p.cfg.DefaultK
	}

	ctx, span := observability.StartAnswerSpan(ctx, collection, k)
	defer span.End()
	start := time.Now()

	if _, err := p.index.Describe(ctx, collection); err != nil {
		e := vectorError(StageDescribe, p.index.Backend().Name(), err)
		observability.RecordError(span, e)
		return nil, e
	}

	matches, err := p.retriever.Retrieve(ctx, query, collection, k)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	ans, err := p.synth.Synthesize(ctx, query, collection, matches)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.RecordQuery(time.Since(start), ans.Grounded)
	}
	p.log.Info().
		Str("collection", collection).
		Int("k", k).
		Int("matches", len(matches)).
		Int("sources", len(ans.Sources)).
		Bool("grounded", ans.Grounded).
		Dur("duration", time.Since(start)).
		Msg("question answered")
	return ans, nil
}

// Collections lists every collection in the index.
func (p *Pipeline) Collections(ctx context.Context) ([]vector.CollectionInfo, error) {
	infos, err := p.index.List(ctx)
	if err != nil {
		return nil, vectorError(StageDescribe, p.index.Backend().Name(), err)
	}
	return infos, nil
}

// DescribeCollection returns details for collection, or a NotFound error.
func (p *Pipeline) DescribeCollection(ctx context.Context, collection string) (*CollectionDetails, error) {
	if collection == "" {
		return nil, inputError(StageValidate, "collection name is empty")
	}
	info, err := p.index.Describe(ctx, collection)
	if err != nil {
		return nil, vectorError(StageDescribe, p.index.Backend().Name(), err)
	}
	details := &CollectionDetails{CollectionInfo: info}
	if p.catalog != nil {
		docs, err := p.catalog.Documents(ctx, collection)
		if err != nil {
			p.log.Warn().Err(err).Str("collection", collection).Msg("catalog lookup failed")
		}
		details.Documents = docs
	}
	return details, nil
}

// DeleteCollection drops collection. Deleting a missing collection succeeds.
func (p *Pipeline) DeleteCollection(ctx context.Context, collection string) error {
	if collection == "" {
		return inputError(StageValidate, "collection name is empty")
	}
	if err := p.index.Delete(ctx, collection); err != nil {
		return vectorError(StageDelete, p.index.Backend().Name(), err)
	}
	p.forget(ctx, collection)
	p.log.Info().Str("collection", collection).Msg("collection deleted")
	return nil
}

func (p *Pipeline) forget(ctx context.Context, collection string) {
	if p.catalog == nil {
		return
	}
	if err := p.catalog.DeleteCollection(ctx, collection); err != nil {
		p.log.Warn().Err(err).Str("collection", collection).Msg("catalog cleanup failed")
	}
}
