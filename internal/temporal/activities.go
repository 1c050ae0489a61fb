package temporal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/temporal"

	"github.com/efebarandurmaz/lograg/internal/rag"
)

// Ingester is the part of the pipeline the worker drives. *rag.Pipeline
// implements it.
type Ingester interface {
	Ingest(ctx context.Context, doc rag.Document, collection string, opts ...rag.IngestOption) (int, error)
}

// Activities holds the dependencies of the ingestion activities. Register a
// pointer with the worker.
type Activities struct {
	pipeline Ingester
	log      zerolog.Logger
}

// NewActivities creates the activity set.
func NewActivities(p Ingester, log zerolog.Logger) *Activities {
	return &Activities{pipeline: p, log: log}
}

// Ingest loads the document named by input and runs it through the
// pipeline. Pipeline errors are returned as application errors typed by
// their kind so the workflow retry policy can tell them apart.
func (a *Activities) Ingest(ctx context.Context, input IngestInput) (int, error) {
	doc, err := loadDocument(input)
	if err != nil {
		return 0, temporal.NewNonRetryableApplicationError(err.Error(), rag.KindInput.String(), err)
	}

	var opts []rag.IngestOption
	if input.Reset {
		opts = append(opts, rag.WithReset())
	}
	n, err := a.pipeline.Ingest(ctx, doc, input.Collection, opts...)
	if err != nil {
		var re *rag.Error
		if !errors.As(err, &re) {
			return 0, err
		}
		a.log.Warn().Err(err).Str("source", doc.Name).Bool("retryable", re.Retryable()).Msg("ingest activity failed")
		if !re.Retryable() {
			a.cleanup(input)
			return 0, temporal.NewNonRetryableApplicationError(err.Error(), re.Kind.String(), err)
		}
		return 0, temporal.NewApplicationErrorWithCause(err.Error(), re.Kind.String(), err)
	}
	a.cleanup(input)
	return n, nil
}

func (a *Activities) cleanup(input IngestInput) {
	if !input.Spooled || input.Path == "" {
		return
	}
	if err := a.RemoveSpool(context.Background(), input.Path); err != nil {
		a.log.Warn().Err(err).Str("path", input.Path).Msg("removing spooled upload")
	}
}

// RemoveSpool deletes a spooled upload. The workflow calls it once the
// ingest activity has failed for good. A file that is already gone is not
// an error.
func (a *Activities) RemoveSpool(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spooled upload: %w", err)
	}
	return nil
}

func loadDocument(input IngestInput) (rag.Document, error) {
	doc := rag.Document{Name: input.Source, Text: input.Text}
	if input.Path == "" {
		return doc, nil
	}
	if input.Text != "" {
		return doc, fmt.Errorf("both text and path given for %s", input.Source)
	}
	data, err := os.ReadFile(input.Path)
	if err != nil {
		return doc, fmt.Errorf("reading %s: %w", input.Path, err)
	}
	doc.Text = strings.ToValidUTF8(string(data), "�")
	if doc.Name == "" {
		doc.Name = filepath.Base(input.Path)
	}
	return doc, nil
}
