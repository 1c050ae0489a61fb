package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/efebarandurmaz/lograg/internal/rag"
)

// IngestInput holds the workflow parameters. Exactly one of Text and Path
// is set; Path must be readable by the worker.
type IngestInput struct {
	Collection string
	Source     string
	Text       string
	Path       string
	Reset      bool

	// Spooled marks Path as a temporary copy the worker removes when the
	// ingestion is finished.
	Spooled bool
}

// IngestOutput holds the workflow result.
type IngestOutput struct {
	Collection string
	Source     string
	Chunks     int
}

// nonRetryable lists the pipeline error kinds a later attempt cannot fix.
var nonRetryable = []string{
	rag.KindInput.String(),
	rag.KindNotFound.String(),
	rag.KindGeneration.String(),
}

// IngestWorkflow ingests one document into a collection.
func IngestWorkflow(ctx workflow.Context, input IngestInput) (*IngestOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        2 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: nonRetryable,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	logger := workflow.GetLogger(ctx)
	logger.Info("ingest workflow started", "collection", input.Collection, "source", input.Source)

	var a *Activities
	var chunks int
	if err := workflow.ExecuteActivity(ctx, a.Ingest, input).Get(ctx, &chunks); err != nil {
		if input.Spooled && input.Path != "" {
			removeSpool(ctx, input.Path)
		}
		return nil, fmt.Errorf("ingest %s: %w", input.Source, err)
	}

	logger.Info("ingest workflow finished", "collection", input.Collection, "chunks", chunks)
	return &IngestOutput{
		Collection: input.Collection,
		Source:     input.Source,
		Chunks:     chunks,
	}, nil
}

// removeSpool deletes the spooled copy after the last ingest attempt failed.
// A failed removal is logged and leaves the workflow error unchanged.
func removeSpool(ctx workflow.Context, path string) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.RemoveSpool, path).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Warn("removing spooled upload", "path", path, "error", err)
	}
}
