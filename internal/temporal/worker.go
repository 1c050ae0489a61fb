// Package temporal runs document ingestion as Temporal workflows so large
// uploads can be processed in the background.
package temporal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/efebarandurmaz/lograg/internal/config"
	"github.com/efebarandurmaz/lograg/internal/rag"
)

// MaxInlineBytes is the largest document sent inside the workflow input.
// Larger documents are spooled to disk and passed by path.
const MaxInlineBytes = 1 << 20

// Dial connects to the Temporal frontend described by cfg.
func Dial(cfg config.TemporalConfig, log zerolog.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Host,
		Namespace: cfg.Namespace,
		Logger:    NewLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client: %w", err)
	}
	return c, nil
}

// StartWorker creates and starts a Temporal worker.
func StartWorker(c client.Client, taskQueue string, acts *Activities) (worker.Worker, error) {
	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(IngestWorkflow)
	w.RegisterActivity(acts)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}

// starter is the part of client.Client used to start workflows.
type starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Enqueuer starts ingestion workflows.
type Enqueuer struct {
	client    starter
	taskQueue string
	spoolDir  string
}

// NewEnqueuer creates an Enqueuer. Documents larger than MaxInlineBytes are
// written to spoolDir, which must be shared with the workers; an empty
// spoolDir rejects them instead.
func NewEnqueuer(c client.Client, taskQueue, spoolDir string) *Enqueuer {
	return &Enqueuer{client: c, taskQueue: taskQueue, spoolDir: spoolDir}
}

// EnqueueIngest starts an IngestWorkflow and returns its workflow ID.
func (e *Enqueuer) EnqueueIngest(ctx context.Context, doc rag.Document, collection string, reset bool) (string, error) {
	input := IngestInput{
		Collection: collection,
		Source:     doc.Name,
		Text:       doc.Text,
		Reset:      reset,
	}
	id := "ingest-" + uuid.NewString()

	if len(doc.Text) > MaxInlineBytes {
		if e.spoolDir == "" {
			return "", fmt.Errorf("document %s is %d bytes, over the %d byte inline limit, and no spool directory is configured", doc.Name, len(doc.Text), MaxInlineBytes)
		}
		path := filepath.Join(e.spoolDir, id+".log")
		if err := os.WriteFile(path, []byte(doc.Text), 0o600); err != nil {
			return "", fmt.Errorf("spooling %s: %w", doc.Name, err)
		}
		input.Text = ""
		input.Path = path
		input.Spooled = true
	}

	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: e.taskQueue,
	}, IngestWorkflow, input)
	if err != nil {
		if input.Spooled {
			os.Remove(input.Path)
		}
		return "", fmt.Errorf("starting ingest workflow: %w", err)
	}
	return run.GetID(), nil
}

// Logger adapts zerolog to the Temporal SDK logger.
type Logger struct {
	log zerolog.Logger
}

// NewLogger wraps l for use as client.Options.Logger.
func NewLogger(l zerolog.Logger) *Logger {
	return &Logger{log: l.With().Str("component", "temporal").Logger()}
}

func (l *Logger) Debug(msg string, keyvals ...interface{}) { l.log.Debug().Fields(keyvals).Msg(msg) }
func (l *Logger) Info(msg string, keyvals ...interface{})  { l.log.Info().Fields(keyvals).Msg(msg) }
func (l *Logger) Warn(msg string, keyvals ...interface{})  { l.log.Warn().Fields(keyvals).Msg(msg) }
func (l *Logger) Error(msg string, keyvals ...interface{}) { l.log.Error().Fields(keyvals).Msg(msg) }
