package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/lograg/internal/metrics"
	"github.com/efebarandurmaz/lograg/internal/rag"
	"github.com/efebarandurmaz/lograg/internal/temporal"
	"github.com/efebarandurmaz/lograg/internal/watch"
)

type ingestOptions struct {
	collection string
	pattern    string
	reset      bool
	async      bool
	watch      bool
	jsonReport bool
}

func newIngestCmd(g *globals) *cobra.Command {
	var o ingestOptions
	cmd := &cobra.Command{
		Use:   "ingest <file|dir>...",
		Short: "Chunk, embed and store log files in a collection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.async && o.watch {
				return fmt.Errorf("--async and --watch cannot be combined")
			}
			return runIngest(cmd.Context(), g, args, o)
		},
	}
	cmd.Flags().StringVarP(&o.collection, "collection", "c", "", "Target collection (default vector.default_collection)")
	cmd.Flags().StringVar(&o.pattern, "pattern", "", "Only ingest files in directories matching this glob, e.g. '*.log'")
	cmd.Flags().BoolVar(&o.reset, "reset", false, "Delete the collection before ingesting")
	cmd.Flags().BoolVar(&o.async, "async", false, "Hand the files to the Temporal worker instead of ingesting here")
	cmd.Flags().BoolVar(&o.watch, "watch", false, "Keep running and re-ingest files as they change")
	cmd.Flags().BoolVar(&o.jsonReport, "json", false, "Print the report as JSON")
	return cmd
}

func runIngest(ctx context.Context, g *globals, paths []string, o ingestOptions) error {
	collection := g.collection(o.collection)
	files, err := collectFiles(paths, o.pattern)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files to ingest under %s", strings.Join(paths, ", "))
	}

	if o.async {
		// Workflows run concurrently, so a reset could race the other files.
		if o.reset && len(files) > 1 {
			return fmt.Errorf("--reset with --async takes a single file, got %d", len(files))
		}
		report, err := enqueueFiles(ctx, g, files, collection, o.reset)
		if err != nil {
			return err
		}
		return printReport(report, o.jsonReport)
	}

	a, err := g.build(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	report := metrics.New(collection, a.Backend.Name())
	for i, path := range files {
		var opts []rag.IngestOption
		// Reset once, before the first file.
		if o.reset && i == 0 {
			opts = append(opts, rag.WithReset())
		}
		ingestOne(ctx, a.Pipeline, report, path, collection, opts...)
	}
	report.Finish()
	if err := printReport(report, o.jsonReport); err != nil && !o.watch {
		return err
	}
	if !o.watch {
		return nil
	}
	return watchFiles(ctx, g, a.Pipeline, paths, collection, o.pattern)
}

// printReport writes the report and returns its aggregate error.
func printReport(report *metrics.IngestReport, asJSON bool) error {
	if asJSON {
		data, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		report.PrintSummary(os.Stdout)
	}
	return report.Err()
}

// watchFiles re-ingests files under paths whenever they change, until
// interrupted.
func watchFiles(ctx context.Context, g *globals, p *rag.Pipeline, paths []string, collection, pattern string) error {
	w, err := watch.New(paths, watch.Options{Pattern: pattern, Logger: g.log})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.log.Info().Str("collection", collection).Strs("paths", paths).Msg("watching for changes, press Ctrl+C to stop")
	err = w.Run(ctx, func(ctx context.Context, path string) error {
		doc, err := readDocument(path)
		if err != nil {
			return err
		}
		n, err := p.Ingest(ctx, doc, collection)
		if err != nil {
			return err
		}
		g.log.Info().Str("file", doc.Name).Int("chunks", n).Msg("re-ingested")
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func ingestOne(ctx context.Context, p *rag.Pipeline, report *metrics.IngestReport, path, collection string, opts ...rag.IngestOption) {
	start := time.Now()
	doc, err := readDocument(path)
	if err != nil {
		report.Add(path, 0, 0, time.Since(start), err)
		return
	}
	n, err := p.Ingest(ctx, doc, collection, opts...)
	report.Add(doc.Name, len(doc.Text), n, time.Since(start), err)
}

func enqueueFiles(ctx context.Context, g *globals, files []string, collection string, reset bool) (*metrics.IngestReport, error) {
	cfg := g.cfg
	c, err := temporal.Dial(cfg.Temporal, g.log)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if cfg.Temporal.SpoolDir != "" {
		if err := os.MkdirAll(cfg.Temporal.SpoolDir, 0o700); err != nil {
			return nil, err
		}
	}
	q := temporal.NewEnqueuer(c, cfg.Temporal.TaskQueue, cfg.Temporal.SpoolDir)

	report := metrics.New(collection, "temporal:"+cfg.Temporal.TaskQueue)
	for _, path := range files {
		doc, err := readDocument(path)
		if err != nil {
			report.Add(path, 0, 0, 0, err)
			continue
		}
		id, err := q.EnqueueIngest(ctx, doc, collection, reset)
		if err != nil {
			report.Add(doc.Name, len(doc.Text), 0, 0, err)
			continue
		}
		report.AddQueued(doc.Name, len(doc.Text), id)
	}
	report.Finish()
	return report, nil
}

// readDocument loads a log file. Invalid UTF-8 is replaced so the chunker
// always sees valid text.
func readDocument(path string) (rag.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rag.Document{}, err
	}
	return rag.Document{
		Name: filepath.Base(path),
		Text: strings.ToValidUTF8(string(data), "�"),
	}, nil
}

// collectFiles expands directories into the regular files below them,
// skipping hidden entries and files that do not match pattern. Files named
// explicitly are kept regardless of pattern.
func collectFiles(paths []string, pattern string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(root)
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			name := d.Name()
			if p != root && strings.HasPrefix(name, ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if pattern != "" {
				ok, err := filepath.Match(pattern, name)
				if err != nil {
					return fmt.Errorf("bad pattern %q: %w", pattern, err)
				}
				if !ok {
					return nil
				}
			}
			add(p)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
