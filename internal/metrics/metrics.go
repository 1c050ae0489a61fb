// Package metrics summarizes a command-line ingestion run.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/efebarandurmaz/lograg/internal/rag"
)

// IngestReport collects statistics for one ingest command.
type IngestReport struct {
	Collection string        `json:"collection"`
	Backend    string        `json:"backend"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration_ms,omitempty"`
	Files      []FileResult  `json:"files"`
	Chunks     int           `json:"chunks"`
	Bytes      int           `json:"bytes"`
	Failed     int           `json:"failed"`
}

// FileResult is the outcome of ingesting one file.
type FileResult struct {
	Name     string        `json:"name"`
	Bytes    int           `json:"bytes"`
	Chunks   int           `json:"chunks"`
	Duration time.Duration `json:"duration_ms"`
	JobID    string        `json:"job_id,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"error_kind,omitempty"`
}

// New starts tracking an ingestion run.
func New(collection, backend string) *IngestReport {
	return &IngestReport{Collection: collection, Backend: backend, StartedAt: time.Now()}
}

// Add records the result of one file.
func (r *IngestReport) Add(name string, bytes, chunks int, d time.Duration, err error) {
	res := FileResult{Name: name, Bytes: bytes, Chunks: chunks, Duration: d}
	if err != nil {
		res.Error = err.Error()
		if k := rag.KindOf(err); k != 0 {
			res.Kind = k.String()
		}
		r.Failed++
	}
	r.Files = append(r.Files, res)
	r.Chunks += chunks
	r.Bytes += bytes
}

// AddQueued records a file handed to a background worker.
func (r *IngestReport) AddQueued(name string, bytes int, jobID string) {
	r.Files = append(r.Files, FileResult{Name: name, Bytes: bytes, JobID: jobID})
	r.Bytes += bytes
}

// Finish marks the run as complete.
func (r *IngestReport) Finish() {
	r.FinishedAt = time.Now()
	r.Duration = r.FinishedAt.Sub(r.StartedAt)
}

// Err returns an error when any file failed.
func (r *IngestReport) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d files failed", r.Failed, len(r.Files))
}

// PrintSummary writes a human-readable summary.
func (r *IngestReport) PrintSummary(w io.Writer) {
	fmt.Fprintf(w, "\n╔══════════════════════════════════════╗\n")
	fmt.Fprintf(w, "║        LOGRAG INGEST REPORT          ║\n")
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ Collection:  %-23s║\n", r.Collection)
	fmt.Fprintf(w, "║ Backend:     %-23s║\n", r.Backend)
	fmt.Fprintf(w, "║ Duration:    %-23s║\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "║ Files:       %-23d║\n", len(r.Files))
	fmt.Fprintf(w, "║ Chunks:      %-23d║\n", r.Chunks)
	fmt.Fprintf(w, "║ Size:        %-23s║\n", formatBytes(r.Bytes))
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	for _, f := range r.Files {
		status := fmt.Sprintf("%d chunks", f.Chunks)
		switch {
		case f.Error != "":
			status = "FAILED " + f.Kind
		case f.JobID != "":
			status = "queued " + f.JobID
		}
		fmt.Fprintf(w, "║   %-20s %8s  %s\n", f.Name, f.Duration.Round(time.Millisecond), status)
	}
	if r.Failed > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ ERRORS\n")
		for _, f := range r.Files {
			if f.Error != "" {
				fmt.Fprintf(w, "║   • %s: %s\n", f.Name, f.Error)
			}
		}
	}
	fmt.Fprintf(w, "╚══════════════════════════════════════╝\n")
}

// JSON returns the report as formatted JSON.
func (r *IngestReport) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

func formatBytes(b int) string {
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
