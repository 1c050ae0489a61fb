package metrics

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/efebarandurmaz/lograg/internal/rag"
)

func TestIngestReport(t *testing.T) {
	r := New("jenkins", "chromem")
	r.Add("a.log", 2048, 3, 40*time.Millisecond, nil)
	r.Add("b.log", 100, 0, time.Millisecond, &rag.Error{Kind: rag.KindDependencyUnavailable, Stage: rag.StageEmbed, Err: errors.New("timeout")})
	r.AddQueued("c.log", 10, "ingest-1")
	r.Finish()

	if r.Chunks != 3 || r.Bytes != 2158 || r.Failed != 1 {
		t.Fatalf("unexpected totals %+v", r)
	}
	if r.Files[1].Kind != "dependency_unavailable" {
		t.Fatalf("kind = %q", r.Files[1].Kind)
	}
	if err := r.Err(); err == nil || !strings.Contains(err.Error(), "1 of 3") {
		t.Fatalf("Err = %v", err)
	}

	var buf bytes.Buffer
	r.PrintSummary(&buf)
	out := buf.String()
	for _, want := range []string{"LOGRAG INGEST REPORT", "jenkins", "2.1 KB", "3 chunks", "FAILED dependency_unavailable", "queued ingest-1", "b.log: rag embed"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	data, err := r.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var decoded IngestReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Collection != "jenkins" || len(decoded.Files) != 3 {
		t.Fatalf("unexpected JSON %s", data)
	}
}

func TestIngestReport_NoFailures(t *testing.T) {
	r := New("c", "qdrant")
	r.Add("a.log", 1, 1, 0, errors.New("plain"))
	if r.Files[0].Kind != "" {
		t.Fatalf("expected no kind for unclassified error, got %q", r.Files[0].Kind)
	}

	ok := New("c", "qdrant")
	ok.Add("a.log", 1, 1, 0, nil)
	if ok.Err() != nil {
		t.Fatal("expected no error")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int]string{0: "0 B", 1023: "1023 B", 1536: "1.5 KB", 3 << 20: "3.0 MB"}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
