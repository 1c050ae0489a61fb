package temporal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/efebarandurmaz/lograg/internal/rag"
)

type ingestCall struct {
	doc        rag.Document
	collection string
	reset      bool
}

// fakeIngester fails with errs in order, then succeeds with chunks.
type fakeIngester struct {
	mu     sync.Mutex
	calls  []ingestCall
	errs   []error
	chunks int
}

func (f *fakeIngester) Ingest(ctx context.Context, doc rag.Document, collection string, opts ...rag.IngestOption) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ingestCall{doc: doc, collection: collection, reset: len(opts) > 0})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return 0, err
	}
	return f.chunks, nil
}

func (f *fakeIngester) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func unavailable() error {
	return &rag.Error{Kind: rag.KindDependencyUnavailable, Stage: rag.StageEmbed, Dependency: "embedder", Err: errors.New("503")}
}

func TestIngestWorkflow_Success(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	fake := &fakeIngester{chunks: 7}
	env.RegisterActivity(NewActivities(fake, zerolog.Nop()))

	env.ExecuteWorkflow(IngestWorkflow, IngestInput{
		Collection: "jenkins",
		Source:     "build.log",
		Text:       "Finished: FAILURE",
		Reset:      true,
	})

	if !env.IsWorkflowCompleted() {
		t.Fatal("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	var out IngestOutput
	if err := env.GetWorkflowResult(&out); err != nil {
		t.Fatal(err)
	}
	if out.Chunks != 7 || out.Collection != "jenkins" || out.Source != "build.log" {
		t.Fatalf("unexpected output %+v", out)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fake.calls))
	}
	call := fake.calls[0]
	if call.doc.Name != "build.log" || call.doc.Text != "Finished: FAILURE" || call.collection != "jenkins" || !call.reset {
		t.Fatalf("unexpected call %+v", call)
	}
}

func TestIngestWorkflow_RetriesTransientFailures(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	fake := &fakeIngester{chunks: 2, errs: []error{unavailable(), unavailable()}}
	env.RegisterActivity(NewActivities(fake, zerolog.Nop()))

	env.ExecuteWorkflow(IngestWorkflow, IngestInput{Collection: "c", Source: "a.log", Text: "x"})

	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow failed: %v", err)
	}
	if fake.count() != 3 {
		t.Fatalf("expected 3 attempts, got %d", fake.count())
	}
}

func TestIngestWorkflow_InputErrorIsNotRetried(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	fake := &fakeIngester{errs: []error{
		&rag.Error{Kind: rag.KindInput, Stage: rag.StageValidate, Err: errors.New("document text is empty")},
	}}
	env.RegisterActivity(NewActivities(fake, zerolog.Nop()))

	env.ExecuteWorkflow(IngestWorkflow, IngestInput{Collection: "c", Source: "a.log", Text: " "})

	err := env.GetWorkflowError()
	if err == nil {
		t.Fatal("expected workflow error")
	}
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected application error, got %T: %v", err, err)
	}
	if appErr.Type() != rag.KindInput.String() {
		t.Fatalf("error type = %q", appErr.Type())
	}
	if fake.count() != 1 {
		t.Fatalf("expected 1 attempt, got %d", fake.count())
	}
}

func TestIngestWorkflow_RemovesSpoolWhenRetriesRunOut(t *testing.T) {
	var s testsuite.WorkflowTestSuite
	env := s.NewTestWorkflowEnvironment()

	path := filepath.Join(t.TempDir(), "big.log")
	if err := os.WriteFile(path, []byte("InnoDB: fatal error"), 0o600); err != nil {
		t.Fatal(err)
	}
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = unavailable()
	}
	fake := &fakeIngester{errs: errs}
	env.RegisterActivity(NewActivities(fake, zerolog.Nop()))

	env.ExecuteWorkflow(IngestWorkflow, IngestInput{Collection: "c", Source: "big.log", Path: path, Spooled: true})

	if err := env.GetWorkflowError(); err == nil {
		t.Fatal("expected workflow error")
	}
	if fake.count() != 5 {
		t.Fatalf("expected 5 attempts, got %d", fake.count())
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("spooled file left behind: %v", err)
	}
}

func TestRemoveSpool_MissingFile(t *testing.T) {
	acts := NewActivities(&fakeIngester{}, zerolog.Nop())
	if err := acts.RemoveSpool(context.Background(), filepath.Join(t.TempDir(), "gone.log")); err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
}

func TestIngestActivity_ReadsSpooledFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest-1.log")
	if err := os.WriteFile(path, []byte("line\xff one"), 0o600); err != nil {
		t.Fatal(err)
	}

	var s testsuite.WorkflowTestSuite
	env := s.NewTestActivityEnvironment()
	fake := &fakeIngester{chunks: 1}
	acts := NewActivities(fake, zerolog.Nop())
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.Ingest, IngestInput{Collection: "c", Path: path, Spooled: true})
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if err := val.Get(&n); err != nil || n != 1 {
		t.Fatalf("result = %d, %v", n, err)
	}
	doc := fake.calls[0].doc
	if doc.Name != "ingest-1.log" {
		t.Errorf("name = %q, want file base name", doc.Name)
	}
	if doc.Text != "line� one" {
		t.Errorf("text = %q", doc.Text)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("spooled file not removed: %v", err)
	}
}

func TestIngestActivity_KeepsSpoolOnRetryableFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	os.WriteFile(path, []byte("data"), 0o600)

	acts := NewActivities(&fakeIngester{errs: []error{unavailable()}}, zerolog.Nop())
	_, err := acts.Ingest(context.Background(), IngestInput{Collection: "c", Source: "big.log", Path: path, Spooled: true})

	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) || appErr.NonRetryable() {
		t.Fatalf("expected retryable application error, got %v", err)
	}
	if appErr.Type() != rag.KindDependencyUnavailable.String() {
		t.Fatalf("error type = %q", appErr.Type())
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("spooled file must survive for the next attempt: %v", err)
	}
}

func TestIngestActivity_BadInput(t *testing.T) {
	acts := NewActivities(&fakeIngester{}, zerolog.Nop())

	tests := []struct {
		name  string
		input IngestInput
	}{
		{"missing_file", IngestInput{Collection: "c", Path: filepath.Join(t.TempDir(), "nope.log")}},
		{"text_and_path", IngestInput{Collection: "c", Source: "a", Text: "x", Path: "/tmp/a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := acts.Ingest(context.Background(), tt.input)
			var appErr *temporal.ApplicationError
			if !errors.As(err, &appErr) || !appErr.NonRetryable() {
				t.Fatalf("expected non-retryable error, got %v", err)
			}
		})
	}
}

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetID() string { return r.id }

type fakeStarter struct {
	opts  client.StartWorkflowOptions
	input IngestInput
	err   error
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	f.opts = options
	f.input = args[0].(IngestInput)
	if f.err != nil {
		return nil, f.err
	}
	return fakeRun{id: options.ID}, nil
}

func TestEnqueuer_Inline(t *testing.T) {
	st := &fakeStarter{}
	e := &Enqueuer{client: st, taskQueue: "lograg-ingest"}

	id, err := e.EnqueueIngest(context.Background(), rag.Document{Name: "a.log", Text: "hello"}, "c", true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "ingest-") || id != st.opts.ID {
		t.Fatalf("unexpected id %q (options %q)", id, st.opts.ID)
	}
	if st.opts.TaskQueue != "lograg-ingest" {
		t.Fatalf("task queue = %q", st.opts.TaskQueue)
	}
	want := IngestInput{Collection: "c", Source: "a.log", Text: "hello", Reset: true}
	if st.input != want {
		t.Fatalf("input = %+v, want %+v", st.input, want)
	}
}

func TestEnqueuer_SpoolsLargeDocuments(t *testing.T) {
	dir := t.TempDir()
	st := &fakeStarter{}
	e := &Enqueuer{client: st, taskQueue: "q", spoolDir: dir}

	text := strings.Repeat("x", MaxInlineBytes+1)
	if _, err := e.EnqueueIngest(context.Background(), rag.Document{Name: "big.log", Text: text}, "c", false); err != nil {
		t.Fatal(err)
	}
	if st.input.Text != "" || !st.input.Spooled || filepath.Dir(st.input.Path) != dir {
		t.Fatalf("expected spooled input, got path=%q spooled=%v", st.input.Path, st.input.Spooled)
	}
	data, err := os.ReadFile(st.input.Path)
	if err != nil || len(data) != len(text) {
		t.Fatalf("spool file: %d bytes, %v", len(data), err)
	}

	e.spoolDir = ""
	if _, err := e.EnqueueIngest(context.Background(), rag.Document{Name: "big.log", Text: text}, "c", false); err == nil {
		t.Fatal("expected error without a spool directory")
	}
}

func TestEnqueuer_StartFailureRemovesSpool(t *testing.T) {
	dir := t.TempDir()
	e := &Enqueuer{client: &fakeStarter{err: errors.New("frontend unavailable")}, taskQueue: "q", spoolDir: dir}

	_, err := e.EnqueueIngest(context.Background(), rag.Document{Name: "big.log", Text: strings.Repeat("x", MaxInlineBytes+1)}, "c", false)
	if err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected spool dir to be empty, got %d entries", len(entries))
	}
}
