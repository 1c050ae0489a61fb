package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/efebarandurmaz/lograg/internal/config"
	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/rag"
	"github.com/efebarandurmaz/lograg/internal/vector"
)

type ingestCall struct {
	doc        rag.Document
	collection string
	reset      bool
}

type fakeService struct {
	ingested []ingestCall
	chunks   int
	err      error

	query      string
	collection string
	k          int
	answer     *rag.Answer

	deleted []string
	infos   []vector.CollectionInfo
	details *rag.CollectionDetails
}

func (f *fakeService) Ingest(ctx context.Context, doc rag.Document, collection string, opts ...rag.IngestOption) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	// The only ingest option the API sends is WithReset.
	f.ingested = append(f.ingested, ingestCall{doc: doc, collection: collection, reset: len(opts) > 0})
	return f.chunks, nil
}

func (f *fakeService) Answer(ctx context.Context, query, collection string, k int) (*rag.Answer, error) {
	f.query, f.collection, f.k = query, collection, k
	if f.err != nil {
		return nil, f.err
	}
	return f.answer, nil
}

func (f *fakeService) Collections(ctx context.Context) ([]vector.CollectionInfo, error) {
	return f.infos, f.err
}

func (f *fakeService) DescribeCollection(ctx context.Context, collection string) (*rag.CollectionDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.details, nil
}

func (f *fakeService) DeleteCollection(ctx context.Context, collection string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, collection)
	return nil
}

type fakeQueue struct {
	doc        rag.Document
	collection string
	reset      bool
	err        error
}

func (q *fakeQueue) EnqueueIngest(ctx context.Context, doc rag.Document, collection string, reset bool) (string, error) {
	q.doc, q.collection, q.reset = doc, collection, reset
	if q.err != nil {
		return "", q.err
	}
	return "ingest-123", nil
}

func uploadRequest(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAPI_Upload(t *testing.T) {
	svc := &fakeService{chunks: 3}
	api := NewAPI(svc, APIConfig{})

	w := do(api.Handler(), uploadRequest(t, "../../var/log/mysqld.log", "ERROR 1045", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[UploadResponse](t, w)
	if resp.Filename != "mysqld.log" {
		t.Errorf("filename = %q, want base name", resp.Filename)
	}
	if resp.CollectionName != config.DefaultCollection {
		t.Errorf("collection = %q", resp.CollectionName)
	}
	if resp.Status != "success" || resp.Chunks != 3 {
		t.Errorf("unexpected response %+v", resp)
	}
	if !strings.Contains(resp.Message, "3 document chunks") {
		t.Errorf("message = %q", resp.Message)
	}
	if len(svc.ingested) != 1 || svc.ingested[0].doc.Text != "ERROR 1045" || svc.ingested[0].reset {
		t.Fatalf("unexpected ingest calls %+v", svc.ingested)
	}
}

func TestAPI_Upload_CollectionAndReset(t *testing.T) {
	svc := &fakeService{chunks: 1}
	api := NewAPI(svc, APIConfig{})

	req := uploadRequest(t, "app.log", "x", map[string]string{"collection_name": "jenkins", "reset": "true"})
	if w := do(api.Handler(), req); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if svc.ingested[0].collection != "jenkins" || !svc.ingested[0].reset {
		t.Fatalf("unexpected ingest call %+v", svc.ingested[0])
	}
}

func TestAPI_Upload_InvalidUTF8IsReplaced(t *testing.T) {
	svc := &fakeService{chunks: 1}
	api := NewAPI(svc, APIConfig{})

	do(api.Handler(), uploadRequest(t, "bin.log", "ok\xffdone", nil))
	if got := svc.ingested[0].doc.Text; got != "ok�done" {
		t.Fatalf("text = %q", got)
	}
}

func TestAPI_Upload_BadRequests(t *testing.T) {
	api := NewAPI(&fakeService{}, APIConfig{})

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing_file", uploadRequest(t, "", "", map[string]string{"collection_name": "c"})},
		{"bad_reset", uploadRequest(t, "a.log", "x", map[string]string{"reset": "maybe"})},
		{"not_multipart", httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("plain"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(api.Handler(), tt.req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if resp := decode[ErrorResponse](t, w); resp.Error != rag.KindInput.String() {
				t.Fatalf("error kind = %q", resp.Error)
			}
		})
	}
}

func TestAPI_Upload_TooLarge(t *testing.T) {
	api := NewAPI(&fakeService{}, APIConfig{MaxUploadBytes: 64})
	w := do(api.Handler(), uploadRequest(t, "big.log", strings.Repeat("x", 1024), nil))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if resp := decode[ErrorResponse](t, w); resp.Error != "input_error" {
		t.Errorf("kind = %q", resp.Error)
	}
}

func TestAPI_Upload_Async(t *testing.T) {
	svc := &fakeService{}
	q := &fakeQueue{}
	api := NewAPI(svc, APIConfig{}, WithEnqueuer(q))

	req := uploadRequest(t, "big.log", "lines", map[string]string{"async": "1", "collection_name": "c", "reset": "true"})
	w := do(api.Handler(), req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	resp := decode[UploadResponse](t, w)
	if resp.JobID != "ingest-123" || resp.Status != "queued" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if q.doc.Name != "big.log" || q.collection != "c" || !q.reset {
		t.Fatalf("unexpected enqueue %+v", q)
	}
	if len(svc.ingested) != 0 {
		t.Fatal("async upload must not ingest inline")
	}
}

func TestAPI_Upload_AsyncUnavailable(t *testing.T) {
	api := NewAPI(&fakeService{}, APIConfig{})
	w := do(api.Handler(), uploadRequest(t, "a.log", "x", map[string]string{"async": "true"}))
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}

	api = NewAPI(&fakeService{}, APIConfig{}, WithEnqueuer(&fakeQueue{err: errors.New("temporal down")}))
	w = do(api.Handler(), uploadRequest(t, "a.log", "x", map[string]string{"async": "true"}))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestAPI_Query(t *testing.T) {
	long := strings.Repeat("é", 20)
	svc := &fakeService{answer: &rag.Answer{
		Query:      "why did it fail",
		Collection: "jenkins",
		Text:       "**Root Cause:** exit status 1",
		Grounded:   true,
		Sources: []vector.Match{{
			Record: vector.Record{Payload: vector.Payload{
				Content:    long,
				Source:     "build.log",
				ChunkIndex: 4,
				IngestedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
			Score: 0.91,
			Rank:  1,
		}},
	}}
	api := NewAPI(svc, APIConfig{SourcePreviewChars: 5})

	body := `{"query":"why did it fail","collection_name":"jenkins","limit":3}`
	w := do(api.Handler(), httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if svc.query != "why did it fail" || svc.collection != "jenkins" || svc.k != 3 {
		t.Fatalf("unexpected call %q %q %d", svc.query, svc.collection, svc.k)
	}
	resp := decode[QueryResponse](t, w)
	if resp.Answer != "**Root Cause:** exit status 1" || !resp.Grounded || resp.CollectionName != "jenkins" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(resp.Sources))
	}
	src := resp.Sources[0]
	if src.Content != strings.Repeat("é", 5) {
		t.Errorf("preview = %q", src.Content)
	}
	if src.Source != "build.log" || src.ChunkIndex != 4 || src.Rank != 1 || src.Score != 0.91 {
		t.Errorf("unexpected source %+v", src)
	}
}

func TestAPI_Query_Defaults(t *testing.T) {
	svc := &fakeService{answer: &rag.Answer{Sources: []vector.Match{}}}
	api := NewAPI(svc, APIConfig{DefaultK: 4, DefaultCollection: "logs"})

	w := do(api.Handler(), httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"q"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if svc.collection != "logs" || svc.k != 4 {
		t.Fatalf("defaults not applied: %q %d", svc.collection, svc.k)
	}
	if !strings.Contains(w.Body.String(), `"sources":[]`) {
		t.Fatalf("sources must be an empty array: %s", w.Body.String())
	}
}

func TestAPI_Query_BadRequests(t *testing.T) {
	api := NewAPI(&fakeService{}, APIConfig{})
	for _, body := range []string{`{"query":"  "}`, `{"query":"q","limit":-1}`, `not json`, `{"query":"q","bogus":1}`} {
		w := do(api.Handler(), httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestAPI_ErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  int
		kind  string
		retry bool
	}{
		{"input", &rag.Error{Kind: rag.KindInput, Stage: rag.StageRetrieve, Err: errors.New("k must be positive")}, http.StatusBadRequest, "input_error", false},
		{"not_found", &rag.Error{Kind: rag.KindNotFound, Stage: rag.StageDescribe, Err: vector.ErrNotFound}, http.StatusNotFound, "not_found", false},
		{"unavailable", &rag.Error{Kind: rag.KindDependencyUnavailable, Stage: rag.StageEmbed, Err: errors.New("timeout")}, http.StatusServiceUnavailable, "dependency_unavailable", true},
		{"partial", &rag.Error{Kind: rag.KindPartialIngestion, Stage: rag.StageEmbed, Err: errors.New("batch 2")}, http.StatusServiceUnavailable, "partial_ingestion_failure", true},
		{"auth", &rag.Error{Kind: rag.KindDependencyUnavailable, Stage: rag.StageEmbed, Err: &llm.ProviderError{Kind: llm.KindAuth, StatusCode: 401}}, http.StatusServiceUnavailable, "dependency_unavailable", false},
		{"generation", &rag.Error{Kind: rag.KindGeneration, Stage: rag.StageGenerate, Err: errors.New("refused")}, http.StatusBadGateway, "generation_failure", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewAPI(&fakeService{err: tt.err}, APIConfig{})
			w := do(api.Handler(), httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(`{"query":"q"}`)))
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, w.Code)
			}
			resp := decode[ErrorResponse](t, w)
			if resp.Error != tt.kind {
				t.Errorf("kind = %q, want %q", resp.Error, tt.kind)
			}
			if resp.Detail == "" {
				t.Error("expected detail")
			}
			if got := w.Header().Get("Retry-After") != ""; got != tt.retry {
				t.Errorf("Retry-After present = %v, want %v", got, tt.retry)
			}
		})
	}
}

func TestStatusFor_Unclassified(t *testing.T) {
	if got := StatusFor(errors.New("boom")); got != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", got)
	}
	if got := StatusFor(context.DeadlineExceeded); got != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", got)
	}
}

func TestAPI_Collections(t *testing.T) {
	ingested := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := &fakeService{
		infos: []vector.CollectionInfo{{Name: "a", Count: 2}, {Name: "b", Count: 0}},
		details: &rag.CollectionDetails{
			CollectionInfo: vector.CollectionInfo{Name: "a", Count: 2, Dimension: 27, Metric: "cosine", Status: "green"},
			Documents:      []rag.CatalogEntry{{Name: "x.log", Chunks: 2, IngestedAt: ingested}},
		},
	}
	h := NewAPI(svc, APIConfig{}).Handler()

	w := do(h, httptest.NewRequest(http.MethodGet, "/collections", nil))
	list := decode[struct {
		Collections []CollectionView `json:"collections"`
	}](t, w)
	if len(list.Collections) != 2 || list.Collections[0].VectorsCount != 2 {
		t.Fatalf("unexpected list %+v", list)
	}

	w = do(h, httptest.NewRequest(http.MethodGet, "/collections/a", nil))
	view := decode[CollectionView](t, w)
	if view.Dimension != 27 || view.Metric != "cosine" || view.Status != "green" {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(view.Documents) != 1 || view.Documents[0].Name != "x.log" || !view.Documents[0].IngestedAt.Equal(ingested) {
		t.Fatalf("unexpected documents %+v", view.Documents)
	}

	w = do(h, httptest.NewRequest(http.MethodDelete, "/collections/a", nil))
	if w.Code != http.StatusOK || len(svc.deleted) != 1 || svc.deleted[0] != "a" {
		t.Fatalf("delete: %d %v", w.Code, svc.deleted)
	}
}

func TestAPI_Collections_NotFound(t *testing.T) {
	svc := &fakeService{err: &rag.Error{Kind: rag.KindNotFound, Stage: rag.StageDelete, Err: vector.ErrNotFound}}
	h := NewAPI(svc, APIConfig{}).Handler()
	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		if w := do(h, httptest.NewRequest(method, "/collections/missing", nil)); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", method, w.Code)
		}
	}
}

func TestAPI_IndexAndMetrics(t *testing.T) {
	m := observability.NewRAGMetrics()
	h := NewAPI(&fakeService{}, APIConfig{Version: "1.2.3"}, WithAPIMetrics(m)).Handler()

	w := do(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "POST /upload") {
		t.Fatalf("index: %d %s", w.Code, w.Body.String())
	}
	if w := do(h, httptest.NewRequest(http.MethodGet, "/nope", nil)); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", w.Code)
	}
	if w := do(h, httptest.NewRequest(http.MethodGet, "/metrics", nil)); w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
}
