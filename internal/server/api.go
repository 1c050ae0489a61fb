package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/efebarandurmaz/lograg/internal/config"
	"github.com/efebarandurmaz/lograg/internal/observability"
	"github.com/efebarandurmaz/lograg/internal/rag"
	"github.com/efebarandurmaz/lograg/internal/vector"
)

// Service is the pipeline surface served over HTTP. *rag.Pipeline
// implements it.
type Service interface {
	Ingest(ctx context.Context, doc rag.Document, collection string, opts ...rag.IngestOption) (int, error)
	Answer(ctx context.Context, query, collection string, k int) (*rag.Answer, error)
	Collections(ctx context.Context) ([]vector.CollectionInfo, error)
	DescribeCollection(ctx context.Context, collection string) (*rag.CollectionDetails, error)
	DeleteCollection(ctx context.Context, collection string) error
}

// Enqueuer hands an ingestion to a background worker and returns a job id.
type Enqueuer interface {
	EnqueueIngest(ctx context.Context, doc rag.Document, collection string, reset bool) (string, error)
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	DefaultCollection  string
	DefaultK           int
	MaxUploadBytes     int64
	SourcePreviewChars int
	Version            string
}

// DefaultAPIConfig returns the documented defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		DefaultCollection:  config.DefaultCollection,
		DefaultK:           6,
		MaxUploadBytes:     32 << 20,
		SourcePreviewChars: 500,
	}
}

// API serves uploads, questions and collection management.
type API struct {
	svc     Service
	queue   Enqueuer
	cfg     APIConfig
	log     zerolog.Logger
	metrics *observability.RAGMetrics
}

// APIOption configures an API.
type APIOption func(*API)

// WithAPILogger sets the request logger.
func WithAPILogger(l zerolog.Logger) APIOption {
	return func(a *API) { a.log = l }
}

// WithAPIMetrics serves m on /metrics.
func WithAPIMetrics(m *observability.RAGMetrics) APIOption {
	return func(a *API) { a.metrics = m }
}

// WithEnqueuer enables asynchronous uploads.
func WithEnqueuer(q Enqueuer) APIOption {
	return func(a *API) { a.queue = q }
}

// NewAPI creates the API. Zero config fields take their defaults.
func NewAPI(svc Service, cfg APIConfig, opts ...APIOption) *API {
	d := DefaultAPIConfig()
	if cfg.DefaultCollection == "" {
		cfg.DefaultCollection = d.DefaultCollection
	}
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = d.DefaultK
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = d.MaxUploadBytes
	}
	if cfg.SourcePreviewChars <= 0 {
		cfg.SourcePreviewChars = d.SourcePreviewChars
	}
	a := &API{svc: svc, cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the API routes wrapped in request logging.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleIndex)
	mux.HandleFunc("POST /upload", a.handleUpload)
	mux.HandleFunc("POST /query", a.handleQuery)
	mux.HandleFunc("GET /collections", a.handleListCollections)
	mux.HandleFunc("GET /collections/{name}", a.handleDescribeCollection)
	mux.HandleFunc("DELETE /collections/{name}", a.handleDeleteCollection)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	return loggingMiddleware(a.log, mux)
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Filename       string `json:"filename"`
	CollectionName string `json:"collection_name"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	Chunks         int    `json:"chunks,omitempty"`
	JobID          string `json:"job_id,omitempty"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query          string `json:"query"`
	CollectionName string `json:"collection_name,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// SourceView is one retrieved source in a query response.
type SourceView struct {
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
	Source     string  `json:"source"`
	ChunkIndex int     `json:"chunk_index"`
	Rank       int     `json:"rank"`
}

// QueryResponse is returned by POST /query.
type QueryResponse struct {
	Query          string       `json:"query"`
	Answer         string       `json:"answer"`
	Sources        []SourceView `json:"sources"`
	CollectionName string       `json:"collection_name"`
	Grounded       bool         `json:"grounded"`
}

// CollectionView describes a collection in API responses.
type CollectionView struct {
	Name         string         `json:"name"`
	VectorsCount int            `json:"vectors_count"`
	Dimension    int            `json:"dimension,omitempty"`
	Metric       string         `json:"metric,omitempty"`
	Status       string         `json:"status,omitempty"`
	Documents    []DocumentView `json:"documents,omitempty"`
}

// DocumentView is a catalog entry in API responses.
type DocumentView struct {
	Name       string    `json:"name"`
	Chunks     int       `json:"chunks"`
	IngestedAt time.Time `json:"ingested_at"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (a *API) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "lograg - log analysis RAG server",
		"version": a.cfg.Version,
		"endpoints": map[string]string{
			"POST /upload":               "Upload a log file for analysis",
			"POST /query":                "Ask a question about uploaded logs",
			"GET /collections":           "List all collections",
			"GET /collections/{name}":    "Get collection info",
			"DELETE /collections/{name}": "Delete a collection",
			"GET /health":                "Health check",
			"GET /metrics":               "Prometheus metrics",
			"GET /":                      "This endpoint",
		},
	})
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(a.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
			a.writeError(w, http.StatusRequestEntityTooLarge, rag.KindInput.String(),
				fmt.Sprintf("upload exceeds %d bytes", a.cfg.MaxUploadBytes))
			return
		}
		a.badRequest(w, "invalid multipart upload: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.badRequest(w, "missing form file \"file\"")
		return
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." || name == string(filepath.Separator) {
		a.badRequest(w, "invalid filename")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		a.badRequest(w, "reading upload: "+err.Error())
		return
	}
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	collection := r.FormValue("collection_name")
	if collection == "" {
		collection = a.cfg.DefaultCollection
	}
	reset, err := formBool(r, "reset")
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	async, err := formBool(r, "async")
	if err != nil {
		a.badRequest(w, err.Error())
		return
	}
	doc := rag.Document{Name: name, Text: text}

	if async {
		if a.queue == nil {
			a.writeError(w, http.StatusNotImplemented, "async_unavailable", "asynchronous ingestion is not configured")
			return
		}
		id, err := a.queue.EnqueueIngest(r.Context(), doc, collection, reset)
		if err != nil {
			a.log.Error().Err(err).Str("file", name).Msg("enqueue failed")
			a.writeError(w, http.StatusServiceUnavailable, rag.KindDependencyUnavailable.String(), err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, UploadResponse{
			Filename:       name,
			CollectionName: collection,
			Status:         "queued",
			Message:        "Ingestion queued",
			JobID:          id,
		})
		return
	}

	var opts []rag.IngestOption
	if reset {
		opts = append(opts, rag.WithReset())
	}
	n, err := a.svc.Ingest(r.Context(), doc, collection, opts...)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		Filename:       name,
		CollectionName: collection,
		Status:         "success",
		Message:        fmt.Sprintf("Successfully processed %d document chunks", n),
		Chunks:         n,
	})
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		a.badRequest(w, "Query cannot be empty")
		return
	}
	if req.CollectionName == "" {
		req.CollectionName = a.cfg.DefaultCollection
	}
	if req.Limit < 0 {
		a.badRequest(w, "limit must not be negative")
		return
	}
	if req.Limit == 0 {
		req.Limit = a.cfg.DefaultK
	}

	ans, err := a.svc.Answer(r.Context(), req.Query, req.CollectionName, req.Limit)
	if err != nil {
		a.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, NewQueryResponse(ans, a.cfg.SourcePreviewChars))
}

// NewQueryResponse converts an answer, cutting source content to
// previewChars runes.
func NewQueryResponse(ans *rag.Answer, previewChars int) QueryResponse {
	sources := make([]SourceView, len(ans.Sources))
	for i, m := range ans.Sources {
		sources[i] = SourceView{
			Content:    preview(m.Record.Payload.Content, previewChars),
			Score:      m.Score,
			Source:     m.Record.Payload.Source,
			ChunkIndex: m.Record.Payload.ChunkIndex,
			Rank:       m.Rank,
		}
	}
	return QueryResponse{
		Query:          ans.Query,
		Answer:         ans.Text,
		Sources:        sources,
		CollectionName: ans.Collection,
		Grounded:       ans.Grounded,
	}
}

func (a *API) handleListCollections(w http.ResponseWriter, r *http.Request) {
	infos, err := a.svc.Collections(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	views := make([]CollectionView, len(infos))
	for i, info := range infos {
		views[i] = CollectionView{Name: info.Name, VectorsCount: info.Count}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": views})
}

func (a *API) handleDescribeCollection(w http.ResponseWriter, r *http.Request) {
	details, err := a.svc.DescribeCollection(r.Context(), r.PathValue("name"))
	if err != nil {
		a.fail(w, err)
		return
	}
	view := CollectionView{
		Name:         details.Name,
		VectorsCount: details.Count,
		Dimension:    details.Dimension,
		Metric:       details.Metric,
		Status:       details.Status,
	}
	for _, d := range details.Documents {
		view.Documents = append(view.Documents, DocumentView(d))
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := a.svc.DeleteCollection(r.Context(), name); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Collection '%s' deleted", name),
	})
}

// StatusFor maps a pipeline error to an HTTP status code.
func StatusFor(err error) int {
	switch rag.KindOf(err) {
	case rag.KindInput:
		return http.StatusBadRequest
	case rag.KindNotFound:
		return http.StatusNotFound
	case rag.KindDependencyUnavailable, rag.KindPartialIngestion:
		return http.StatusServiceUnavailable
	case rag.KindGeneration:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	kind := rag.KindOf(err).String()
	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("kind", kind).Msg("request failed")
	}
	var re *rag.Error
	if errors.As(err, &re) && re.Retryable() {
		w.Header().Set("Retry-After", "5")
	}
	a.writeError(w, status, kind, err.Error())
}

func (a *API) badRequest(w http.ResponseWriter, detail string) {
	a.writeError(w, http.StatusBadRequest, rag.KindInput.String(), detail)
}

func (a *API) writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Detail: detail})
}

func formBool(r *http.Request, key string) (bool, error) {
	v := r.FormValue(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func preview(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
