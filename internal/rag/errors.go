package rag

import (
	"errors"
	"fmt"

	"github.com/efebarandurmaz/lograg/internal/embed"
	"github.com/efebarandurmaz/lograg/internal/llm"
	"github.com/efebarandurmaz/lograg/internal/vector"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	KindInput Kind = iota + 1
	KindDependencyUnavailable
	KindNotFound
	KindPartialIngestion
	KindGeneration
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input_error"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	case KindNotFound:
		return "not_found"
	case KindPartialIngestion:
		return "partial_ingestion_failure"
	case KindGeneration:
		return "generation_failure"
	}
	return "unknown"
}

// Sentinels for errors.Is matching on kind.
var (
	ErrInput                 = &Error{Kind: KindInput}
	ErrDependencyUnavailable = &Error{Kind: KindDependencyUnavailable}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrPartialIngestion      = &Error{Kind: KindPartialIngestion}
	ErrGeneration            = &Error{Kind: KindGeneration}
)

// Pipeline stages reported in Error.Stage.
const (
	StageValidate = "validate"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageUpsert   = "upsert"
	StageDescribe = "describe"
	StageDelete   = "delete"
	StageRetrieve = "retrieve"
	StageGenerate = "generate"
)

// Error is returned by every pipeline operation.
type Error struct {
	Kind       Kind
	Stage      string
	Dependency string // "embedder", "vector:<backend>" or "llm"; empty for input errors
	Err        error
}

func (e *Error) Error() string {
	msg := "rag"
	if e.Stage != "" {
		msg += " " + e.Stage
	}
	msg += ": " + e.Kind.String()
	if e.Dependency != "" {
		msg += " (" + e.Dependency + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Retryable reports whether repeating the whole operation later may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindDependencyUnavailable, KindPartialIngestion:
		// A provider that refused the credentials or quota refuses them again.
		var pe *llm.ProviderError
		if errors.As(e.Err, &pe) {
			return pe.Transient()
		}
		return true
	case KindGeneration:
		return llm.IsTransient(e.Err)
	}
	return false
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func inputError(stage, format string, args ...any) *Error {
	return &Error{Kind: KindInput, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// vectorError maps index failures: a missing collection is NotFound, bad
// dimensions or arguments are InputError, everything else means the store
// could not serve the request.
func vectorError(stage, backend string, err error) *Error {
	dep := "vector:" + backend
	switch {
	case errors.Is(err, vector.ErrNotFound):
		return &Error{Kind: KindNotFound, Stage: stage, Dependency: dep, Err: err}
	case errors.Is(err, vector.ErrDimensionMismatch), errors.Is(err, vector.ErrInvalid):
		return &Error{Kind: KindInput, Stage: stage, Dependency: dep, Err: err}
	}
	return &Error{Kind: KindDependencyUnavailable, Stage: stage, Dependency: dep, Err: err}
}

// embedError maps embedding failures. When some batches of a multi-batch
// call had already succeeded the failure is partial; otherwise text the
// provider rejects as malformed is an input error.
func embedError(stage string, err error) *Error {
	kind := KindDependencyUnavailable
	var be *embed.BatchError
	switch {
	case errors.As(err, &be) && be.Succeeded > 0:
		kind = KindPartialIngestion
	case errors.Is(err, llm.ErrInvalidInput):
		kind = KindInput
	}
	return &Error{Kind: kind, Stage: stage, Dependency: "embedder", Err: err}
}
