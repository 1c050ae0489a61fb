// Package vector stores chunk embeddings in named collections and runs
// cosine similarity search over them.
package vector

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a collection does not exist.
	ErrNotFound = errors.New("collection not found")
	// ErrUnavailable wraps transport or server failures worth retrying.
	ErrUnavailable = errors.New("vector store unavailable")
	// ErrDimensionMismatch means records do not match each other or the
	// collection's dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrInvalid covers malformed arguments such as an empty collection name.
	ErrInvalid = errors.New("invalid vector request")
)

// MetricCosine is the only distance metric collections are created with.
const MetricCosine = "cosine"

// Payload is the metadata stored alongside each vector.
type Payload struct {
	Content    string
	Source     string
	ChunkIndex int
	Start      int
	End        int
	IngestedAt time.Time
}

// Record is one stored chunk.
type Record struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Match is a single result of a similarity search. Rank is 1-based.
type Match struct {
	Record Record
	Score  float32
	Rank   int
}

// CollectionInfo describes a collection. List fills Name and Count only.
type CollectionInfo struct {
	Name      string
	Count     int
	Dimension int // 0 when the backend cannot report it
	Metric    string
	Status    string
}

// Backend is implemented by each vector database adapter. Implementations
// wrap retryable failures with ErrUnavailable and report missing
// collections with ErrNotFound.
type Backend interface {
	// Name identifies the backend ("qdrant", "chromem", "pgvector").
	Name() string
	Exists(ctx context.Context, collection string) (bool, error)
	// Create creates a cosine collection of the given dimension.
	Create(ctx context.Context, collection string, dimension int) error
	// Upsert writes records, overwriting any with the same ID.
	Upsert(ctx context.Context, collection string, records []Record) error
	// Search returns at most k matches by descending score. Rank is
	// assigned by the caller.
	Search(ctx context.Context, collection string, vector []float32, k int) ([]Match, error)
	Count(ctx context.Context, collection string) (int, error)
	Describe(ctx context.Context, collection string) (CollectionInfo, error)
	List(ctx context.Context) ([]CollectionInfo, error)
	// Delete drops a collection. Deleting a missing collection is not an error.
	Delete(ctx context.Context, collection string) error
	Close() error
}
