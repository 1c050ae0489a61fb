// Package graph records which documents were ingested into which
// collection. The neo4j subpackage stores the catalog as a graph of
// (:Collection)-[:HAS_DOCUMENT]->(:Document) nodes; Memory keeps it in
// process.
package graph

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/efebarandurmaz/lograg/internal/rag"
)

// Repository is an ingestion catalog.
type Repository interface {
	rag.Catalog
	// Close releases resources.
	Close(ctx context.Context) error
}

// SortEntries orders entries by ingestion time, then name.
func SortEntries(entries []rag.CatalogEntry) {
	slices.SortFunc(entries, func(a, b rag.CatalogEntry) int {
		if c := a.IngestedAt.Compare(b.IngestedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}

// Memory is an in-process Repository.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]rag.CatalogEntry
}

// NewMemory creates an empty in-process catalog.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]rag.CatalogEntry)}
}

// RecordIngestion adds entry to collection, replacing an earlier entry for
// the same document name.
func (m *Memory) RecordIngestion(ctx context.Context, collection string, entry rag.CatalogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.collections[collection]
	if !ok {
		docs = make(map[string]rag.CatalogEntry)
		m.collections[collection] = docs
	}
	docs[entry.Name] = entry
	return nil
}

// Documents lists the entries of collection. An unknown collection has none.
func (m *Memory) Documents(ctx context.Context, collection string) ([]rag.CatalogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.collections[collection]
	out := make([]rag.CatalogEntry, 0, len(docs))
	for _, e := range docs {
		out = append(out, e)
	}
	SortEntries(out)
	return out, nil
}

// DeleteCollection forgets collection and its documents.
func (m *Memory) DeleteCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

// Close is a no-op.
func (m *Memory) Close(ctx context.Context) error { return nil }

var _ Repository = (*Memory)(nil)
