// Package neo4j stores the ingestion catalog in Neo4j.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/efebarandurmaz/lograg/internal/graph"
	"github.com/efebarandurmaz/lograg/internal/rag"
)

// Repository implements graph.Repository using Neo4j.
type Repository struct {
	driver neo4j.DriverWithContext
}

// New creates a Neo4j-backed catalog and verifies the connection.
func New(ctx context.Context, uri, username, password string) (*Repository, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return &Repository{driver: driver}, nil
}

// Ping checks connectivity for health probes.
func (r *Repository) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

func (r *Repository) RecordIngestion(ctx context.Context, collection string, entry rag.CatalogEntry) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MERGE (c:Collection {name: $collection}) "+
				"MERGE (c)-[:HAS_DOCUMENT]->(d:Document {collection: $collection, name: $name}) "+
				"SET d.chunks = $chunks, d.ingested_at = $ingested_at",
			map[string]any{
				"collection":  collection,
				"name":        entry.Name,
				"chunks":      int64(entry.Chunks),
				"ingested_at": entry.IngestedAt.UTC(),
			})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("record %s in %s: %w", entry.Name, collection, err)
	}
	return nil
}

func (r *Repository) Documents(ctx context.Context, collection string) ([]rag.CatalogEntry, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx,
			"MATCH (:Collection {name: $collection})-[:HAS_DOCUMENT]->(d:Document) "+
				"RETURN d.name AS name, d.chunks AS chunks, d.ingested_at AS ingested_at",
			map[string]any{"collection": collection})
		if err != nil {
			return nil, err
		}
		var entries []rag.CatalogEntry
		for records.Next(ctx) {
			entry, err := entryFromValues(records.Record().AsMap())
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
		return entries, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list documents of %s: %w", collection, err)
	}
	entries := result.([]rag.CatalogEntry)
	graph.SortEntries(entries)
	return entries, nil
}

func (r *Repository) DeleteCollection(ctx context.Context, collection string) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx,
			"MATCH (c:Collection {name: $collection}) "+
				"OPTIONAL MATCH (c)-[:HAS_DOCUMENT]->(d:Document) "+
				"DETACH DELETE c, d",
			map[string]any{"collection": collection})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", collection, err)
	}
	return nil
}

func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// entryFromValues converts one result row. Datetimes come back as
// time.Time; older servers may return LocalDateTime.
func entryFromValues(values map[string]any) (rag.CatalogEntry, error) {
	var e rag.CatalogEntry
	name, ok := values["name"].(string)
	if !ok {
		return e, fmt.Errorf("document row without name: %v", values)
	}
	e.Name = name
	if n, ok := values["chunks"].(int64); ok {
		e.Chunks = int(n)
	}
	switch t := values["ingested_at"].(type) {
	case time.Time:
		e.IngestedAt = t.UTC()
	case neo4j.LocalDateTime:
		e.IngestedAt = t.Time().UTC()
	case nil:
	default:
		return e, fmt.Errorf("document %s: unexpected ingested_at type %T", name, t)
	}
	return e, nil
}

var _ graph.Repository = (*Repository)(nil)
