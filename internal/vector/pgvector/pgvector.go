// Package pgvector implements vector.Backend on PostgreSQL with the
// pgvector extension, through bun.
package pgvector

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/efebarandurmaz/lograg/internal/vector"
)

type collectionRow struct {
	bun.BaseModel `bun:"table:lograg_collections,alias:c"`

	Name      string    `bun:"name,pk"`
	Dimension int       `bun:"dimension,notnull"`
	Metric    string    `bun:"metric,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

type recordRow struct {
	bun.BaseModel `bun:"table:lograg_records,alias:r"`

	Collection string          `bun:"collection,pk"`
	ID         string          `bun:"id,pk"`
	Embedding  pgvector.Vector `bun:"embedding,notnull,type:vector"`
	Content    string          `bun:"content,notnull"`
	Source     string          `bun:"source,notnull"`
	ChunkIndex int             `bun:"chunk_index,notnull"`
	StartPos   int             `bun:"start_pos,notnull"`
	EndPos     int             `bun:"end_pos,notnull"`
	IngestedAt time.Time       `bun:"ingested_at,notnull"`

	Score float64 `bun:"score,scanonly"`
}

// Config holds connection settings.
type Config struct {
	DSN   string
	Debug bool // log every query through bundebug
}

// Store is a pgvector-backed vector store. All collections share one
// records table keyed by (collection, id).
type Store struct {
	db *bun.DB
}

// Open connects to PostgreSQL and prepares the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: pgvector requires a dsn", vector.ErrInvalid)
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewFromDB wraps an existing bun database. The schema is not migrated.
func NewFromDB(db *bun.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return classify(fmt.Errorf("enable pgvector: %w", err), "")
	}
	for _, model := range []any{(*collectionRow)(nil), (*recordRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return classify(fmt.Errorf("create table: %w", err), "")
		}
	}
	return nil
}

func (s *Store) Name() string { return "pgvector" }

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := s.db.NewSelect().Model((*collectionRow)(nil)).Where("name = ?", name).Exists(ctx)
	if err != nil {
		return false, classify(err, name)
	}
	return ok, nil
}

func (s *Store) Create(ctx context.Context, name string, dimension int) error {
	row := &collectionRow{Name: name, Dimension: dimension, Metric: vector.MetricCosine, CreatedAt: time.Now().UTC()}
	if _, err := s.db.NewInsert().Model(row).On("CONFLICT (name) DO NOTHING").Exec(ctx); err != nil {
		return classify(err, name)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, name string, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]recordRow, len(records))
	for i, r := range records {
		rows[i] = recordRow{
			Collection: name,
			ID:         r.ID,
			Embedding:  pgvector.NewVector(r.Vector),
			Content:    r.Payload.Content,
			Source:     r.Payload.Source,
			ChunkIndex: r.Payload.ChunkIndex,
			StartPos:   r.Payload.Start,
			EndPos:     r.Payload.End,
			IngestedAt: r.Payload.IngestedAt.UTC(),
		}
	}
	_, err := s.db.NewInsert().
		Model(&rows).
		On("CONFLICT (collection, id) DO UPDATE").
		Set("embedding = EXCLUDED.embedding").
		Set("content = EXCLUDED.content").
		Set("source = EXCLUDED.source").
		Set("chunk_index = EXCLUDED.chunk_index").
		Set("start_pos = EXCLUDED.start_pos").
		Set("end_pos = EXCLUDED.end_pos").
		Set("ingested_at = EXCLUDED.ingested_at").
		Exec(ctx)
	if err != nil {
		return classify(err, name)
	}
	return nil
}

// Search orders by cosine distance (<=>); score is 1 - distance.
func (s *Store) Search(ctx context.Context, name string, vec []float32, k int) ([]vector.Match, error) {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", vector.ErrNotFound, name)
	}

	q := pgvector.NewVector(vec)
	var rows []recordRow
	err = s.db.NewSelect().
		Model(&rows).
		ColumnExpr("r.*").
		ColumnExpr("1 - (r.embedding <=> ?) AS score", q).
		Where("r.collection = ?", name).
		OrderExpr("r.embedding <=> ?", q).
		OrderExpr("r.ingested_at ASC, r.chunk_index ASC").
		Limit(k).
		Scan(ctx)
	if err != nil {
		return nil, classify(err, name)
	}

	matches := make([]vector.Match, len(rows))
	for i, row := range rows {
		matches[i] = vector.Match{
			Record: vector.Record{
				ID:     row.ID,
				Vector: row.Embedding.Slice(),
				Payload: vector.Payload{
					Content:    row.Content,
					Source:     row.Source,
					ChunkIndex: row.ChunkIndex,
					Start:      row.StartPos,
					End:        row.EndPos,
					IngestedAt: row.IngestedAt,
				},
			},
			Score: float32(row.Score),
		}
	}
	return matches, nil
}

func (s *Store) Count(ctx context.Context, name string) (int, error) {
	ok, err := s.Exists(ctx, name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", vector.ErrNotFound, name)
	}
	n, err := s.db.NewSelect().Model((*recordRow)(nil)).Where("collection = ?", name).Count(ctx)
	if err != nil {
		return 0, classify(err, name)
	}
	return n, nil
}

func (s *Store) Describe(ctx context.Context, name string) (vector.CollectionInfo, error) {
	var row collectionRow
	err := s.db.NewSelect().Model(&row).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return vector.CollectionInfo{}, fmt.Errorf("%w: %s", vector.ErrNotFound, name)
	}
	if err != nil {
		return vector.CollectionInfo{}, classify(err, name)
	}
	n, err := s.Count(ctx, name)
	if err != nil {
		return vector.CollectionInfo{}, err
	}
	return vector.CollectionInfo{
		Name:      row.Name,
		Count:     n,
		Dimension: row.Dimension,
		Metric:    row.Metric,
		Status:    "green",
	}, nil
}

func (s *Store) List(ctx context.Context) ([]vector.CollectionInfo, error) {
	var infos []struct {
		Name  string `bun:"name"`
		Count int    `bun:"count"`
	}
	err := s.db.NewSelect().
		Model((*collectionRow)(nil)).
		ColumnExpr("c.name").
		ColumnExpr("(SELECT count(*) FROM lograg_records AS r WHERE r.collection = c.name) AS count").
		Scan(ctx, &infos)
	if err != nil {
		return nil, classify(err, "")
	}
	out := make([]vector.CollectionInfo, len(infos))
	for i, info := range infos {
		out[i] = vector.CollectionInfo{Name: info.Name, Count: info.Count}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*recordRow)(nil)).Where("collection = ?", name).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*collectionRow)(nil)).Where("name = ?", name).Exec(ctx)
		return err
	})
	if err != nil {
		return classify(err, name)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// classify marks connection-level and serialization failures as transient.
func classify(err error, collection string) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		code := pgErr.Field('C')
		switch {
		case strings.HasPrefix(code, "08"), code == "40001", code == "40P01", code == "57P01", code == "53300":
			return fmt.Errorf("%w: postgres %s: %w", vector.ErrUnavailable, code, err)
		case code == "22000" && strings.Contains(pgErr.Field('M'), "dimensions"):
			return fmt.Errorf("%w: %s: %w", vector.ErrDimensionMismatch, collection, err)
		case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "42"):
			return fmt.Errorf("%w: postgres %s: %w", vector.ErrInvalid, code, err)
		}
		return fmt.Errorf("postgres: %w", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: postgres: %w", vector.ErrUnavailable, err)
	}
	return fmt.Errorf("postgres: %w", err)
}

var _ vector.Backend = (*Store)(nil)
