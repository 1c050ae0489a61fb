// Package qdrant implements vector.Backend over Qdrant's gRPC API.
package qdrant

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/efebarandurmaz/lograg/internal/vector"
)

const (
	fieldContent    = "content"
	fieldSource     = "source"
	fieldChunkIndex = "chunk_index"
	fieldStart      = "start"
	fieldEnd        = "end"
	fieldIngestedAt = "ingested_at"
)

// Config holds connection settings.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// Repository implements vector.Backend using Qdrant.
type Repository struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	health      pb.QdrantClient
}

// New dials Qdrant. The connection is established lazily on first call.
func New(cfg Config) (*Repository, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	creds := insecure.NewCredentials()
	if cfg.UseTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if cfg.APIKey != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return NewFromConn(conn), nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *grpc.ClientConn) *Repository {
	return &Repository{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		health:      pb.NewQdrantClient(conn),
	}
}

func apiKeyInterceptor(key string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", key)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func (r *Repository) Name() string { return "qdrant" }

// Health calls Qdrant's health check.
func (r *Repository) Health(ctx context.Context) (string, error) {
	resp, err := r.health.HealthCheck(ctx, &pb.HealthCheckRequest{})
	if err != nil {
		return "", classify(err, "")
	}
	return resp.GetVersion(), nil
}

func (r *Repository) Exists(ctx context.Context, name string) (bool, error) {
	resp, err := r.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return false, classify(err, name)
	}
	return resp.GetResult().GetExists(), nil
}

func (r *Repository) Create(ctx context.Context, name string, dimension int) error {
	_, err := r.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: uint64(dimension), Distance: pb.Distance_Cosine},
		}},
	})
	if err != nil && !alreadyExists(err) {
		return classify(err, name)
	}
	return nil
}

// alreadyExists reports whether a create lost a race with another writer.
// Qdrant answers with AlreadyExists or, on older servers, InvalidArgument.
func alreadyExists(err error) bool {
	switch status.Code(err) {
	case codes.AlreadyExists:
		return true
	case codes.InvalidArgument:
		return strings.Contains(status.Convert(err).Message(), "already exists")
	}
	return false
}

func (r *Repository) Upsert(ctx context.Context, name string, records []vector.Record) error {
	points := make([]*pb.PointStruct, len(records))
	for i, rec := range records {
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: rec.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Vector}}},
			Payload: encodePayload(rec.Payload),
		}
	}
	wait := true
	_, err := r.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: name,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return classify(err, name)
	}
	return nil
}

func (r *Repository) Search(ctx context.Context, name string, vec []float32, k int) ([]vector.Match, error) {
	resp, err := r.points.Search(ctx, &pb.SearchPoints{
		CollectionName: name,
		Vector:         vec,
		Limit:          uint64(k),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, classify(err, name)
	}

	matches := make([]vector.Match, len(resp.GetResult()))
	for i, pt := range resp.GetResult() {
		matches[i] = vector.Match{
			Record: vector.Record{
				ID:      pt.GetId().GetUuid(),
				Payload: decodePayload(pt.GetPayload()),
			},
			Score: pt.GetScore(),
		}
	}
	return matches, nil
}

func (r *Repository) Count(ctx context.Context, name string) (int, error) {
	exact := true
	resp, err := r.points.Count(ctx, &pb.CountPoints{CollectionName: name, Exact: &exact})
	if err != nil {
		return 0, classify(err, name)
	}
	return int(resp.GetResult().GetCount()), nil
}

func (r *Repository) Describe(ctx context.Context, name string) (vector.CollectionInfo, error) {
	resp, err := r.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err != nil {
		return vector.CollectionInfo{}, classify(err, name)
	}
	res := resp.GetResult()
	params := res.GetConfig().GetParams().GetVectorsConfig().GetParams()
	return vector.CollectionInfo{
		Name:      name,
		Count:     int(res.GetPointsCount()),
		Dimension: int(params.GetSize()),
		Metric:    metricName(params.GetDistance()),
		Status:    statusName(res.GetStatus()),
	}, nil
}

func (r *Repository) List(ctx context.Context) ([]vector.CollectionInfo, error) {
	resp, err := r.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, classify(err, "")
	}
	infos := make([]vector.CollectionInfo, 0, len(resp.GetCollections()))
	for _, c := range resp.GetCollections() {
		n, err := r.Count(ctx, c.GetName())
		if err != nil {
			return nil, err
		}
		infos = append(infos, vector.CollectionInfo{Name: c.GetName(), Count: n})
	}
	return infos, nil
}

func (r *Repository) Delete(ctx context.Context, name string) error {
	_, err := r.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return classify(err, name)
	}
	return nil
}

func (r *Repository) Close() error {
	return r.conn.Close()
}

// classify maps gRPC status codes onto the vector error sentinels.
func classify(err error, collection string) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s: %w", vector.ErrNotFound, collection, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: qdrant: %w", vector.ErrUnavailable, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%w: qdrant: %w", vector.ErrInvalid, err)
	}
	return fmt.Errorf("qdrant: %w", err)
}

func metricName(d pb.Distance) string {
	if d == pb.Distance_Cosine {
		return vector.MetricCosine
	}
	return d.String()
}

func statusName(s pb.CollectionStatus) string {
	switch s {
	case pb.CollectionStatus_Green:
		return "green"
	case pb.CollectionStatus_Yellow:
		return "yellow"
	case pb.CollectionStatus_Red:
		return "red"
	case pb.CollectionStatus_Grey:
		return "grey"
	}
	return "unknown"
}

func encodePayload(p vector.Payload) map[string]*pb.Value {
	str := func(s string) *pb.Value { return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}} }
	num := func(n int) *pb.Value { return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(n)}} }
	return map[string]*pb.Value{
		fieldContent:    str(p.Content),
		fieldSource:     str(p.Source),
		fieldChunkIndex: num(p.ChunkIndex),
		fieldStart:      num(p.Start),
		fieldEnd:        num(p.End),
		fieldIngestedAt: str(p.IngestedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func decodePayload(m map[string]*pb.Value) vector.Payload {
	at, _ := time.Parse(time.RFC3339Nano, m[fieldIngestedAt].GetStringValue())
	return vector.Payload{
		Content:    m[fieldContent].GetStringValue(),
		Source:     m[fieldSource].GetStringValue(),
		ChunkIndex: int(m[fieldChunkIndex].GetIntegerValue()),
		Start:      int(m[fieldStart].GetIntegerValue()),
		End:        int(m[fieldEnd].GetIntegerValue()),
		IngestedAt: at,
	}
}

var _ vector.Backend = (*Repository)(nil)
