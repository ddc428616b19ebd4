package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant-backed index.
type QdrantConfig struct {
	// Addr is the gRPC endpoint in "host:port" form (e.g. "localhost:6334").
	Addr       string
	APIKey     string
	UseTLS     bool
	Collection string
	// RecreateOnMismatch drops and recreates a collection whose vector size
	// differs from the embedder's. Otherwise EnsureCollection fails.
	RecreateOnMismatch bool
	Logger             *slog.Logger
}

// QdrantStore implements VectorIndex using a single Qdrant collection.
type QdrantStore struct {
	client             *qdrant.Client
	collection         string
	recreateOnMismatch bool
	logger             *slog.Logger
}

// NewQdrantStore creates a new Qdrant vector store client.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		// If no port specified, assume default
		host = cfg.Addr
		portStr = "6334"
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "tenders"
	}

	return &QdrantStore{
		client:             client,
		collection:         collection,
		recreateOnMismatch: cfg.RecreateOnMismatch,
		logger:             logger.With("component", "qdrant", "collection", collection),
	}, nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Health checks that the Qdrant server answers.
func (s *QdrantStore) Health(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection with cosine distance, or verifies
// the size of an existing one.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dim int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if exists {
		info, err := s.client.GetCollectionInfo(ctx, s.collection)
		if err != nil {
			return fmt.Errorf("failed to get collection info: %w", err)
		}
		current := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if current == dim {
			return nil
		}
		if !s.recreateOnMismatch {
			return fmt.Errorf("collection %q has size %d, embedder produces %d: %w", s.collection, current, dim, ErrDimensionMismatch)
		}
		s.logger.Warn("recreating collection after dimension change", "old_dim", current, "new_dim", dim)
		if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
			return fmt.Errorf("failed to delete collection: %w", err)
		}
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	s.logger.Info("created collection", "dim", dim)

	return nil
}

// Upsert inserts or updates points and waits for the write to be applied.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: toPayload(p.Payload),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	return nil
}

// Search performs cosine similarity search.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int, minScore *float32) ([]SearchResult, error) {
	response, err := s.client.Query(ctx, s.searchQuery(vector, limit, minScore))
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, len(response))
	for _, point := range response {
		results = append(results, SearchResult{
			ID:      pointID(point.GetId()),
			Score:   point.GetScore(),
			Payload: fromPayload(point.GetPayload()),
		})
	}

	return results, nil
}

func (s *QdrantStore) searchQuery(vector []float32, limit int, minScore *float32) *qdrant.QueryPoints {
	query := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if minScore != nil {
		query.ScoreThreshold = qdrant.PtrOf(*minScore)
	}
	return query
}

func pointID(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

// toPayload converts plain Go values to Qdrant values. Unsupported types are
// stored through their fmt representation.
func toPayload(m map[string]any) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		out[k] = toValue(v)
	}
	return out
}

func toValue(v any) *qdrant.Value {
	switch x := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{}}
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: x}}
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: x}}
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(x)}}
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: x}}
	case float32:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(x)}}
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: x}}
	case []string:
		list := make([]*qdrant.Value, len(x))
		for i, s := range x {
			list[i] = toValue(s)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: list}}}
	case []any:
		list := make([]*qdrant.Value, len(x))
		for i, e := range x {
			list[i] = toValue(e)
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: list}}}
	case map[string]any:
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: toPayload(x)}}}
	default:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprint(x)}}
	}
}

func fromPayload(m map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_ListValue:
		values := k.ListValue.GetValues()
		list := make([]any, len(values))
		for i, e := range values {
			list[i] = fromValue(e)
		}
		return list
	case *qdrant.Value_StructValue:
		return fromPayload(k.StructValue.GetFields())
	default:
		return nil
	}
}

// Ensure QdrantStore implements VectorIndex.
var _ VectorIndex = (*QdrantStore)(nil)
