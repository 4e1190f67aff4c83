package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/indexd/internal/content"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT HTTP REST port).
	// Default: 6334
	Port int

	APIKey string

	// Distance is the similarity metric for new collections.
	// Default: Cosine
	Distance qdrant.Distance

	// UseTLS enables TLS encryption for the gRPC connection.
	UseTLS bool

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	// Default: 1 second
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening circuit.
	// Default: 5
	CircuitBreakerThreshold int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.Distance == 0 {
		c.Distance = qdrant.Distance_Cosine
	}
}

// ParseDistance maps a configuration name to a Qdrant distance.
func ParseDistance(name string) (qdrant.Distance, error) {
	switch name {
	case "", "Cosine":
		return qdrant.Distance_Cosine, nil
	case "Euclid":
		return qdrant.Distance_Euclid, nil
	case "Dot":
		return qdrant.Distance_Dot, nil
	}
	return 0, fmt.Errorf("%w: unsupported distance %q", ErrInvalidConfig, name)
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return false
	}

	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isGRPCNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// QdrantStore is a Store over Qdrant's native gRPC API, which has no
// request size limit on large chunk batches.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// collections caches names known to exist.
	collections sync.Map

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore connects to Qdrant and performs a health check.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled")
	}

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	if !config.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   config.Host,
		Port:                   config.Port,
		APIKey:                 config.APIKey,
		UseTLS:                 config.UseTLS,
		GrpcOptions:            opts,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, storeErr("connecting to qdrant", err)
	}

	store := &QdrantStore{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.TestConnection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant connection established",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
	)
	return store, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// TestConnection performs a health check.
func (s *QdrantStore) TestConnection(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.HealthCheck")
	defer func() { finishSpan(span, err) }()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		return storeErr("qdrant health check", err)
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return storeErr(operationName, fmt.Errorf("circuit breaker open: %w", err))
		}

		if !IsTransientError(err) {
			return storeErr(operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return storeErr(operationName, fmt.Errorf("failed after %d retries: %w", s.config.MaxRetries, err))
		}

		s.logger.Debug("retrying qdrant operation after transient error",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Half-open after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// CreateCollection creates name unless it already exists.
func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dims int) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.CreateCollection", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("vector_size", dims),
	))
	defer func() { finishSpan(span, err) }()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if dims <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrInvalidConfig, dims)
	}

	exists, err := s.CollectionExists(ctx, name)
	if err != nil || exists {
		return err
	}

	err = s.retryOperation(ctx, "create_collection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims),
				Distance: s.config.Distance,
			}),
		})
	})
	if err != nil {
		return err
	}

	s.collections.Store(name, true)
	return nil
}

// DeleteCollection deletes a collection and all its vectors.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteCollection", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	s.collections.Delete(name)
	return s.retryOperation(ctx, "delete_collection", func() error {
		err := s.client.DeleteCollection(ctx, name)
		if isGRPCNotFound(err) {
			return nil
		}
		return err
	})
}

// CollectionExists checks if a collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	if err := ValidateCollectionName(name); err != nil {
		return false, err
	}
	if _, ok := s.collections.Load(name); ok {
		return true, nil
	}

	var exists bool
	err := s.retryOperation(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return false, err
	}
	if exists {
		s.collections.Store(name, true)
	}
	return exists, nil
}

// Insert upserts records, creating the collection when missing.
func (s *QdrantStore) Insert(ctx context.Context, name string, records []content.VectorRecord) (ids []string, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Insert", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("record_count", len(records)),
	))
	defer func() { finishSpan(span, err) }()

	if len(records) == 0 {
		return nil, ErrEmptyRecords
	}
	if _, ok := s.collections.Load(name); !ok {
		if err := s.CreateCollection(ctx, name, len(records[0].Vector)); err != nil {
			return nil, err
		}
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	ids = make([]string, 0, len(records))
	for _, rec := range records {
		point, err := toQdrantPoint(rec)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
		ids = append(ids, extractPointID(point.Id))
	}

	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteVectors removes points by id.
func (s *QdrantStore) DeleteVectors(ctx context.Context, name string, ids []string) (err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteVectors", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("id_count", len(ids)),
	))
	defer func() { finishSpan(span, err) }()

	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}
	return s.retryOperation(ctx, "delete_points", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(pointIDs...),
		})
		if isGRPCNotFound(err) {
			return nil
		}
		return err
	})
}

// DeleteByFilter counts then deletes the points matching filter.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, name string, filter content.Filter) (deleted int, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteByFilter", trace.WithAttributes(attribute.String("collection", name)))
	defer func() {
		span.SetAttributes(attribute.Int("deleted", deleted))
		finishSpan(span, err)
	}()

	if filter.IsEmpty() {
		return 0, fmt.Errorf("%w: refusing to delete with an empty filter", ErrUnsupportedFilter)
	}
	exists, err := s.CollectionExists(ctx, name)
	if err != nil || !exists {
		return 0, err
	}

	qf := toQdrantFilter(filter)
	var count uint64
	err = s.retryOperation(ctx, "count", func() error {
		var err error
		count, err = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: name,
			Filter:         qf,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if err != nil || count == 0 {
		return 0, err
	}

	err = s.retryOperation(ctx, "delete_by_filter", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(qf),
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Query runs a filtered nearest neighbour search.
func (s *QdrantStore) Query(ctx context.Context, name string, vector []float32, limit int, filter content.Filter) (results []content.ScoredPoint, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Query", trace.WithAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
	))
	defer func() {
		span.SetAttributes(attribute.Int("result_count", len(results)))
		finishSpan(span, err)
	}()

	if limit <= 0 {
		return nil, nil
	}

	var scored []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "query", func() error {
		var err error
		scored, err = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQueryDense(vector),
			Filter:         toQdrantFilter(filter),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if isGRPCNotFound(err) {
			return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	results = make([]content.ScoredPoint, 0, len(scored))
	for _, p := range scored {
		results = append(results, content.ScoredPoint{
			ID:      extractPointID(p.GetId()),
			Score:   p.GetScore(),
			Payload: payloadFromMap(extractPayload(p.GetPayload())),
		})
	}
	return results, nil
}

// MaxChunkIndex scrolls the matching points and keeps the largest
// chunk_index.
func (s *QdrantStore) MaxChunkIndex(ctx context.Context, name string, filter content.Filter) (maxIndex int, found bool, err error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.MaxChunkIndex", trace.WithAttributes(attribute.String("collection", name)))
	defer func() { finishSpan(span, err) }()

	exists, err := s.CollectionExists(ctx, name)
	if err != nil || !exists {
		return 0, false, err
	}

	maxIndex = -1
	var offset *qdrant.PointId
	for {
		var points []*qdrant.RetrievedPoint
		var next *qdrant.PointId
		err = s.retryOperation(ctx, "scroll", func() error {
			var err error
			points, next, err = s.client.ScrollAndOffset(ctx, &qdrant.ScrollPoints{
				CollectionName: name,
				Filter:         toQdrantFilter(filter),
				Offset:         offset,
				Limit:          qdrant.PtrOf(uint32(256)),
				WithPayload:    qdrant.NewWithPayloadInclude("chunk_index"),
			})
			return err
		})
		if err != nil {
			return 0, false, err
		}
		for _, p := range points {
			if idx, ok := toInt64(extractValue(p.GetPayload()["chunk_index"])); ok && int(idx) > maxIndex {
				maxIndex = int(idx)
			}
		}
		if next == nil || len(points) == 0 {
			break
		}
		offset = next
	}

	if maxIndex < 0 {
		return 0, false, nil
	}
	return maxIndex, true, nil
}

func toQdrantPoint(rec content.VectorRecord) (*qdrant.PointStruct, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	m, err := payloadMap(rec.Payload)
	if err != nil {
		return nil, err
	}
	payload, err := qdrant.TryValueMap(m)
	if err != nil {
		return nil, fmt.Errorf("converting payload: %w", err)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(id),
		Vectors: qdrant.NewVectorsDense(rec.Vector),
		Payload: payload,
	}, nil
}

func toQdrantFilter(f content.Filter) *qdrant.Filter {
	if f.IsEmpty() {
		return nil
	}
	var must []*qdrant.Condition
	if f.ContentID != 0 {
		must = append(must, qdrant.NewMatchInt("content_id", f.ContentID))
	}
	if f.ContentType != "" {
		must = append(must, qdrant.NewMatchKeyword("content_type", f.ContentType))
	}
	return &qdrant.Filter{Must: must}
}

func extractPointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}

func extractPayload(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		result[k] = extractValue(v)
	}
	return result
}

func extractValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}

	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_StructValue:
		return extractPayload(val.StructValue.GetFields())
	case *qdrant.Value_ListValue:
		values := val.ListValue.GetValues()
		out := make([]any, 0, len(values))
		for _, item := range values {
			out = append(out, extractValue(item))
		}
		return out
	default:
		return nil
	}
}
