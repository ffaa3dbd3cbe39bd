package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// QdrantConfig holds connection and collection settings for the Qdrant backend.
type QdrantConfig struct {
	Host              string
	Port              int
	APIKey            string
	UseTLS            bool
	Collection        string
	DenseVectorSize   uint64
	CreateCollections bool

	// MaxRetries is the number of additional attempts for transient failures.
	MaxRetries int
	// RetryBackoff is the initial delay between retries. It doubles on each attempt.
	RetryBackoff time.Duration
	// HealthRetries is the number of health check attempts made at startup.
	HealthRetries int
	// MaxMessageSize limits gRPC message size in bytes.
	MaxMessageSize int
}

// ApplyDefaults fills in zero values with production defaults.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "knowledge"
	}
	if c.DenseVectorSize == 0 {
		c.DenseVectorSize = 1536
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.HealthRetries == 0 {
		c.HealthRetries = 5
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate checks the configuration for invalid values.
func (c *QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidConfig, c.Port)
	}
	if err := ValidateCollectionName(c.Collection); err != nil {
		return err
	}
	if c.DenseVectorSize == 0 {
		return fmt.Errorf("%w: dense vector size is required", ErrInvalidConfig)
	}
	return nil
}

// QdrantIndex is the production Index implementation backed by Qdrant over gRPC.
// Points carry two named vectors per chunk, a dense one and a sparse one, so a
// single collection serves both search methods.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex connects to Qdrant and waits for the instance to become
// healthy, retrying with doubling backoff. Returns ErrConnectionFailed when
// the instance never comes up.
func NewQdrantIndex(ctx context.Context, config QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	idx := &QdrantIndex{
		client: client,
		config: config,
		logger: logger,
	}
	if err := idx.waitReady(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("connected to qdrant",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection))
	return idx, nil
}

// waitReady polls the health endpoint until Qdrant responds or the retry
// budget is exhausted.
func (s *QdrantIndex) waitReady(ctx context.Context) error {
	backoff := s.config.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= s.config.HealthRetries; attempt++ {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := s.client.HealthCheck(hctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Warn("qdrant not ready",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.config.HealthRetries),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if attempt == s.config.HealthRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: qdrant at %s:%d not healthy after %d attempts: %v",
		ErrConnectionFailed, s.config.Host, s.config.Port, s.config.HealthRetries, lastErr)
}

// EnsureCollection creates the collection with named dense and sparse vectors
// if it does not exist yet. When collection creation is disabled the call is a
// no-op, deployments then manage the schema out of band.
func (s *QdrantIndex) EnsureCollection(ctx context.Context) error {
	if !s.config.CreateCollections {
		s.logger.Debug("collection creation disabled, skipping ensure",
			zap.String("collection", s.config.Collection))
		return nil
	}

	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.config.Collection, err)
	}
	if exists {
		s.logger.Debug("collection already exists", zap.String("collection", s.config.Collection))
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			DenseVectorName: {
				Size:     s.config.DenseVectorSize,
				Distance: qdrant.Distance_Cosine,
			},
		}),
		SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			SparseVectorName: {
				Index: &qdrant.SparseIndexConfig{
					OnDisk: qdrant.PtrOf(false),
				},
			},
		}),
		HnswConfig: &qdrant.HnswConfigDiff{
			M:                  qdrant.PtrOf(uint64(16)),
			EfConstruct:        qdrant.PtrOf(uint64(150)),
			FullScanThreshold:  qdrant.PtrOf(uint64(15)),
			MaxIndexingThreads: qdrant.PtrOf(uint64(3)),
		},
		OptimizersConfig: &qdrant.OptimizersConfigDiff{
			DeletedThreshold:      qdrant.PtrOf(0.2),
			VacuumMinVectorNumber: qdrant.PtrOf(uint64(1000)),
			DefaultSegmentNumber:  qdrant.PtrOf(uint64(0)),
			IndexingThreshold:     qdrant.PtrOf(uint64(1)),
			FlushIntervalSec:      qdrant.PtrOf(uint64(1)),
		},
		OnDiskPayload: qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.config.Collection, err)
	}
	s.logger.Info("created collection",
		zap.String("collection", s.config.Collection),
		zap.Uint64("dense_vector_size", s.config.DenseVectorSize))
	return nil
}

// Upsert writes points in batches, retrying each batch on transient errors.
func (s *QdrantIndex) Upsert(ctx context.Context, points []Point) (err error) {
	start := time.Now()
	defer func() { observeOp("qdrant", "upsert", start, err) }()
	if len(points) == 0 {
		return nil
	}

	converted := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		converted[i] = toPointStruct(p)
	}

	for start := 0; start < len(converted); start += UpsertBatchSize {
		end := start + UpsertBatchSize
		if end > len(converted) {
			end = len(converted)
		}
		chunk := converted[start:end]
		err = s.retry(ctx, "upsert", func() error {
			_, upsertErr := s.client.Upsert(ctx, &qdrant.UpsertPoints{
				CollectionName: s.config.Collection,
				Points:         chunk,
			})
			return upsertErr
		})
		if err != nil {
			return err
		}
		PointsUpserted.WithLabelValues("qdrant").Add(float64(len(chunk)))
	}
	return nil
}

// DeleteForSource removes every point belonging to one source of one owner.
// An empty source id is ignored rather than matched, a blank filter there
// would otherwise select nothing or, worse, rely on server-side semantics.
func (s *QdrantIndex) DeleteForSource(ctx context.Context, ownerID, sourceID string) (err error) {
	start := time.Now()
	defer func() { observeOp("qdrant", "delete_source", start, err) }()
	if sourceID == "" {
		s.logger.Debug("empty source id, skipping point deletion", zap.String("owner_id", ownerID))
		return nil
	}
	err = s.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			matchKeyword("owner_id", ownerID),
			matchKeyword("source_id", sourceID),
		},
	})
	return err
}

// DeleteForOwner removes every point belonging to an owner.
func (s *QdrantIndex) DeleteForOwner(ctx context.Context, ownerID string) (err error) {
	start := time.Now()
	defer func() { observeOp("qdrant", "delete_owner", start, err) }()
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	err = s.deleteByFilter(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{matchKeyword("owner_id", ownerID)},
	})
	return err
}

func (s *QdrantIndex) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	return s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
		return err
	})
}

// SearchDense queries the dense named vector.
func (s *QdrantIndex) SearchDense(ctx context.Context, vector []float32, filter Filter, limit int) (hits []Hit, err error) {
	start := time.Now()
	defer func() { observeOp("qdrant", "search_dense", start, err) }()
	if len(vector) == 0 {
		return nil, nil
	}
	hits, err = s.query(ctx, qdrant.NewQuery(vector...), DenseVectorName, filter, limit)
	return hits, err
}

// SearchSparse queries the sparse named vector.
func (s *QdrantIndex) SearchSparse(ctx context.Context, indices []uint32, values []float32, filter Filter, limit int) (hits []Hit, err error) {
	start := time.Now()
	defer func() { observeOp("qdrant", "search_sparse", start, err) }()
	if len(indices) == 0 || len(indices) != len(values) {
		return nil, nil
	}
	hits, err = s.query(ctx, qdrant.NewQuerySparse(indices, values), SparseVectorName, filter, limit)
	return hits, err
}

func (s *QdrantIndex) query(ctx context.Context, query *qdrant.Query, using string, filter Filter, limit int) ([]Hit, error) {
	if filter.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required for search")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var scored []*qdrant.ScoredPoint
	err := s.retry(ctx, "query", func() error {
		res, queryErr := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.config.Collection,
			Query:          query,
			Using:          qdrant.PtrOf(using),
			Filter:         buildFilter(filter),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if queryErr != nil {
			return queryErr
		}
		scored = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s via %s: %w", s.config.Collection, using, err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, point := range scored {
		hits = append(hits, Hit{
			ID:      point.GetId().GetUuid(),
			Score:   point.GetScore(),
			Payload: payloadFromValues(point.GetPayload()),
		})
	}
	return hits, nil
}

// Close releases the underlying gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}

// retry runs fn up to MaxRetries+1 times with doubling backoff. Only
// transient gRPC errors are retried, anything else fails immediately.
func (s *QdrantIndex) retry(ctx context.Context, op string, fn func() error) error {
	backoff := s.config.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", op, s.config.MaxRetries, err)
		}
		s.logger.Warn("retrying qdrant operation",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func toPointStruct(p Point) *qdrant.PointStruct {
	vectors := map[string]*qdrant.Vector{
		DenseVectorName: qdrant.NewVectorDense(p.Dense),
	}
	if p.Sparse != nil && len(p.Sparse.Indices) > 0 {
		vectors[SparseVectorName] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
	}

	payload := map[string]any{
		"owner_id":     p.Payload.OwnerID,
		"source_id":    p.Payload.SourceID,
		"title":        p.Payload.Title,
		"offset":       p.Payload.Offset,
		"chunk_len":    p.Payload.ChunkLen,
		"text":         p.Payload.Text,
		"text_preview": p.Payload.TextPreview,
		"source_type":  p.Payload.SourceType,
	}

	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: qdrant.NewValueMap(payload),
	}
}

func payloadFromValues(values map[string]*qdrant.Value) Payload {
	return Payload{
		OwnerID:     values["owner_id"].GetStringValue(),
		SourceID:    values["source_id"].GetStringValue(),
		Title:       values["title"].GetStringValue(),
		Offset:      int(values["offset"].GetIntegerValue()),
		ChunkLen:    int(values["chunk_len"].GetIntegerValue()),
		Text:        values["text"].GetStringValue(),
		TextPreview: values["text_preview"].GetStringValue(),
		SourceType:  values["source_type"].GetStringValue(),
	}
}

func matchKeyword(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func matchAnyKeyword(key string, values []string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keywords{
						Keywords: &qdrant.RepeatedStrings{Strings: values},
					},
				},
			},
		},
	}
}

// buildFilter translates the backend-neutral filter into Qdrant conditions.
// The owner condition always comes first, tenant isolation is enforced here
// and not left to callers.
func buildFilter(f Filter) *qdrant.Filter {
	must := []*qdrant.Condition{matchKeyword("owner_id", f.OwnerID)}
	if len(f.SourceIDs) > 0 {
		must = append(must, matchAnyKeyword("source_id", f.SourceIDs))
	}
	if len(f.SourceTypes) > 0 {
		must = append(must, matchAnyKeyword("source_type", f.SourceTypes))
	}
	for key, value := range f.Extra {
		if value == "" {
			continue
		}
		must = append(must, matchKeyword(key, value))
	}
	return &qdrant.Filter{Must: must}
}
