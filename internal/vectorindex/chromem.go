package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds settings for the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the directory the database persists to.
	Path string
	// Collection is the logical collection name.
	Collection string
	// Compress enables gzip compression of persisted documents.
	Compress bool
}

// ApplyDefaults fills in zero values.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "knowledge"
	}
}

// Validate checks the configuration for invalid values.
func (c *ChromemConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	return ValidateCollectionName(c.Collection)
}

// ChromemIndex is an embedded Index implementation for development and tests.
// It stores only the dense vector, sparse search reports no hits so hybrid
// retrieval degrades to dense-only on this backend.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     ChromemConfig
	logger     *zap.Logger
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex opens or creates a persistent database at the configured
// path. All embeddings are supplied by callers, the collection is wired with
// an embedding function that refuses to run so a missing vector surfaces as
// an error instead of a silent call to a hosted model.
func NewChromemIndex(config ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := chromem.NewPersistentDB(config.Path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db at %s: %w", config.Path, err)
	}

	collection, err := db.GetOrCreateCollection(config.Collection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", config.Collection, err)
	}

	logger.Info("opened embedded vector index",
		zap.String("path", config.Path),
		zap.String("collection", config.Collection))
	return &ChromemIndex{
		db:         db,
		collection: collection,
		config:     config,
		logger:     logger,
	}, nil
}

// rejectEmbedding is the collection's embedding function. Every document and
// query must arrive with a precomputed vector.
func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem index requires precomputed embeddings")
}

// EnsureCollection is a no-op, the collection is created when the index opens.
func (s *ChromemIndex) EnsureCollection(context.Context) error {
	return nil
}

// Upsert stores points with their dense embeddings. Sparse vectors are
// dropped, this backend cannot index them.
func (s *ChromemIndex) Upsert(ctx context.Context, points []Point) (err error) {
	start := time.Now()
	defer func() { observeOp("chromem", "upsert", start, err) }()
	if len(points) == 0 {
		return nil
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Content:   p.Payload.Text,
			Embedding: p.Dense,
			Metadata: map[string]string{
				"owner_id":     p.Payload.OwnerID,
				"source_id":    p.Payload.SourceID,
				"title":        p.Payload.Title,
				"offset":       strconv.Itoa(p.Payload.Offset),
				"chunk_len":    strconv.Itoa(p.Payload.ChunkLen),
				"text_preview": p.Payload.TextPreview,
				"source_type":  p.Payload.SourceType,
			},
		})
	}

	if err = s.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	PointsUpserted.WithLabelValues("chromem").Add(float64(len(docs)))
	return nil
}

// DeleteForSource removes every point of one source. An empty source id is
// ignored.
func (s *ChromemIndex) DeleteForSource(ctx context.Context, ownerID, sourceID string) (err error) {
	start := time.Now()
	defer func() { observeOp("chromem", "delete_source", start, err) }()
	if sourceID == "" {
		return nil
	}
	where := map[string]string{"owner_id": ownerID, "source_id": sourceID}
	if err = s.collection.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("deleting points for source %s: %w", sourceID, err)
	}
	return nil
}

// DeleteForOwner removes every point of an owner.
func (s *ChromemIndex) DeleteForOwner(ctx context.Context, ownerID string) (err error) {
	start := time.Now()
	defer func() { observeOp("chromem", "delete_owner", start, err) }()
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}
	where := map[string]string{"owner_id": ownerID}
	if err = s.collection.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("deleting points for owner: %w", err)
	}
	return nil
}

// SearchDense queries by cosine similarity over the stored embeddings.
// Source and extra filters are applied after the query, chromem only matches
// exact metadata pairs natively.
func (s *ChromemIndex) SearchDense(ctx context.Context, vector []float32, filter Filter, limit int) (hits []Hit, err error) {
	start := time.Now()
	defer func() { observeOp("chromem", "search_dense", start, err) }()
	if len(vector) == 0 {
		return nil, nil
	}
	if filter.OwnerID == "" {
		return nil, fmt.Errorf("owner id is required for search")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}

	// Secondary filters thin out results after the query, so fetch the whole
	// collection when any are set. Embedded deployments stay small.
	fetch := limit
	postFilter := len(filter.SourceIDs) > 0 || len(filter.SourceTypes) > 0 || len(filter.Extra) > 0
	if postFilter || fetch > count {
		fetch = count
	}

	where := map[string]string{"owner_id": filter.OwnerID}
	results, err := s.collection.QueryEmbedding(ctx, vector, fetch, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	allowedSources := toSet(filter.SourceIDs)
	allowedTypes := toSet(filter.SourceTypes)

	hits = make([]Hit, 0, limit)
	for _, res := range results {
		if len(allowedSources) > 0 && !allowedSources[res.Metadata["source_id"]] {
			continue
		}
		if len(allowedTypes) > 0 && !allowedTypes[res.Metadata["source_type"]] {
			continue
		}
		if !matchesExtra(res.Metadata, filter.Extra) {
			continue
		}
		hits = append(hits, Hit{
			ID:      res.ID,
			Score:   res.Similarity,
			Payload: payloadFromMetadata(res.Metadata, res.Content),
		})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// SearchSparse reports no hits, the embedded backend has no sparse index.
func (s *ChromemIndex) SearchSparse(context.Context, []uint32, []float32, Filter, int) ([]Hit, error) {
	return nil, nil
}

// Close is a no-op, chromem persists synchronously on write.
func (s *ChromemIndex) Close() error {
	return nil
}

func payloadFromMetadata(meta map[string]string, content string) Payload {
	offset, _ := strconv.Atoi(meta["offset"])
	chunkLen, _ := strconv.Atoi(meta["chunk_len"])
	return Payload{
		OwnerID:     meta["owner_id"],
		SourceID:    meta["source_id"],
		Title:       meta["title"],
		Offset:      offset,
		ChunkLen:    chunkLen,
		Text:        content,
		TextPreview: meta["text_preview"],
		SourceType:  meta["source_type"],
	}
}

func matchesExtra(meta map[string]string, extra map[string]string) bool {
	for key, value := range extra {
		if value == "" {
			continue
		}
		if meta[key] != value {
			return false
		}
	}
	return true
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
