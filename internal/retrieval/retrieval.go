// Package retrieval answers knowledge queries with hybrid vector search.
//
// A query is embedded once, searched against the dense and sparse named
// vectors in parallel, and the ranked lists are merged with weighted
// reciprocal rank fusion. The owning source rows are fetched alongside
// each hit so callers can render titles and previews without a second
// round trip. Without a sparse encoder the service degrades to plain
// dense search.
package retrieval

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
	"github.com/fyrsmithlabs/dialogd/internal/sparse"
	"github.com/fyrsmithlabs/dialogd/internal/vectorindex"
)

var tracer = otel.Tracer("dialogd.retrieval")

// Default search tuning, matching the index defaults.
const (
	DefaultTopN       = 6
	DefaultExpandEach = 8
)

// Searcher is the vector index surface needed for queries.
type Searcher interface {
	SearchDense(ctx context.Context, vector []float32, filter vectorindex.Filter, limit int) ([]vectorindex.Hit, error)
	SearchSparse(ctx context.Context, indices []uint32, values []float32, filter vectorindex.Filter, limit int) ([]vectorindex.Hit, error)
}

// QueryEmbedder produces the dense query vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SparseEncoder produces the sparse query vector. Implementations may
// fail when no vocabulary is fitted yet; retrieval then degrades to
// dense-only ranking.
type SparseEncoder interface {
	Encode(text string) (sparse.Vector, error)
}

// SourceGetter resolves the source row behind a hit.
type SourceGetter interface {
	GetOne(ctx context.Context, ownerID, sourceID string) (*knowledge.Source, error)
}

// Config tunes hybrid search.
type Config struct {
	TopN         int
	ExpandEach   int
	DenseWeight  float64
	SparseWeight float64
	RRFK         int
}

func (c *Config) applyDefaults() {
	if c.TopN <= 0 {
		c.TopN = DefaultTopN
	}
	if c.ExpandEach <= 0 {
		c.ExpandEach = DefaultExpandEach
	}
	if c.DenseWeight == 0 && c.SparseWeight == 0 {
		c.DenseWeight = vectorindex.DefaultDenseWeight
		c.SparseWeight = vectorindex.DefaultSparseWeight
	}
	if c.RRFK <= 0 {
		c.RRFK = vectorindex.DefaultRRFK
	}
}

// Options restricts one search beyond the owner filter.
type Options struct {
	SourceIDs      []string
	SourceTypes    []string
	PayloadFilters map[string]string
	TopN           int
}

// Hit is one retrieval result. Source carries the owning knowledge row,
// nil when it has been deleted since indexing.
type Hit struct {
	ID         string              `json:"id"`
	Score      float32             `json:"score,omitempty"`
	FusedScore float64             `json:"fused_score,omitempty"`
	Payload    vectorindex.Payload `json:"payload"`
	Preview    string              `json:"text_preview,omitempty"`
	Source     *knowledge.Source   `json:"db,omitempty"`
}

// Service runs hybrid retrieval queries.
type Service struct {
	index    Searcher
	embedder QueryEmbedder
	sparse   SparseEncoder
	sources  SourceGetter
	config   Config
	logger   *zap.Logger
}

// NewService wires a retrieval service. sparseEnc may be nil to disable
// hybrid ranking; sources may be nil to skip row attachment.
func NewService(index Searcher, embedder QueryEmbedder, sparseEnc SparseEncoder, sources SourceGetter, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()
	return &Service{
		index:    index,
		embedder: embedder,
		sparse:   sparseEnc,
		sources:  sources,
		config:   config,
		logger:   logger,
	}
}

// Search retrieves the best matching chunks for a query within one
// owner's knowledge base. An empty query embedding yields no hits.
func (s *Service) Search(ctx context.Context, ownerID, query string, opts Options) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Search")
	defer span.End()
	span.SetAttributes(attribute.String("owner_id", ownerID))

	topn := opts.TopN
	if topn <= 0 {
		topn = s.config.TopN
	}

	dense, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(dense) == 0 {
		s.logger.Warn("empty query embedding", zap.String("owner_id", ownerID))
		return nil, nil
	}

	filter := vectorindex.Filter{
		OwnerID:     ownerID,
		SourceIDs:   opts.SourceIDs,
		SourceTypes: opts.SourceTypes,
		Extra:       opts.PayloadFilters,
	}

	var hits []vectorindex.Hit
	if s.sparse == nil {
		hits, err = s.index.SearchDense(ctx, dense, filter, topn)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("dense search: %w", err)
		}
	} else {
		hits, err = s.hybridSearch(ctx, dense, query, filter, topn)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	out := s.attachSources(ctx, ownerID, hits)
	span.SetAttributes(attribute.Int("hits", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// hybridSearch fans dense and sparse searches out in parallel, fuses
// the ranked lists and keeps the best topn. A failing method degrades
// to the other; only both failing is an error.
func (s *Service) hybridSearch(ctx context.Context, dense []float32, query string, filter vectorindex.Filter, topn int) ([]vectorindex.Hit, error) {
	sparseVec, haveSparse := s.encodeSparse(query)

	var (
		denseHits, sparseHits []vectorindex.Hit
		denseErr, sparseErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseHits, denseErr = s.index.SearchDense(gctx, dense, filter, s.config.ExpandEach)
		if denseErr != nil {
			s.logger.Warn("dense search failed", zap.Error(denseErr))
		}
		return nil
	})
	if haveSparse {
		g.Go(func() error {
			sparseHits, sparseErr = s.index.SearchSparse(gctx, sparseVec.Indices, sparseVec.Values, filter, s.config.ExpandEach)
			if sparseErr != nil {
				s.logger.Warn("sparse search failed", zap.Error(sparseErr))
			}
			return nil
		})
	}
	g.Wait()

	if denseErr != nil && (sparseErr != nil || !haveSparse) {
		return nil, fmt.Errorf("hybrid search: %w", denseErr)
	}

	fused := vectorindex.Fuse(
		[][]vectorindex.Hit{denseHits, sparseHits},
		[]float64{s.config.DenseWeight, s.config.SparseWeight},
		s.config.RRFK,
	)
	if len(fused) > topn {
		fused = fused[:topn]
	}
	return fused, nil
}

func (s *Service) encodeSparse(query string) (sparse.Vector, bool) {
	vec, err := s.sparse.Encode(query)
	if err != nil {
		s.logger.Warn("sparse encoding failed, falling back to dense ranking", zap.Error(err))
		return sparse.Vector{}, false
	}
	if len(vec.Indices) == 0 {
		return sparse.Vector{}, false
	}
	return vec, true
}

// attachSources fetches each hit's source row concurrently, preserving
// hit order. A failed or missing row leaves Source nil.
func (s *Service) attachSources(ctx context.Context, ownerID string, hits []vectorindex.Hit) []Hit {
	out := make([]Hit, len(hits))
	seen := make(map[string]bool, len(hits))
	var order []string
	for i, h := range hits {
		out[i] = Hit{
			ID:         h.ID,
			Score:      h.Score,
			FusedScore: h.FusedScore,
			Payload:    h.Payload,
			Preview:    preview(h.Payload),
		}
		if sid := h.Payload.SourceID; sid != "" && !seen[sid] {
			seen[sid] = true
			order = append(order, sid)
		}
	}
	if s.sources == nil || len(order) == 0 {
		return out
	}

	var (
		mu   sync.Mutex
		rows = make(map[string]*knowledge.Source, len(order))
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, sid := range order {
		g.Go(func() error {
			row, err := s.sources.GetOne(ctx, ownerID, sid)
			if err != nil {
				s.logger.Warn("fetching source for hit failed",
					zap.String("owner_id", ownerID),
					zap.String("source_id", sid),
					zap.Error(err))
				return nil
			}
			mu.Lock()
			rows[sid] = row
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for i := range out {
		out[i].Source = rows[out[i].Payload.SourceID]
	}
	return out
}

func preview(p vectorindex.Payload) string {
	if p.TextPreview != "" {
		return p.TextPreview
	}
	return p.Text
}
