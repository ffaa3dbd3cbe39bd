// Package indexer runs the background indexing pipeline.
//
// A job names one knowledge source. The pipeline parses its document
// (or takes the stored text for text sources), generates a PDF preview
// for browser rendering, chunks the text, embeds the chunks in batches
// and upserts dense plus optional sparse vectors into the index, while
// writing status and progress back to the source row at every stage.
// Failures are recorded on the row and never propagate to the
// scheduler.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/docparse"
	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
	"github.com/fyrsmithlabs/dialogd/internal/secrets"
	"github.com/fyrsmithlabs/dialogd/internal/sparse"
	"github.com/fyrsmithlabs/dialogd/internal/vectorindex"
)

var tracer = otel.Tracer("dialogd.indexer")

// Chunking and embedding constants for the pipeline.
const (
	ChunkSize      = 3000
	ChunkOverlap   = 300
	EmbedBatchSize = 8
)

// SourceStore is the slice of the knowledge store the pipeline needs:
// reading the row for text-source fallback and writing status and
// progress.
type SourceStore interface {
	GetOne(ctx context.Context, ownerID, sourceID string) (*knowledge.Source, error)
	UpdateMetadata(ctx context.Context, ownerID, sourceID string, updates knowledge.Metadata, status *knowledge.Status, progress *int) error
}

// Embedder produces dense vectors for chunk batches.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SparseBatchEncoder produces sparse vectors for chunk batches.
type SparseBatchEncoder interface {
	EncodeBatch(texts []string) ([]sparse.Vector, error)
}

// PointIndex is the vector index surface the pipeline writes to.
type PointIndex interface {
	DeleteForSource(ctx context.Context, ownerID, sourceID string) error
	Upsert(ctx context.Context, points []vectorindex.Point) error
}

// Pipeline indexes one source per job.
type Pipeline struct {
	repo       SourceStore
	parser     *docparse.Parser
	embedder   Embedder
	sparse     SparseBatchEncoder
	index      PointIndex
	scrub      secrets.Scrubber
	vectorSize int
	logger     *zap.Logger
}

// NewPipeline wires the indexing pipeline. sparseEnc may be nil to
// index dense-only. vectorSize is the expected dense dimension;
// embeddings of any other size are dropped.
func NewPipeline(repo SourceStore, parser *docparse.Parser, embedder Embedder, sparseEnc SparseBatchEncoder, index PointIndex, vectorSize int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		repo:       repo,
		parser:     parser,
		embedder:   embedder,
		sparse:     sparseEnc,
		index:      index,
		vectorSize: vectorSize,
		logger:     logger,
	}
}

// WithScrubber installs a secret scrubber applied to extracted text
// before it is chunked or stored.
func (p *Pipeline) WithScrubber(scrub secrets.Scrubber) *Pipeline {
	p.scrub = scrub
	return p
}

// Process runs the full pipeline for one job. Failures are written to
// the source row as status error; the method never returns one.
func (p *Pipeline) Process(ctx context.Context, job knowledge.IndexJob) {
	start := time.Now()
	p.logger.Info("indexing started",
		zap.String("owner_id", job.OwnerID),
		zap.String("source_id", job.SourceID),
		zap.String("saved_path", job.SavedPath))

	outcome, err := p.run(ctx, job)
	observeJob(outcome, start)

	if err != nil {
		p.logger.Error("indexing failed",
			zap.String("owner_id", job.OwnerID),
			zap.String("source_id", job.SourceID),
			zap.Error(err))
		p.markError(ctx, job, knowledge.Metadata{knowledge.MetaIndexingError: true})
		return
	}
	p.logger.Info("indexing finished",
		zap.String("owner_id", job.OwnerID),
		zap.String("source_id", job.SourceID),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
}

func (p *Pipeline) run(ctx context.Context, job knowledge.IndexJob) (string, error) {
	ctx, span := tracer.Start(ctx, "indexer.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("owner_id", job.OwnerID),
		attribute.String("source_id", job.SourceID))

	rec, err := p.repo.GetOne(ctx, job.OwnerID, job.SourceID)
	if err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		p.logger.Warn("failed to load source row",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}
	sourceType := ""
	if rec != nil {
		sourceType = string(rec.Type)
	}

	meta := knowledge.Metadata{knowledge.MetaSavedPath: job.SavedPath}
	text := p.scrubText(job, p.extractText(ctx, job, rec))
	p.generatePreview(ctx, job, meta)

	if text == "" {
		meta[knowledge.MetaTriedParse] = true
		pending := knowledge.StatusPending
		zero := 0
		if err := p.repo.UpdateMetadata(ctx, job.OwnerID, job.SourceID, meta, &pending, &zero); err != nil {
			p.logger.Warn("failed to record parse attempt",
				zap.String("source_id", job.SourceID), zap.Error(err))
		}
		span.SetStatus(codes.Ok, "no text")
		return "no_text", nil
	}

	preview := clampBytes(text, knowledge.MaxPreviewChars)
	meta[knowledge.MetaExtractedText] = preview

	indexing := knowledge.StatusIndexing
	ten := 10
	if err := p.repo.UpdateMetadata(ctx, job.OwnerID, job.SourceID,
		knowledge.Metadata{knowledge.MetaExtractedText: firstRunes(preview, 400)}, &indexing, &ten); err != nil {
		p.logger.Warn("failed to write parse progress",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}

	if err := p.index.DeleteForSource(ctx, job.OwnerID, job.SourceID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "error", fmt.Errorf("deleting stale points: %w", err)
	}

	chunks := chunkText(preview, ChunkSize, ChunkOverlap)
	embeds := p.embedChunks(ctx, job, chunks)

	valid, reason := p.validateEmbeddings(embeds)
	if valid == 0 {
		p.logger.Warn("no valid embeddings produced",
			zap.String("owner_id", job.OwnerID),
			zap.String("source_id", job.SourceID),
			zap.String("reason", reason))
		p.markError(ctx, job, knowledge.Metadata{
			knowledge.MetaIndexingError:  true,
			knowledge.MetaIndexingReason: reason,
		})
		span.SetStatus(codes.Error, reason)
		return "invalid_embeddings", nil
	}

	points := p.buildPoints(job, sourceType, chunks, embeds, p.encodeSparse(job, chunks))
	if err := p.index.Upsert(ctx, points); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "error", fmt.Errorf("upserting points: %w", err)
	}
	ChunksIndexed.Add(float64(len(points)))

	ready := knowledge.StatusReady
	hundred := 100
	if err := p.repo.UpdateMetadata(ctx, job.OwnerID, job.SourceID, meta, &ready, &hundred); err != nil {
		p.logger.Warn("failed to write final status",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}
	span.SetAttributes(attribute.Int("points", len(points)))
	span.SetStatus(codes.Ok, "success")
	return "indexed", nil
}

// extractText parses the stored file, or for sources without one takes
// the text field of the row's metadata.
func (p *Pipeline) extractText(ctx context.Context, job knowledge.IndexJob, rec *knowledge.Source) string {
	if job.SavedPath != "" {
		text, err := p.parser.Parse(ctx, job.SavedPath)
		if err != nil {
			p.logger.Warn("document parse failed",
				zap.String("path", job.SavedPath), zap.Error(err))
			return ""
		}
		return text
	}
	if rec == nil {
		return ""
	}
	return clampBytes(rec.Metadata.String(knowledge.MetaText), knowledge.MaxPreviewChars)
}

// scrubText redacts secrets from extracted text before it reaches the
// index or the source row.
func (p *Pipeline) scrubText(job knowledge.IndexJob, text string) string {
	if p.scrub == nil || text == "" {
		return text
	}
	res := p.scrub.Scrub(text)
	if res.TotalFindings > 0 {
		p.logger.Warn("redacted secrets from source text",
			zap.String("owner_id", job.OwnerID),
			zap.String("source_id", job.SourceID),
			zap.Int("findings", res.TotalFindings))
	}
	return res.Scrubbed
}

// generatePreview produces the PDF rendition of the stored file and
// records the outcome on the row. meta picks up the preview keys for
// the final ready write.
func (p *Pipeline) generatePreview(ctx context.Context, job knowledge.IndexJob, meta knowledge.Metadata) {
	if job.SavedPath == "" {
		return
	}
	res := p.parser.PreviewPDF(ctx, job.SavedPath)
	switch res.Status {
	case docparse.PreviewOK:
		meta[knowledge.MetaPreviewPDF] = res.Path
		meta[knowledge.MetaPreviewPDFURL] = "/knowledge/file/" + job.SourceID + "?format=pdf"
		p.persistMeta(ctx, job, knowledge.Metadata{
			knowledge.MetaPreviewPDF:    res.Path,
			knowledge.MetaPreviewPDFGen: string(res.Status),
		})
	case docparse.PreviewSkipped:
		p.persistMeta(ctx, job, knowledge.Metadata{
			knowledge.MetaPreviewPDFGen: string(res.Status),
		})
	case docparse.PreviewFailed:
		p.persistMeta(ctx, job, knowledge.Metadata{
			knowledge.MetaPreviewPDFGen: string(res.Status),
			knowledge.MetaPreviewPDFErr: res.Detail,
		})
	}
}

func (p *Pipeline) persistMeta(ctx context.Context, job knowledge.IndexJob, updates knowledge.Metadata) {
	if err := p.repo.UpdateMetadata(ctx, job.OwnerID, job.SourceID, updates, nil, nil); err != nil {
		p.logger.Warn("failed to persist preview metadata",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}
}

// embedChunks embeds in batches, writing progress 10→90 along the way.
// A failed batch contributes nil vectors instead of aborting the job.
func (p *Pipeline) embedChunks(ctx context.Context, job knowledge.IndexJob, chunks []string) [][]float32 {
	out := make([][]float32, 0, len(chunks))
	totalBatches := (len(chunks) + EmbedBatchSize - 1) / EmbedBatchSize

	for b := 0; b*EmbedBatchSize < len(chunks); b++ {
		lo := b * EmbedBatchSize
		hi := min(lo+EmbedBatchSize, len(chunks))
		batch := chunks[lo:hi]

		vecs, err := p.embedder.Embed(ctx, batch)
		if err != nil || len(vecs) != len(batch) {
			p.logger.Warn("embedding batch failed",
				zap.String("source_id", job.SourceID),
				zap.Int("batch", b),
				zap.Error(err))
			vecs = make([][]float32, len(batch))
		}
		out = append(out, vecs...)

		prog := 10 + 80*(b+1)/totalBatches
		indexing := knowledge.StatusIndexing
		if err := p.repo.UpdateMetadata(ctx, job.OwnerID, job.SourceID, knowledge.Metadata{}, &indexing, &prog); err != nil {
			p.logger.Warn("failed to write embedding progress",
				zap.String("source_id", job.SourceID), zap.Error(err))
		}
	}
	return out
}

// validateEmbeddings counts usable vectors and names the failure mode
// when none remain.
func (p *Pipeline) validateEmbeddings(embeds [][]float32) (int, string) {
	valid, empty := 0, 0
	var mismatches []int
	for _, e := range embeds {
		switch {
		case len(e) == 0:
			empty++
		case len(e) != p.vectorSize:
			mismatches = append(mismatches, len(e))
		default:
			valid++
		}
	}
	if valid > 0 {
		return valid, ""
	}
	if empty == len(embeds) {
		return 0, "all_none_embeddings"
	}
	if len(mismatches) > 6 {
		mismatches = mismatches[:6]
	}
	return 0, fmt.Sprintf("mismatched_vector_size_samples=%v", mismatches)
}

// encodeSparse computes sparse vectors for all chunks, discarding the
// whole set on failure or length mismatch.
func (p *Pipeline) encodeSparse(job knowledge.IndexJob, chunks []string) []sparse.Vector {
	if p.sparse == nil {
		return nil
	}
	vecs, err := p.sparse.EncodeBatch(chunks)
	if err != nil {
		p.logger.Warn("sparse encoding failed, indexing dense-only",
			zap.String("source_id", job.SourceID), zap.Error(err))
		return nil
	}
	if len(vecs) != len(chunks) {
		p.logger.Warn("sparse vector count mismatch, indexing dense-only",
			zap.String("source_id", job.SourceID),
			zap.Int("vectors", len(vecs)),
			zap.Int("chunks", len(chunks)))
		return nil
	}
	return vecs
}

// buildPoints assembles index points, skipping chunks without a usable
// dense vector. Offsets stay aligned with the original chunk order so
// ids remain stable across runs.
func (p *Pipeline) buildPoints(job knowledge.IndexJob, sourceType string, chunks []string, embeds [][]float32, sparseVecs []sparse.Vector) []vectorindex.Point {
	points := make([]vectorindex.Point, 0, len(chunks))
	for idx, txt := range chunks {
		emb := embeds[idx]
		if len(emb) == 0 {
			continue
		}
		if len(emb) != p.vectorSize {
			p.logger.Warn("embedding size mismatch",
				zap.String("source_id", job.SourceID),
				zap.Int("got", len(emb)),
				zap.Int("want", p.vectorSize))
			continue
		}

		point := vectorindex.Point{
			ID:    PointID(job.OwnerID, job.SourceID, idx),
			Dense: emb,
			Payload: vectorindex.Payload{
				OwnerID:     job.OwnerID,
				SourceID:    job.SourceID,
				Title:       job.Title,
				Offset:      idx,
				ChunkLen:    len(strings.Fields(txt)),
				Text:        txt,
				TextPreview: firstRunes(txt, 400),
				SourceType:  sourceType,
			},
		}
		if sparseVecs != nil && len(sparseVecs[idx].Indices) > 0 {
			point.Sparse = &vectorindex.SparseVector{
				Indices: sparseVecs[idx].Indices,
				Values:  sparseVecs[idx].Values,
			}
		}
		points = append(points, point)
	}
	return points
}

func (p *Pipeline) markError(ctx context.Context, job knowledge.IndexJob, meta knowledge.Metadata) {
	errStatus := knowledge.StatusError
	zero := 0
	if err := p.repo.UpdateMetadata(ctx, job.OwnerID, job.SourceID, meta, &errStatus, &zero); err != nil {
		p.logger.Error("failed to mark indexing error",
			zap.String("source_id", job.SourceID), zap.Error(err))
	}
}

// PointID derives the deterministic point id for one chunk, so
// re-indexing a source overwrites its previous points.
func PointID(ownerID, sourceID string, offset int) string {
	name := fmt.Sprintf("%s/%s/%d", ownerID, sourceID, offset)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// chunkText splits text into overlapping rune windows.
func chunkText(text string, size, overlap int) []string {
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	var chunks []string
	i := 0
	for i < total {
		end := min(total, i+size)
		chunks = append(chunks, string(runes[i:end]))
		if end >= total {
			break
		}
		i = max(0, end-overlap)
	}
	return chunks
}

// firstRunes returns the first n runes of s.
func firstRunes(s string, n int) string {
	count := 0
	for i := range s {
		count++
		if count > n {
			return s[:i]
		}
	}
	return s
}

func clampBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
