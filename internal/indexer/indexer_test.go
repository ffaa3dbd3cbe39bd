package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/docparse"
	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
	"github.com/fyrsmithlabs/dialogd/internal/sparse"
	"github.com/fyrsmithlabs/dialogd/internal/vectorindex"
)

const testVectorSize = 4

type statusWrite struct {
	meta     knowledge.Metadata
	status   *knowledge.Status
	progress *int
}

type fakeSourceStore struct {
	mu     sync.Mutex
	rows   map[string]*knowledge.Source
	writes []statusWrite
}

func (f *fakeSourceStore) GetOne(_ context.Context, ownerID, sourceID string) (*knowledge.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.rows[ownerID+"/"+sourceID]; ok {
		return row, nil
	}
	return nil, knowledge.ErrNotFound
}

func (f *fakeSourceStore) UpdateMetadata(_ context.Context, _, _ string, updates knowledge.Metadata, status *knowledge.Status, progress *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, statusWrite{meta: updates, status: status, progress: progress})
	return nil
}

func (f *fakeSourceStore) lastWrite() statusWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[len(f.writes)-1]
}

type fakeEmbedder struct {
	dim int
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dim)
		for j := range vec {
			vec[j] = float32(i + 1)
		}
		out[i] = vec
	}
	return out, nil
}

type fakeSparseEnc struct {
	err   error
	short bool
}

func (f *fakeSparseEnc) EncodeBatch(texts []string) ([]sparse.Vector, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := len(texts)
	if f.short {
		n--
	}
	out := make([]sparse.Vector, n)
	for i := range out {
		out[i] = sparse.Vector{Indices: []uint32{uint32(i)}, Values: []float32{0.5}}
	}
	return out, nil
}

type fakePointIndex struct {
	mu       sync.Mutex
	deleted  []string
	upserted []vectorindex.Point
	delErr   error
	upErr    error
}

func (f *fakePointIndex) DeleteForSource(_ context.Context, ownerID, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, ownerID+"/"+sourceID)
	return nil
}

func (f *fakePointIndex) Upsert(_ context.Context, points []vectorindex.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upErr != nil {
		return f.upErr
	}
	f.upserted = append(f.upserted, points...)
	return nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *fakeSourceStore
	embedder *fakeEmbedder
	index    *fakePointIndex
	sparse   *fakeSparseEnc
}

func newPipelineFixture(t *testing.T, withSparse bool) *pipelineFixture {
	t.Helper()
	// Keep pdftotext/soffice out of reach so parsing and preview
	// generation are deterministic.
	t.Setenv("PATH", t.TempDir())

	f := &pipelineFixture{
		store:    &fakeSourceStore{rows: map[string]*knowledge.Source{}},
		embedder: &fakeEmbedder{dim: testVectorSize},
		index:    &fakePointIndex{},
	}
	var enc SparseBatchEncoder
	if withSparse {
		f.sparse = &fakeSparseEnc{}
		enc = f.sparse
	}
	f.pipeline = NewPipeline(f.store, docparse.New(zap.NewNop()), f.embedder, enc, f.index, testVectorSize, zap.NewNop())
	return f
}

func writeTempText(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestProcessIndexesTextFile(t *testing.T) {
	f := newPipelineFixture(t, false)
	path := writeTempText(t, "Возврат оформляется через личный кабинет в течение 14 дней.")
	f.store.rows["owner-1/s1"] = &knowledge.Source{
		OwnerID: "owner-1", SourceID: "s1", Type: knowledge.TypeFile,
		Status: knowledge.StatusPending, Metadata: knowledge.Metadata{},
	}

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: path, Title: "инструкция.txt",
	})

	assert.Equal(t, []string{"owner-1/s1"}, f.index.deleted)
	require.Len(t, f.index.upserted, 1)

	point := f.index.upserted[0]
	assert.Equal(t, PointID("owner-1", "s1", 0), point.ID)
	assert.Len(t, point.Dense, testVectorSize)
	assert.Nil(t, point.Sparse)
	assert.Equal(t, "owner-1", point.Payload.OwnerID)
	assert.Equal(t, "s1", point.Payload.SourceID)
	assert.Equal(t, "инструкция.txt", point.Payload.Title)
	assert.Equal(t, 0, point.Payload.Offset)
	assert.Equal(t, 9, point.Payload.ChunkLen)
	assert.Equal(t, "file", point.Payload.SourceType)
	assert.Contains(t, point.Payload.Text, "личный кабинет")

	// preview skip, parse progress, embed progress, final ready.
	require.Len(t, f.store.writes, 4)
	assert.Equal(t, "skipped_no_soffice", f.store.writes[0].meta.String(knowledge.MetaPreviewPDFGen))
	assert.Equal(t, knowledge.StatusIndexing, *f.store.writes[1].status)
	assert.Equal(t, 10, *f.store.writes[1].progress)
	assert.Equal(t, 90, *f.store.writes[2].progress)

	final := f.store.lastWrite()
	assert.Equal(t, knowledge.StatusReady, *final.status)
	assert.Equal(t, 100, *final.progress)
	assert.Equal(t, path, final.meta.String(knowledge.MetaSavedPath))
	assert.Contains(t, final.meta.String(knowledge.MetaExtractedText), "личный кабинет")
}

func TestProcessTextSourceFromMetadata(t *testing.T) {
	f := newPipelineFixture(t, false)
	f.store.rows["owner-1/s1"] = &knowledge.Source{
		OwnerID: "owner-1", SourceID: "s1", Type: knowledge.TypeText,
		Status:   knowledge.StatusPending,
		Metadata: knowledge.Metadata{knowledge.MetaText: "текст из метаданных"},
	}

	f.pipeline.Process(context.Background(), knowledge.IndexJob{OwnerID: "owner-1", SourceID: "s1"})

	require.Len(t, f.index.upserted, 1)
	assert.Equal(t, "текст из метаданных", f.index.upserted[0].Payload.Text)
	assert.Equal(t, "text", f.index.upserted[0].Payload.SourceType)

	// No preview writes without a stored file.
	for _, w := range f.store.writes {
		assert.False(t, w.meta.Has(knowledge.MetaPreviewPDFGen))
	}
}

func TestProcessNoText(t *testing.T) {
	f := newPipelineFixture(t, false)
	missing := filepath.Join(t.TempDir(), "gone.txt")

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: missing,
	})

	assert.Empty(t, f.index.deleted)
	assert.Empty(t, f.index.upserted)

	final := f.store.lastWrite()
	require.NotNil(t, final.status)
	assert.Equal(t, knowledge.StatusPending, *final.status)
	assert.Equal(t, 0, *final.progress)
	assert.True(t, final.meta.Has(knowledge.MetaTriedParse))
	assert.Equal(t, missing, final.meta.String(knowledge.MetaSavedPath))
}

func TestProcessAllEmbeddingsFail(t *testing.T) {
	f := newPipelineFixture(t, false)
	f.embedder.err = errors.New("endpoint down")
	path := writeTempText(t, "some document text")

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: path,
	})

	assert.Empty(t, f.index.upserted)
	// Stale points are still cleared before embedding.
	assert.Equal(t, []string{"owner-1/s1"}, f.index.deleted)

	final := f.store.lastWrite()
	assert.Equal(t, knowledge.StatusError, *final.status)
	assert.Equal(t, 0, *final.progress)
	assert.True(t, final.meta.Has(knowledge.MetaIndexingError))
	assert.Equal(t, "all_none_embeddings", final.meta.String(knowledge.MetaIndexingReason))
}

func TestProcessWrongVectorSize(t *testing.T) {
	f := newPipelineFixture(t, false)
	f.embedder.dim = testVectorSize + 1
	path := writeTempText(t, "some document text")

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: path,
	})

	assert.Empty(t, f.index.upserted)
	final := f.store.lastWrite()
	assert.Equal(t, knowledge.StatusError, *final.status)
	assert.Contains(t, final.meta.String(knowledge.MetaIndexingReason), "mismatched_vector_size_samples")
}

func TestProcessUpsertFailure(t *testing.T) {
	f := newPipelineFixture(t, false)
	f.index.upErr = errors.New("qdrant down")
	path := writeTempText(t, "some document text")

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: path,
	})

	final := f.store.lastWrite()
	assert.Equal(t, knowledge.StatusError, *final.status)
	assert.True(t, final.meta.Has(knowledge.MetaIndexingError))
	assert.False(t, final.meta.Has(knowledge.MetaIndexingReason))
}

func TestProcessAttachesSparseVectors(t *testing.T) {
	f := newPipelineFixture(t, true)
	path := writeTempText(t, "текст для разреженного индекса")

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: path,
	})

	require.Len(t, f.index.upserted, 1)
	require.NotNil(t, f.index.upserted[0].Sparse)
	assert.Equal(t, []uint32{0}, f.index.upserted[0].Sparse.Indices)
}

func TestProcessSparseMismatchDiscarded(t *testing.T) {
	f := newPipelineFixture(t, true)
	f.sparse.short = true
	path := writeTempText(t, "текст для разреженного индекса")

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: path,
	})

	require.Len(t, f.index.upserted, 1)
	assert.Nil(t, f.index.upserted[0].Sparse)
}

func TestProcessSparseErrorDegrades(t *testing.T) {
	f := newPipelineFixture(t, true)
	f.sparse.err = sparse.ErrNotFitted
	path := writeTempText(t, "some document text")

	f.pipeline.Process(context.Background(), knowledge.IndexJob{
		OwnerID: "owner-1", SourceID: "s1", SavedPath: path,
	})

	require.Len(t, f.index.upserted, 1)
	assert.Nil(t, f.index.upserted[0].Sparse)
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("", ChunkSize, ChunkOverlap))

	single := chunkText("short text", ChunkSize, ChunkOverlap)
	assert.Equal(t, []string{"short text"}, single)

	text := strings.Repeat("a", 3000) + strings.Repeat("b", 500)
	chunks := chunkText(text, ChunkSize, ChunkOverlap)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 3000), chunks[0])
	assert.Equal(t, strings.Repeat("a", 300)+strings.Repeat("b", 500), chunks[1])
}

func TestChunkTextKeepsRunesWhole(t *testing.T) {
	chunks := chunkText(strings.Repeat("я", 3100), ChunkSize, ChunkOverlap)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
	}
	assert.Equal(t, ChunkSize, utf8.RuneCountInString(chunks[0]))
	assert.Equal(t, 400, utf8.RuneCountInString(chunks[1]))
}

func TestFirstRunes(t *testing.T) {
	assert.Equal(t, "abc", firstRunes("abc", 10))
	assert.Equal(t, "ab", firstRunes("abcdef", 2))
	assert.Equal(t, "яя", firstRunes("яяяя", 2))
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("owner-1", "s1", 0)
	b := PointID("owner-1", "s1", 0)
	c := PointID("owner-1", "s1", 1)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-5[0-9a-f]{3}-[0-9a-f]{4}-[0-9a-f]{12}$`, a)
}

func TestValidateEmbeddings(t *testing.T) {
	p := &Pipeline{vectorSize: 3, logger: zap.NewNop()}

	valid, reason := p.validateEmbeddings([][]float32{{1, 2, 3}, nil, {1, 2}})
	assert.Equal(t, 1, valid)
	assert.Empty(t, reason)

	valid, reason = p.validateEmbeddings([][]float32{nil, nil})
	assert.Zero(t, valid)
	assert.Equal(t, "all_none_embeddings", reason)

	valid, reason = p.validateEmbeddings([][]float32{{1, 2}, nil})
	assert.Zero(t, valid)
	assert.Equal(t, "mismatched_vector_size_samples=[2]", reason)
}
