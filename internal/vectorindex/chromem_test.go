package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestChromem(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func testPoints() []Point {
	return []Point{
		{
			ID:    "11111111-0000-0000-0000-000000000001",
			Dense: []float32{1, 0, 0},
			Payload: Payload{
				OwnerID: "owner-a", SourceID: "source-1", SourceType: "file",
				Title: "Первый", Offset: 0, ChunkLen: 12, Text: "первый чанк", TextPreview: "первый чанк",
			},
		},
		{
			ID:    "11111111-0000-0000-0000-000000000002",
			Dense: []float32{0, 1, 0},
			Payload: Payload{
				OwnerID: "owner-a", SourceID: "source-2", SourceType: "url",
				Title: "Второй", Offset: 1, ChunkLen: 11, Text: "второй чанк", TextPreview: "второй чанк",
			},
		},
		{
			ID:    "11111111-0000-0000-0000-000000000003",
			Dense: []float32{0, 0, 1},
			Payload: Payload{
				OwnerID: "owner-b", SourceID: "source-3", SourceType: "file",
				Title: "Чужой", Offset: 0, ChunkLen: 10, Text: "чужой чанк", TextPreview: "чужой чанк",
			},
		},
	}
}

func TestChromemConfigValidate(t *testing.T) {
	cfg := ChromemConfig{}
	cfg.ApplyDefaults()
	assert.Equal(t, "knowledge", cfg.Collection)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Path = t.TempDir()
	assert.NoError(t, cfg.Validate())
}

func TestChromemUpsertAndSearch(t *testing.T) {
	idx := newTestChromem(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, testPoints()))

	hits, err := idx.SearchDense(ctx, []float32{1, 0, 0}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	best := hits[0]
	assert.Equal(t, "11111111-0000-0000-0000-000000000001", best.ID)
	assert.Equal(t, "owner-a", best.Payload.OwnerID)
	assert.Equal(t, "source-1", best.Payload.SourceID)
	assert.Equal(t, "первый чанк", best.Payload.Text)
	assert.Equal(t, 12, best.Payload.ChunkLen)
	assert.Greater(t, best.Score, hits[1].Score)
}

func TestChromemSearchIsolatesOwners(t *testing.T) {
	idx := newTestChromem(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, testPoints()))

	hits, err := idx.SearchDense(ctx, []float32{0, 0, 1}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	for _, hit := range hits {
		assert.Equal(t, "owner-a", hit.Payload.OwnerID)
	}
}

func TestChromemSearchSourceFilters(t *testing.T) {
	idx := newTestChromem(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, testPoints()))

	hits, err := idx.SearchDense(ctx, []float32{1, 0, 0},
		Filter{OwnerID: "owner-a", SourceIDs: []string{"source-2"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "source-2", hits[0].Payload.SourceID)

	hits, err = idx.SearchDense(ctx, []float32{1, 0, 0},
		Filter{OwnerID: "owner-a", SourceTypes: []string{"url"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "url", hits[0].Payload.SourceType)
}

func TestChromemSearchValidation(t *testing.T) {
	idx := newTestChromem(t)
	ctx := context.Background()

	_, err := idx.SearchDense(ctx, []float32{1, 0, 0}, Filter{}, 10)
	assert.ErrorContains(t, err, "owner id")

	_, err = idx.SearchDense(ctx, []float32{1, 0, 0}, Filter{OwnerID: "owner-a"}, 0)
	assert.ErrorContains(t, err, "limit")

	hits, err := idx.SearchDense(ctx, nil, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Empty collection returns no hits without an error.
	hits, err = idx.SearchDense(ctx, []float32{1, 0, 0}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemSparseSearchDegrades(t *testing.T) {
	idx := newTestChromem(t)

	hits, err := idx.SearchSparse(context.Background(), []uint32{1}, []float32{0.5}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemDeleteForSource(t *testing.T) {
	idx := newTestChromem(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, testPoints()))

	// Empty source id is a no-op, nothing disappears.
	require.NoError(t, idx.DeleteForSource(ctx, "owner-a", ""))
	hits, err := idx.SearchDense(ctx, []float32{1, 0, 0}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	require.NoError(t, idx.DeleteForSource(ctx, "owner-a", "source-1"))
	hits, err = idx.SearchDense(ctx, []float32{1, 0, 0}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "source-2", hits[0].Payload.SourceID)
}

func TestChromemDeleteForOwner(t *testing.T) {
	idx := newTestChromem(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, testPoints()))

	require.NoError(t, idx.DeleteForOwner(ctx, "owner-a"))

	hits, err := idx.SearchDense(ctx, []float32{1, 0, 0}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.SearchDense(ctx, []float32{0, 0, 1}, Filter{OwnerID: "owner-b"}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestChromemPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := NewChromemIndex(ChromemConfig{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, testPoints()))
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(ChromemConfig{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	hits, err := reopened.SearchDense(ctx, []float32{0, 1, 0}, Filter{OwnerID: "owner-a"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "11111111-0000-0000-0000-000000000002", hits[0].ID)
}
