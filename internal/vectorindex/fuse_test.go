package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseEmpty(t *testing.T) {
	assert.Empty(t, Fuse(nil, nil, 0))
	assert.Empty(t, Fuse([][]Hit{{}, {}}, []float64{0.7, 0.3}, 60))
}

func TestFuseSingleList(t *testing.T) {
	hits := []Hit{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	fused := Fuse([][]Hit{hits}, []float64{1.0}, 60)

	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
	assert.Equal(t, "c", fused[2].ID)
	assert.InDelta(t, 1.0/61.0, fused[0].FusedScore, 1e-12)
	assert.InDelta(t, 1.0/62.0, fused[1].FusedScore, 1e-12)
	assert.InDelta(t, 1.0/63.0, fused[2].FusedScore, 1e-12)
}

func TestFuseCombinesRanksAcrossLists(t *testing.T) {
	dense := []Hit{{ID: "a"}, {ID: "b"}}
	sparse := []Hit{{ID: "b"}, {ID: "c"}}

	fused := Fuse([][]Hit{dense, sparse}, []float64{DefaultDenseWeight, DefaultSparseWeight}, DefaultRRFK)

	require.Len(t, fused, 3)
	// b appears in both lists and accumulates both contributions.
	assert.Equal(t, "b", fused[0].ID)
	assert.Equal(t, "a", fused[1].ID)
	assert.Equal(t, "c", fused[2].ID)
	assert.InDelta(t, 0.7/62.0+0.3/61.0, fused[0].FusedScore, 1e-12)
	assert.InDelta(t, 0.7/61.0, fused[1].FusedScore, 1e-12)
	assert.InDelta(t, 0.3/62.0, fused[2].FusedScore, 1e-12)
}

func TestFuseMissingWeightDefaultsToOne(t *testing.T) {
	lists := [][]Hit{{{ID: "a"}}, {{ID: "b"}}}

	fused := Fuse(lists, []float64{0.5}, 60)

	require.Len(t, fused, 2)
	// The second list has no weight entry and contributes at full weight.
	assert.Equal(t, "b", fused[0].ID)
	assert.InDelta(t, 1.0/61.0, fused[0].FusedScore, 1e-12)
	assert.InDelta(t, 0.5/61.0, fused[1].FusedScore, 1e-12)
}

func TestFuseFirstSeenPayloadWins(t *testing.T) {
	dense := []Hit{{ID: "a", Payload: Payload{Title: "from dense"}}}
	sparse := []Hit{{ID: "a", Payload: Payload{Title: "from sparse"}}}

	fused := Fuse([][]Hit{dense, sparse}, nil, 60)

	require.Len(t, fused, 1)
	assert.Equal(t, "from dense", fused[0].Payload.Title)
}

func TestFuseTiesKeepFirstSeenOrder(t *testing.T) {
	lists := [][]Hit{{{ID: "a"}}, {{ID: "b"}}}

	fused := Fuse(lists, nil, 60)

	require.Len(t, fused, 2)
	assert.Equal(t, fused[0].FusedScore, fused[1].FusedScore)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
}

func TestFuseDefaultK(t *testing.T) {
	fused := Fuse([][]Hit{{{ID: "a"}}}, nil, 0)

	require.Len(t, fused, 1)
	assert.InDelta(t, 1.0/float64(DefaultRRFK+1), fused[0].FusedScore, 1e-12)
}

func TestFuseSkipsEmptyIDs(t *testing.T) {
	fused := Fuse([][]Hit{{{ID: ""}, {ID: "a"}}}, nil, 60)

	require.Len(t, fused, 1)
	assert.Equal(t, "a", fused[0].ID)
	assert.InDelta(t, 1.0/62.0, fused[0].FusedScore, 1e-12)
}
