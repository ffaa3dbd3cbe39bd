package vectorindex

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestValidateCollectionName(t *testing.T) {
	valid := []string{
		"knowledge",
		"a",
		"tenant_42",
		strings.Repeat("x", 64),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateCollectionName(name), name)
	}

	invalid := []string{
		"",
		"Knowledge",
		"has-hyphen",
		"has.dot",
		"has space",
		strings.Repeat("x", 65),
	}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateCollectionName(name), ErrInvalidCollectionName, name)
	}
}

func TestIsTransientError(t *testing.T) {
	transient := []error{
		status.Error(grpccodes.Unavailable, "connection refused"),
		status.Error(grpccodes.DeadlineExceeded, "timed out"),
		status.Error(grpccodes.Aborted, "conflict"),
		status.Error(grpccodes.ResourceExhausted, "rate limited"),
	}
	for _, err := range transient {
		assert.True(t, IsTransientError(err), err.Error())
	}

	permanent := []error{
		nil,
		errors.New("plain error"),
		status.Error(grpccodes.InvalidArgument, "bad vector size"),
		status.Error(grpccodes.NotFound, "no such collection"),
		status.Error(grpccodes.Unauthenticated, "bad api key"),
	}
	for _, err := range permanent {
		assert.False(t, IsTransientError(err))
	}
}

func TestQdrantConfigDefaults(t *testing.T) {
	cfg := QdrantConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, "knowledge", cfg.Collection)
	assert.Equal(t, uint64(1536), cfg.DenseVectorSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, 5, cfg.HealthRetries)
	assert.Equal(t, 50*1024*1024, cfg.MaxMessageSize)
}

func TestQdrantConfigValidate(t *testing.T) {
	cfg := QdrantConfig{}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Port = 70000
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Collection = "Not-Valid"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidCollectionName)

	bad = cfg
	bad.Host = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)
}

func TestBuildFilter(t *testing.T) {
	filter := buildFilter(Filter{
		OwnerID:     "owner-1",
		SourceIDs:   []string{"s1", "s2"},
		SourceTypes: []string{"file"},
		Extra:       map[string]string{"lang": "ru", "skipped": ""},
	})

	require.Len(t, filter.Must, 4)

	owner := filter.Must[0].GetField()
	require.NotNil(t, owner)
	assert.Equal(t, "owner_id", owner.GetKey())
	assert.Equal(t, "owner-1", owner.GetMatch().GetKeyword())

	sources := filter.Must[1].GetField()
	require.NotNil(t, sources)
	assert.Equal(t, "source_id", sources.GetKey())
	assert.Equal(t, []string{"s1", "s2"}, sources.GetMatch().GetKeywords().GetStrings())

	types := filter.Must[2].GetField()
	require.NotNil(t, types)
	assert.Equal(t, "source_type", types.GetKey())
	assert.Equal(t, []string{"file"}, types.GetMatch().GetKeywords().GetStrings())

	extra := filter.Must[3].GetField()
	require.NotNil(t, extra)
	assert.Equal(t, "lang", extra.GetKey())
	assert.Equal(t, "ru", extra.GetMatch().GetKeyword())
}

func TestBuildFilterOwnerOnly(t *testing.T) {
	filter := buildFilter(Filter{OwnerID: "owner-1"})

	require.Len(t, filter.Must, 1)
	assert.Equal(t, "owner_id", filter.Must[0].GetField().GetKey())
}

func TestPayloadRoundTrip(t *testing.T) {
	values := qdrant.NewValueMap(map[string]any{
		"owner_id":     "owner-1",
		"source_id":    "source-1",
		"title":        "Инструкция",
		"offset":       3,
		"chunk_len":    412,
		"text":         "full chunk text",
		"text_preview": "full chunk",
		"source_type":  "file",
	})

	payload := payloadFromValues(values)

	assert.Equal(t, "owner-1", payload.OwnerID)
	assert.Equal(t, "source-1", payload.SourceID)
	assert.Equal(t, "Инструкция", payload.Title)
	assert.Equal(t, 3, payload.Offset)
	assert.Equal(t, 412, payload.ChunkLen)
	assert.Equal(t, "full chunk text", payload.Text)
	assert.Equal(t, "full chunk", payload.TextPreview)
	assert.Equal(t, "file", payload.SourceType)
}

func TestPayloadFromValuesMissingKeys(t *testing.T) {
	payload := payloadFromValues(map[string]*qdrant.Value{})

	assert.Empty(t, payload.OwnerID)
	assert.Zero(t, payload.Offset)
	assert.Empty(t, payload.Text)
}

func TestToPointStruct(t *testing.T) {
	point := Point{
		ID:    "11111111-2222-3333-4444-555555555555",
		Dense: []float32{0.1, 0.2},
		Sparse: &SparseVector{
			Indices: []uint32{4, 9},
			Values:  []float32{0.5, 0.25},
		},
		Payload: Payload{OwnerID: "owner-1", SourceID: "source-1", Text: "chunk"},
	}

	ps := toPointStruct(point)

	assert.Equal(t, point.ID, ps.GetId().GetUuid())
	assert.Equal(t, "owner-1", ps.GetPayload()["owner_id"].GetStringValue())
	assert.Equal(t, "chunk", ps.GetPayload()["text"].GetStringValue())

	named := ps.GetVectors().GetVectors().GetVectors()
	require.Contains(t, named, DenseVectorName)
	require.Contains(t, named, SparseVectorName)
}

func TestToPointStructDenseOnly(t *testing.T) {
	ps := toPointStruct(Point{
		ID:      "11111111-2222-3333-4444-555555555555",
		Dense:   []float32{0.1, 0.2},
		Payload: Payload{OwnerID: "owner-1"},
	})

	named := ps.GetVectors().GetVectors().GetVectors()
	require.Contains(t, named, DenseVectorName)
	assert.NotContains(t, named, SparseVectorName)
}
