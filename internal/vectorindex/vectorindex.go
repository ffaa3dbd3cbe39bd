// Package vectorindex provides the knowledge chunk index.
//
// Chunks are stored with two named vectors per point: a dense embedding
// (text_dense) and an optional TF-IDF sparse vector (text_sparse).
// Two backends implement the Index interface: Qdrant over gRPC for
// production and chromem-go for embedded development setups. The
// chromem backend is dense-only; sparse searches against it return no
// hits and hybrid retrieval degrades to dense ranking.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Named vectors stored on every point.
const (
	DenseVectorName  = "text_dense"
	SparseVectorName = "text_sparse"
)

// UpsertBatchSize is the number of points sent per upsert request.
const UpsertBatchSize = 128

var (
	// ErrInvalidConfig indicates invalid backend configuration.
	ErrInvalidConfig = errors.New("invalid vector index config")

	// ErrInvalidCollectionName indicates an unsafe collection name.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("vector index connection failed")
)

// collectionNamePattern validates collection names: lowercase letters,
// numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names that are unsafe to interpolate
// into backend requests.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// IsTransientError reports whether an error is worth retrying: network
// timeouts and temporary unavailability, not invalid input or missing
// resources.
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

// SparseVector is a TF-IDF vector in index/value form. Indices are
// vocabulary positions; values are l2-normalized weights.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// Payload is the metadata stored with every chunk point.
type Payload struct {
	OwnerID     string `json:"owner_id"`
	SourceID    string `json:"source_id"`
	Title       string `json:"title,omitempty"`
	Offset      int    `json:"offset"`
	ChunkLen    int    `json:"chunk_len"`
	Text        string `json:"text,omitempty"`
	TextPreview string `json:"text_preview,omitempty"`
	SourceType  string `json:"source_type,omitempty"`
}

// Point is one chunk ready for indexing. Sparse may be nil when the
// sparse embedder is disabled or unfitted.
type Point struct {
	ID      string
	Dense   []float32
	Sparse  *SparseVector
	Payload Payload
}

// Hit is one search result. FusedScore is only set after RRF fusion.
type Hit struct {
	ID         string
	Score      float32
	FusedScore float64
	Payload    Payload
}

// Filter restricts searches and deletes to matching payloads. OwnerID
// is required on every search so tenants never see each other's
// chunks. Extra carries additional exact-match payload keys.
type Filter struct {
	OwnerID     string
	SourceIDs   []string
	SourceTypes []string
	Extra       map[string]string
}

// Index stores and searches knowledge chunk vectors.
type Index interface {
	// EnsureCollection creates the configured collection when it does
	// not exist yet. Implementations must be idempotent.
	EnsureCollection(ctx context.Context) error

	// Upsert writes points in batches, overwriting points with the
	// same ID.
	Upsert(ctx context.Context, points []Point) error

	// DeleteForSource removes every point of one source. An empty
	// sourceID is a no-op.
	DeleteForSource(ctx context.Context, ownerID, sourceID string) error

	// DeleteForOwner removes every point of one owner.
	DeleteForOwner(ctx context.Context, ownerID string) error

	// SearchDense runs a dense similarity search.
	SearchDense(ctx context.Context, vector []float32, filter Filter, limit int) ([]Hit, error)

	// SearchSparse runs a sparse similarity search. Backends without
	// sparse support return no hits and no error.
	SearchSparse(ctx context.Context, indices []uint32, values []float32, filter Filter, limit int) ([]Hit, error)

	// Close releases backend connections.
	Close() error
}
