package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when a source row does not exist.
var ErrNotFound = errors.New("not_found")

const sourceColumns = `source_id, type, uri, title, status, progress, metadata, created_at, updated_at`

// Repository persists source rows in the knowledge table. All queries are
// owner-scoped; there is no way to read another owner's rows through it.
type Repository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRepository wraps an open database handle.
func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// ListByOwner returns all sources of an owner, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM knowledge WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		src, err := scanSource(rows, ownerID)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

// Insert creates a source row. Timestamps are set here.
func (r *Repository) Insert(ctx context.Context, src *Source) error {
	if src.Metadata == nil {
		src.Metadata = Metadata{}
	}
	meta, err := json.Marshal(src.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO knowledge (owner_id, source_id, type, uri, title, status, progress, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		src.OwnerID, src.SourceID, string(src.Type), nullable(src.URI), src.Title,
		string(src.Status), src.Progress, meta, now, now)
	if err != nil {
		return fmt.Errorf("inserting source: %w", err)
	}
	return nil
}

// GetOne returns a single source or ErrNotFound.
func (r *Repository) GetOne(ctx context.Context, ownerID, sourceID string) (*Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM knowledge WHERE owner_id = $1 AND source_id = $2 LIMIT 1`,
		ownerID, sourceID)
	src, err := scanSource(row, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return src, err
}

// UpdateMetadata merges updates into the metadata column and optionally
// updates status and progress. The merge happens in the database; a nil value
// removes its key via jsonb_strip_nulls. Oversized extracted text is clamped
// so a single source cannot bloat the row.
func (r *Repository) UpdateMetadata(ctx context.Context, ownerID, sourceID string, updates Metadata, status *Status, progress *int) error {
	if updates == nil {
		updates = Metadata{}
	}
	if text, ok := updates[MetaExtractedText].(string); ok && len(text) > MaxPreviewChars {
		updates[MetaExtractedText] = text[:MaxPreviewChars]
	}
	encoded, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("encoding metadata updates: %w", err)
	}

	var statusArg, progressArg any
	if status != nil {
		statusArg = string(*status)
	}
	if progress != nil {
		progressArg = *progress
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE knowledge
		    SET metadata = jsonb_strip_nulls(coalesce(metadata, '{}'::jsonb) || $3::jsonb),
		        status = COALESCE($4, status),
		        progress = COALESCE($5, progress),
		        updated_at = $6
		 WHERE owner_id = $1 AND source_id = $2`,
		ownerID, sourceID, encoded, statusArg, progressArg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating metadata: %w", err)
	}
	return nil
}

// UpdateScalars updates title and/or uri, leaving nil fields untouched.
func (r *Repository) UpdateScalars(ctx context.Context, ownerID, sourceID string, title, uri *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE knowledge
		    SET title = COALESCE($3, title),
		        uri = COALESCE($4, uri),
		        updated_at = $5
		 WHERE owner_id = $1 AND source_id = $2`,
		ownerID, sourceID, title, uri, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating source fields: %w", err)
	}
	return nil
}

// MarkReindexRequested atomically flips a settled source back to pending and
// merges updates into its metadata. Returns false when the source is already
// pending or indexing, in which case no new job should be queued.
func (r *Repository) MarkReindexRequested(ctx context.Context, ownerID, sourceID string, updates Metadata) (bool, error) {
	if updates == nil {
		updates = Metadata{}
	}
	encoded, err := json.Marshal(updates)
	if err != nil {
		return false, fmt.Errorf("encoding metadata updates: %w", err)
	}

	var marked string
	err = r.db.QueryRowContext(ctx,
		`UPDATE knowledge
		    SET metadata = jsonb_strip_nulls(coalesce(metadata, '{}'::jsonb) || $3::jsonb),
		        status = 'pending',
		        progress = 0,
		        updated_at = $4
		 WHERE owner_id = $1 AND source_id = $2 AND status NOT IN ('pending', 'indexing')
		 RETURNING source_id`,
		ownerID, sourceID, encoded, time.Now().UTC()).Scan(&marked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("marking reindex: %w", err)
	}
	return true, nil
}

// Delete removes a source row.
func (r *Repository) Delete(ctx context.Context, ownerID, sourceID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM knowledge WHERE owner_id = $1 AND source_id = $2`,
		ownerID, sourceID)
	if err != nil {
		return fmt.Errorf("deleting source: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner, ownerID string) (*Source, error) {
	var (
		src     Source
		uri     sql.NullString
		rawMeta []byte
	)
	err := row.Scan(&src.SourceID, &src.Type, &uri, &src.Title, &src.Status,
		&src.Progress, &rawMeta, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	src.OwnerID = ownerID
	if uri.Valid {
		src.URI = uri.String
	}
	src.Metadata = Metadata{}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &src.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", src.SourceID, err)
		}
	}
	return &src, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*Repository)(nil)
