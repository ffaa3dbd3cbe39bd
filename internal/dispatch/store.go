package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrProjectNotFound is returned when a project row does not exist.
var ErrProjectNotFound = errors.New("project not found")

// ProjectMeta is the dispatch-relevant slice of a project row: how the
// knowledge retriever should behave and which tools the project binds.
type ProjectMeta struct {
	KnowledgeMode   string
	KnowledgeActive []string
	Tools           []string
}

// ProjectStore loads project metadata for project-scoped dispatches.
type ProjectStore interface {
	Meta(ctx context.Context, projectID string) (ProjectMeta, error)
}

// ProjectRepository reads project rows from Postgres.
type ProjectRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewProjectRepository wraps an open database handle.
func NewProjectRepository(db *sql.DB, logger *zap.Logger) *ProjectRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProjectRepository{db: db, logger: logger}
}

var _ ProjectStore = (*ProjectRepository)(nil)

// Meta returns the knowledge and tool settings of one project.
func (r *ProjectRepository) Meta(ctx context.Context, projectID string) (ProjectMeta, error) {
	var (
		mode   sql.NullString
		active []byte
		tools  []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT knowledge_mode, knowledge_active, tools FROM projects WHERE project_id = $1`,
		projectID).Scan(&mode, &active, &tools)
	if errors.Is(err, sql.ErrNoRows) {
		return ProjectMeta{}, ErrProjectNotFound
	}
	if err != nil {
		return ProjectMeta{}, fmt.Errorf("loading project meta: %w", err)
	}
	m := ProjectMeta{
		KnowledgeMode:   mode.String,
		KnowledgeActive: decodeStringList(active),
		Tools:           decodeStringList(tools),
	}
	return m, nil
}

func decodeStringList(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	// Some rows carry objects keyed by id instead of plain arrays.
	var byID map[string]any
	if err := json.Unmarshal(raw, &byID); err == nil {
		out := make([]string, 0, len(byID))
		for id := range byID {
			out = append(out, id)
		}
		return out
	}
	return nil
}
