package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CalendarTask is one calendar entry owned by a business. Dates and
// times are kept as the user-facing strings the model collected.
type CalendarTask struct {
	TaskID      string    `json:"task_id"`
	BusinessID  string    `json:"-"`
	Title       string    `json:"title"`
	StartDate   string    `json:"start_date"`
	StartTime   string    `json:"start_time"`
	EndDate     string    `json:"end_date,omitempty"`
	EndTime     string    `json:"end_time,omitempty"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Start renders the "date time" string response cards carry.
func (t CalendarTask) Start() string {
	return strings.TrimSpace(t.StartDate + " " + t.StartTime)
}

// CalendarFilter narrows a task listing.
type CalendarFilter struct {
	StartDate string
	Limit     int
}

// CalendarStore persists calendar entries managed by agent tools.
type CalendarStore interface {
	List(ctx context.Context, businessID string, f CalendarFilter) ([]CalendarTask, error)
	Create(ctx context.Context, t CalendarTask) (CalendarTask, error)
	Update(ctx context.Context, t CalendarTask) (CalendarTask, error)
	Delete(ctx context.Context, businessID, taskID string) error
}

const defaultCalendarLimit = 50

const calendarColumns = `task_id, business_id, title, start_date, start_time,
	end_date, end_time, description, status, created_at`

// CalendarRepository stores tasks in the calendar_tasks table.
type CalendarRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCalendarRepository wraps an open database handle.
func NewCalendarRepository(db *sql.DB, logger *zap.Logger) *CalendarRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalendarRepository{db: db, logger: logger}
}

var _ CalendarStore = (*CalendarRepository)(nil)

// List returns tasks of a business, newest first. The filter narrows
// by exact start date when set.
func (r *CalendarRepository) List(ctx context.Context, businessID string, f CalendarFilter) ([]CalendarTask, error) {
	limit := f.Limit
	if limit <= 0 || limit > defaultCalendarLimit {
		limit = defaultCalendarLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if f.StartDate != "" {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+calendarColumns+` FROM calendar_tasks
			 WHERE business_id = $1 AND start_date = $2
			 ORDER BY created_at DESC LIMIT $3`,
			businessID, f.StartDate, limit)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+calendarColumns+` FROM calendar_tasks
			 WHERE business_id = $1
			 ORDER BY created_at DESC LIMIT $2`,
			businessID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing calendar tasks: %w", err)
	}
	defer rows.Close()

	var tasks []CalendarTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Create inserts a task, assigning its id.
func (r *CalendarRepository) Create(ctx context.Context, t CalendarTask) (CalendarTask, error) {
	t.TaskID = uuid.NewString()
	if t.Status == "" {
		t.Status = "active"
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO calendar_tasks
		   (task_id, business_id, title, start_date, start_time, end_date, end_time, description, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at`,
		t.TaskID, t.BusinessID, t.Title, t.StartDate, t.StartTime,
		t.EndDate, t.EndTime, t.Description, t.Status).
		Scan(&t.CreatedAt)
	if err != nil {
		return CalendarTask{}, fmt.Errorf("creating calendar task: %w", err)
	}
	return t, nil
}

// Update changes the provided fields of a task, leaving empty ones
// untouched.
func (r *CalendarRepository) Update(ctx context.Context, t CalendarTask) (CalendarTask, error) {
	row := r.db.QueryRowContext(ctx,
		`UPDATE calendar_tasks SET
		   title       = COALESCE(NULLIF($3, ''), title),
		   start_date  = COALESCE(NULLIF($4, ''), start_date),
		   start_time  = COALESCE(NULLIF($5, ''), start_time),
		   end_date    = COALESCE(NULLIF($6, ''), end_date),
		   end_time    = COALESCE(NULLIF($7, ''), end_time),
		   description = COALESCE(NULLIF($8, ''), description),
		   status      = COALESCE(NULLIF($9, ''), status),
		   updated_at  = CURRENT_TIMESTAMP
		 WHERE business_id = $1 AND task_id = $2
		 RETURNING `+calendarColumns,
		t.BusinessID, t.TaskID, t.Title, t.StartDate, t.StartTime,
		t.EndDate, t.EndTime, t.Description, t.Status)
	updated, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CalendarTask{}, ErrNotFound
	}
	if err != nil {
		return CalendarTask{}, err
	}
	return updated, nil
}

// Delete removes a task or returns ErrNotFound.
func (r *CalendarRepository) Delete(ctx context.Context, businessID, taskID string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM calendar_tasks WHERE business_id = $1 AND task_id = $2`,
		businessID, taskID)
	if err != nil {
		return fmt.Errorf("deleting calendar task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting calendar task: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row rowScanner) (CalendarTask, error) {
	var (
		t         CalendarTask
		startDate sql.NullString
		startTime sql.NullString
		endDate   sql.NullString
		endTime   sql.NullString
		descr     sql.NullString
		status    sql.NullString
	)
	err := row.Scan(&t.TaskID, &t.BusinessID, &t.Title, &startDate, &startTime,
		&endDate, &endTime, &descr, &status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CalendarTask{}, err
		}
		return CalendarTask{}, fmt.Errorf("scanning calendar task: %w", err)
	}
	t.StartDate = startDate.String
	t.StartTime = startTime.String
	t.EndDate = endDate.String
	t.EndTime = endTime.String
	t.Description = descr.String
	t.Status = status.String
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// calendarSpecs builds the four calendar tools handed to agents whose
// active tool set allows the calendar.
func calendarSpecs(store CalendarStore) []Spec {
	taskFields := map[string]any{
		"title":       map[string]any{"type": "string", "description": "Заголовок записи."},
		"start_date":  map[string]any{"type": "string", "description": "Дата начала, день.месяц.год."},
		"start_time":  map[string]any{"type": "string", "description": "Время начала, чч:мм."},
		"end_date":    map[string]any{"type": "string", "description": "Дата окончания."},
		"end_time":    map[string]any{"type": "string", "description": "Время окончания."},
		"description": map[string]any{"type": "string", "description": "Описание записи."},
		"status":      map[string]any{"type": "string", "description": "Статус записи."},
	}
	withTaskID := map[string]any{
		"task_id": map[string]any{"type": "string", "description": "Идентификатор записи."},
	}
	for k, v := range taskFields {
		withTaskID[k] = v
	}

	taskFromArgs := func(args map[string]any) CalendarTask {
		return CalendarTask{
			TaskID:      stringArg(args, "task_id"),
			Title:       stringArg(args, "title"),
			StartDate:   stringArg(args, "start_date"),
			StartTime:   stringArg(args, "start_time"),
			EndDate:     stringArg(args, "end_date"),
			EndTime:     stringArg(args, "end_time"),
			Description: stringArg(args, "description"),
			Status:      stringArg(args, "status"),
		}
	}

	return []Spec{
		{
			Name:        publicName("calendar_list"),
			Type:        "calendar",
			Description: "Возвращает список записей календаря. Параметры: start_date (фильтр по точной дате, необязательно), limit.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"start_date": map[string]any{"type": "string", "description": "Показать записи этой даты."},
					"limit":      map[string]any{"type": "integer", "description": "Сколько записей вернуть."},
				},
			},
			Needs: []Capability{CapBusinessID},
			Run: func(ctx context.Context, call CallContext, args map[string]any) (any, error) {
				tasks, err := store.List(ctx, call.BusinessID, CalendarFilter{
					StartDate: stringArg(args, "start_date"),
					Limit:     intArg(args, "limit"),
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"ok": true, "tasks": tasks}, nil
			},
		},
		{
			Name:        publicName("calendar_create"),
			Type:        "calendar",
			Description: "Создаёт запись в календаре: title, start_date, start_time, [end_date, end_time, description, status]. Возвращает task_id.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": taskFields,
				"required":   []string{"title", "start_date", "start_time"},
			},
			Needs: []Capability{CapBusinessID},
			Run: func(ctx context.Context, call CallContext, args map[string]any) (any, error) {
				t := taskFromArgs(args)
				if t.Title == "" || t.StartDate == "" || t.StartTime == "" {
					return nil, errors.New("title, start_date and start_time are required")
				}
				t.BusinessID = call.BusinessID
				created, err := store.Create(ctx, t)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"ok":      true,
					"task_id": created.TaskID,
					"title":   created.Title,
					"start":   created.Start(),
					"task":    created,
				}, nil
			},
		},
		{
			Name:        publicName("calendar_update"),
			Type:        "calendar",
			Description: "Обновляет запись в календаре по task_id: title, start_date, start_time, [end_date, end_time, description, status]. Возвращает обновленную запись.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": withTaskID,
				"required":   []string{"task_id"},
			},
			Needs: []Capability{CapBusinessID},
			Run: func(ctx context.Context, call CallContext, args map[string]any) (any, error) {
				t := taskFromArgs(args)
				if t.TaskID == "" {
					return nil, errors.New("task_id is required")
				}
				t.BusinessID = call.BusinessID
				updated, err := store.Update(ctx, t)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"ok":      true,
					"task_id": updated.TaskID,
					"title":   updated.Title,
					"start":   updated.Start(),
					"task":    updated,
				}, nil
			},
		},
		{
			Name:        publicName("calendar_delete"),
			Type:        "calendar",
			Description: "Удаляет запись в календаре по task_id. Возвращает task_id удаленной записи.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_id": map[string]any{"type": "string", "description": "Идентификатор записи."},
				},
				"required": []string{"task_id"},
			},
			Needs: []Capability{CapBusinessID},
			Run: func(ctx context.Context, call CallContext, args map[string]any) (any, error) {
				taskID := stringArg(args, "task_id")
				if taskID == "" {
					return nil, errors.New("task_id is required")
				}
				if err := store.Delete(ctx, call.BusinessID, taskID); err != nil {
					return nil, err
				}
				return map[string]any{"ok": true, "task_id": taskID}, nil
			},
		},
	}
}
