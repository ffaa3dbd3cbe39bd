package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Store persists conversation rows. The conversations table holds one
// summary row per (business, customer); conversation_messages is the
// append-only log behind agent history and the business chat view.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// Turn is one row of the message log.
type Turn struct {
	CustomerID string
	ThreadID   string
	ProjectID  string
	Customer   []byte
	Assistant  []byte
	Business   []byte
	CreatedAt  time.Time
}

// CustomerRecord captures one inbound customer message together with
// the conversation identity it belongs to.
type CustomerRecord struct {
	BusinessID     string
	BusinessName   string
	AgentID        string
	AgentName      string
	Service        string
	AccessToken    string
	PhoneID        string
	ThreadID       string
	ProjectID      string
	CustomerID     string
	CustomerName   string
	CustomerAvatar string
	IdempotencyKey string
	Message        CustomerMessage
}

// AssistantRecord captures one assistant reply for persistence.
type AssistantRecord struct {
	BusinessID   string
	BusinessName string
	AgentID      string
	AgentName    string
	Service      string
	ThreadID     string
	ProjectID    string
	CustomerID   string
	Response     any
}

// MessagesQuery selects which conversation log to read.
type MessagesQuery struct {
	BusinessID string
	AgentID    string
	ThreadID   string
	ProjectID  string
}

// RecordCustomerMessage upserts the conversation summary row and
// appends the message to the log. Attachment names are filled from
// their URLs before encoding. A repeated idempotency key leaves the
// log untouched.
func (s *Store) RecordCustomerMessage(ctx context.Context, rec CustomerRecord) error {
	rec.Message.Attachments = EnsureNames(rec.Message.Attachments)
	encoded, err := json.Marshal(rec.Message)
	if err != nil {
		return fmt.Errorf("encoding customer message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (
		     business_id, business_name, agent_id, agent_name, service, access_token,
		     phone_id, thread_id, project_id, customer_id, customer_name, customer_avatar, customer_message
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)
		 ON CONFLICT (business_id, customer_id)
		 DO UPDATE SET
		     agent_id = EXCLUDED.agent_id,
		     agent_name = EXCLUDED.agent_name,
		     service = EXCLUDED.service,
		     access_token = EXCLUDED.access_token,
		     phone_id = EXCLUDED.phone_id,
		     thread_id = EXCLUDED.thread_id,
		     project_id = EXCLUDED.project_id,
		     customer_name = EXCLUDED.customer_name,
		     customer_avatar = EXCLUDED.customer_avatar,
		     customer_message = EXCLUDED.customer_message,
		     updated_at = CURRENT_TIMESTAMP`,
		rec.BusinessID, rec.BusinessName, nullable(rec.AgentID), rec.AgentName,
		rec.Service, rec.AccessToken, rec.PhoneID, nullable(rec.ThreadID),
		nullable(rec.ProjectID), rec.CustomerID, rec.CustomerName,
		rec.CustomerAvatar, encoded)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (
		     business_id, business_name, agent_id, agent_name, service,
		     thread_id, project_id, customer_id, customer_name, idempotency_key, customer_message
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)
		 ON CONFLICT (business_id, customer_id, idempotency_key)
		     WHERE idempotency_key IS NOT NULL
		 DO NOTHING`,
		rec.BusinessID, rec.BusinessName, nullable(rec.AgentID), rec.AgentName,
		rec.Service, nullable(rec.ThreadID), nullable(rec.ProjectID),
		rec.CustomerID, rec.CustomerName, nullable(rec.IdempotencyKey), encoded)
	if err != nil {
		return fmt.Errorf("inserting customer message: %w", err)
	}
	return nil
}

// Messages returns the conversation log, oldest first. Only the
// project-scoped log is queryable.
func (s *Store) Messages(ctx context.Context, q MessagesQuery) ([]Turn, error) {
	if q.ProjectID == "" {
		// TODO: add the (agent_id, thread_id) query once the web chat
		// reads history through this store; today only project
		// conversations consume it.
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT customer_id, thread_id, project_id, customer_message,
		        assistant_response, business_response, created_at
		   FROM conversation_messages
		  WHERE business_id = $1 AND project_id = $2
		  ORDER BY created_at ASC`,
		q.BusinessID, q.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("listing conversation messages: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			thread  sql.NullString
			project sql.NullString
		)
		if err := rows.Scan(&t.CustomerID, &thread, &project,
			&t.Customer, &t.Assistant, &t.Business, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation message: %w", err)
		}
		t.ThreadID = thread.String
		t.ProjectID = project.String
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ManualOverrideActive reports whether a human operator has taken over
// the conversation. An expired override is cleared on read.
func (s *Store) ManualOverrideActive(ctx context.Context, agentID, customerID string) (bool, error) {
	var (
		manual  bool
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT manual_response, manual_response_expires_at
		   FROM conversations
		  WHERE agent_id = $1 AND customer_id = $2
		  LIMIT 1`,
		agentID, customerID).Scan(&manual, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading manual override: %w", err)
	}
	if !manual {
		return false, nil
	}
	if !expires.Valid {
		return true, nil
	}
	if time.Now().UTC().After(expires.Time.UTC()) {
		_, err := s.db.ExecContext(ctx,
			`UPDATE conversations
			    SET manual_response = FALSE, manual_response_expires_at = NULL
			  WHERE agent_id = $1 AND customer_id = $2`,
			agentID, customerID)
		if err != nil {
			return false, fmt.Errorf("clearing manual override: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// UpsertAssistantState stores the latest assistant response on the
// summary row. An existing (business, agent, thread) row is updated in
// place; otherwise the row is created or refreshed by customer id.
func (s *Store) UpsertAssistantState(ctx context.Context, rec AssistantRecord) error {
	encoded, err := json.Marshal(rec.Response)
	if err != nil {
		return fmt.Errorf("encoding assistant response: %w", err)
	}

	var customerID string
	err = s.db.QueryRowContext(ctx,
		`UPDATE conversations
		    SET business_name = $1,
		        project_id = $2,
		        assistant_response = $3::jsonb,
		        updated_at = CURRENT_TIMESTAMP
		  WHERE business_id = $4 AND agent_id = $5 AND thread_id = $6
		  RETURNING customer_id`,
		rec.BusinessName, nullable(rec.ProjectID), encoded,
		rec.BusinessID, nullable(rec.AgentID), nullable(rec.ThreadID)).Scan(&customerID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("updating conversation by thread: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (
		     business_id, business_name, agent_id, thread_id, project_id, customer_id, assistant_response
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		 ON CONFLICT (business_id, customer_id)
		 DO UPDATE SET
		     business_name = EXCLUDED.business_name,
		     agent_id = EXCLUDED.agent_id,
		     thread_id = EXCLUDED.thread_id,
		     project_id = EXCLUDED.project_id,
		     assistant_response = EXCLUDED.assistant_response,
		     updated_at = CURRENT_TIMESTAMP`,
		rec.BusinessID, rec.BusinessName, nullable(rec.AgentID),
		nullable(rec.ThreadID), nullable(rec.ProjectID), rec.CustomerID, encoded)
	if err != nil {
		return fmt.Errorf("upserting conversation by customer: %w", err)
	}
	return nil
}

// InsertAssistantMessage appends an assistant reply to the log.
func (s *Store) InsertAssistantMessage(ctx context.Context, rec AssistantRecord) error {
	encoded, err := json.Marshal(rec.Response)
	if err != nil {
		return fmt.Errorf("encoding assistant response: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (
		     business_id, business_name, agent_id, agent_name, service,
		     thread_id, project_id, customer_id, assistant_response
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		rec.BusinessID, rec.BusinessName, nullable(rec.AgentID), rec.AgentName,
		rec.Service, nullable(rec.ThreadID), nullable(rec.ProjectID),
		rec.CustomerID, encoded)
	if err != nil {
		return fmt.Errorf("inserting assistant message: %w", err)
	}
	return nil
}

// QuotedText returns the stored text of a previously exchanged
// message, used to hand the agent the message a user replied to. The
// id is the channel message id recorded as the idempotency key.
func (s *Store) QuotedText(ctx context.Context, customerID, messageID string) (string, error) {
	var customer, assistant []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT customer_message, assistant_response
		   FROM conversation_messages
		  WHERE customer_id = $1 AND idempotency_key = $2
		  ORDER BY created_at DESC
		  LIMIT 1`,
		customerID, messageID).Scan(&customer, &assistant)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message %s not found", messageID)
	}
	if err != nil {
		return "", fmt.Errorf("reading quoted message: %w", err)
	}
	if len(assistant) > 0 {
		if rc := Normalize(assistant); rc.Content != "" {
			return rc.Content, nil
		}
	}
	return Normalize(customer).Content, nil
}

// TouchLastRead marks the conversation read as of now.
func (s *Store) TouchLastRead(ctx context.Context, businessID, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (business_id, customer_id, last_read_at)
		 VALUES ($1, $2, CURRENT_TIMESTAMP)
		 ON CONFLICT (business_id, customer_id)
		 DO UPDATE SET last_read_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP`,
		businessID, customerID)
	if err != nil {
		return fmt.Errorf("touching last_read_at: %w", err)
	}
	return nil
}

// DeleteProject removes the log and summary rows of one project
// conversation.
func (s *Store) DeleteProject(ctx context.Context, businessID, projectID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE business_id = $1 AND project_id = $2`,
		businessID, projectID); err != nil {
		return fmt.Errorf("deleting project messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE business_id = $1 AND project_id = $2`,
		businessID, projectID); err != nil {
		return fmt.Errorf("deleting project conversations: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
