package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNoAccount is returned when a phone or entity lookup finds nothing.
var ErrNoAccount = errors.New("auth: account not found")

// RefreshRecord is one stored refresh-token session.
type RefreshRecord struct {
	JTI       string
	UserID    string
	Role      string
	ExpiresAt time.Time
	Revoked   bool
}

// Valid reports whether the record can still be rotated.
func (r RefreshRecord) Valid(now time.Time) bool {
	return !r.Revoked && r.ExpiresAt.After(now)
}

// RefreshStore persists refresh sessions and their account links.
type RefreshStore interface {
	Insert(ctx context.Context, rec RefreshRecord) error
	Get(ctx context.Context, jti string) (RefreshRecord, error)
	Revoke(ctx context.Context, jti string) error
	CopyAccounts(ctx context.Context, oldJTI, newJTI string) error
	EntityExists(ctx context.Context, role, userID string) (bool, error)
}

// ResetStore persists hashed password-reset tokens and applies the new
// password.
type ResetStore interface {
	EmailForPhone(ctx context.Context, phone string) (string, error)
	ReplaceToken(ctx context.Context, phone, tokenHash string, expiresAt time.Time) error
	TokenValid(ctx context.Context, phone, tokenHash string, now time.Time) (bool, error)
	DeleteTokens(ctx context.Context, phone string) error
	UpdatePassword(ctx context.Context, phone, passwordHash string) error
}

// Store implements both auth stores over Postgres.
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

var (
	_ RefreshStore = (*Store)(nil)
	_ ResetStore   = (*Store)(nil)
)

// Insert stores a refresh session.
func (s *Store) Insert(ctx context.Context, rec RefreshRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (jti, user_id, role, expires_at, revoked)
		 VALUES ($1, $2, $3, $4, false)`,
		rec.JTI, rec.UserID, rec.Role, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("inserting refresh token: %w", err)
	}
	return nil
}

// Get loads a refresh session by jti.
func (s *Store) Get(ctx context.Context, jti string) (RefreshRecord, error) {
	var rec RefreshRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT jti, user_id, role, expires_at, revoked FROM refresh_tokens WHERE jti = $1`,
		jti).Scan(&rec.JTI, &rec.UserID, &rec.Role, &rec.ExpiresAt, &rec.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return RefreshRecord{}, ErrNoAccount
	}
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("loading refresh token: %w", err)
	}
	return rec, nil
}

// Revoke marks a session unusable.
func (s *Store) Revoke(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = true WHERE jti = $1`, jti)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

// CopyAccounts carries every account link of the old session over to
// the new one. Conflicts are ignored, a retried rotation must not fail.
func (s *Store) CopyAccounts(ctx context.Context, oldJTI, newJTI string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_accounts (main_user_id, account_type, account_id, session_jti)
		 SELECT main_user_id, account_type, account_id, $2
		 FROM user_accounts WHERE session_jti = $1
		 ON CONFLICT DO NOTHING`,
		oldJTI, newJTI)
	if err != nil {
		return fmt.Errorf("copying account links: %w", err)
	}
	return nil
}

// EntityExists checks that the entity behind a session still exists.
func (s *Store) EntityExists(ctx context.Context, role, userID string) (bool, error) {
	var query string
	switch role {
	case RoleUser:
		query = `SELECT 1 FROM users WHERE user_id = $1`
	case RoleBusiness:
		query = `SELECT 1 FROM businesses WHERE business_id = $1`
	default:
		return false, fmt.Errorf("auth: unknown role %q", role)
	}
	var one int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s entity: %w", role, err)
	}
	return true, nil
}

// EmailForPhone returns the account email used for reset delivery.
func (s *Store) EmailForPhone(ctx context.Context, phone string) (string, error) {
	var email sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_email FROM users WHERE user_phone = $1`, phone).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoAccount
	}
	if err != nil {
		return "", fmt.Errorf("looking up account email: %w", err)
	}
	if !email.Valid || email.String == "" {
		return "", ErrNoAccount
	}
	return email.String, nil
}

// ReplaceToken drops any outstanding reset tokens for phone and stores
// the new hash. One live token per phone.
func (s *Store) ReplaceToken(ctx context.Context, phone, tokenHash string, expiresAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting reset-token tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM password_reset_tokens WHERE user_phone = $1`, phone); err != nil {
		return fmt.Errorf("clearing reset tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO password_reset_tokens (user_phone, token_hash, expires_at)
		 VALUES ($1, $2, $3)`,
		phone, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("storing reset token: %w", err)
	}
	return tx.Commit()
}

// TokenValid reports whether an unexpired token with this hash exists.
func (s *Store) TokenValid(ctx context.Context, phone, tokenHash string, now time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM password_reset_tokens
		 WHERE user_phone = $1 AND token_hash = $2 AND expires_at > $3`,
		phone, tokenHash, now).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking reset token: %w", err)
	}
	return true, nil
}

// DeleteTokens removes every reset token for phone.
func (s *Store) DeleteTokens(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM password_reset_tokens WHERE user_phone = $1`, phone)
	if err != nil {
		return fmt.Errorf("deleting reset tokens: %w", err)
	}
	return nil
}

// UpdatePassword stores the bcrypt hash on the user row.
func (s *Store) UpdatePassword(ctx context.Context, phone, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET user_password = $2 WHERE user_phone = $1`, phone, passwordHash)
	if err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoAccount
	}
	return nil
}
