package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	resetTokenBytes = 48
	resetTokenTTL   = time.Hour
	minPasswordLen  = 8
)

// ErrResetRejected is returned on an unknown or expired reset token.
var ErrResetRejected = errors.New("auth: password reset rejected")

// PasswordReset drives the forgot-password flow. Only the SHA-256 of a
// token is ever persisted; the raw value exists in the reset email and
// nowhere else.
type PasswordReset struct {
	store  ResetStore
	logger *zap.Logger

	now func() time.Time
}

// NewPasswordReset wires the reset flow.
func NewPasswordReset(store ResetStore, logger *zap.Logger) *PasswordReset {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PasswordReset{store: store, logger: logger, now: time.Now}
}

// NewResetToken mints a 48-byte URL-safe random token.
func NewResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating reset token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 of a raw token, the only form that
// touches the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Start begins a reset for phone. It returns the masked email for the
// API response and the raw token for the mailer; any previous token
// for the phone is replaced.
func (p *PasswordReset) Start(ctx context.Context, phone string) (maskedEmail, rawToken string, err error) {
	email, err := p.store.EmailForPhone(ctx, phone)
	if err != nil {
		return "", "", err
	}
	rawToken, err = NewResetToken()
	if err != nil {
		return "", "", err
	}
	expiresAt := p.now().Add(resetTokenTTL)
	if err := p.store.ReplaceToken(ctx, phone, HashToken(rawToken), expiresAt); err != nil {
		return "", "", err
	}
	p.logger.Info("password reset started", zap.String("phone", phone))
	return MaskEmail(email), rawToken, nil
}

// SetNewPassword finishes a reset: the (phone, token) pair must match
// an unexpired record. The bcrypt hash replaces the password and every
// reset token for the phone is burned.
func (p *PasswordReset) SetNewPassword(ctx context.Context, phone, rawToken, newPassword string) error {
	if len(newPassword) < minPasswordLen {
		return fmt.Errorf("%w: password too short", ErrResetRejected)
	}
	ok, err := p.store.TokenValid(ctx, phone, HashToken(rawToken), p.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: unknown or expired token", ErrResetRejected)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := p.store.UpdatePassword(ctx, phone, string(hash)); err != nil {
		return err
	}
	if err := p.store.DeleteTokens(ctx, phone); err != nil {
		p.logger.Warn("failed to burn reset tokens", zap.Error(err))
	}
	p.logger.Info("password updated", zap.String("phone", phone))
	return nil
}

// MaskEmail hides most of the local part: "anna.k@mail.ru" becomes
// "a***k@mail.ru".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	local, domain := email[:at], email[at:]
	runes := []rune(local)
	if len(runes) <= 2 {
		return string(runes[0]) + "***" + domain
	}
	return string(runes[0]) + "***" + string(runes[len(runes)-1]) + domain
}
