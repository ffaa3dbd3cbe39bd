package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrExpiredRefresh tells the caller to clear session cookies.
	ErrExpiredRefresh = errors.New("auth: refresh token expired")
	// ErrRefreshRejected covers revoked sessions, unknown jtis and
	// entities that no longer exist.
	ErrRefreshRejected = errors.New("auth: refresh rejected")
)

// Session is a freshly minted token pair.
type Session struct {
	AccessToken  string
	RefreshToken string
	Role         string
}

// Rotator performs the refresh-token rotation: every successful
// refresh retires the old jti and re-homes its account links under the
// new one, so a replayed old token is dead on arrival.
type Rotator struct {
	tokens *TokenService
	store  RefreshStore
	logger *zap.Logger

	now func() time.Time
}

// NewRotator wires the rotation flow.
func NewRotator(tokens *TokenService, store RefreshStore, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{tokens: tokens, store: store, logger: logger, now: time.Now}
}

// Rotate validates a refresh token and mints the next session.
//
// Order matters: the new session is fully materialized (record stored,
// account links copied) before the old jti is revoked, so a crash
// mid-rotation leaves at most one extra valid session, never a locked
// out user.
func (r *Rotator) Rotate(ctx context.Context, refreshToken string) (Session, error) {
	claims, err := r.tokens.Parse(refreshToken)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return Session{}, ErrExpiredRefresh
		}
		return Session{}, fmt.Errorf("%w: %w", ErrRefreshRejected, err)
	}

	oldJTI := claims.ID
	rec, err := r.store.Get(ctx, oldJTI)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return Session{}, fmt.Errorf("%w: unknown session", ErrRefreshRejected)
		}
		return Session{}, fmt.Errorf("loading refresh session: %w", err)
	}
	if !rec.Valid(r.now()) {
		return Session{}, fmt.Errorf("%w: session revoked or expired", ErrRefreshRejected)
	}
	exists, err := r.store.EntityExists(ctx, rec.Role, rec.UserID)
	if err != nil {
		return Session{}, fmt.Errorf("checking session entity: %w", err)
	}
	if !exists {
		return Session{}, fmt.Errorf("%w: entity gone", ErrRefreshRejected)
	}

	newJTI := NewJTI()
	next := *claims
	next.ID = newJTI

	access, err := r.tokens.MintAccess(next)
	if err != nil {
		return Session{}, err
	}
	refresh, err := r.tokens.MintRefresh(next)
	if err != nil {
		return Session{}, err
	}

	if err := r.store.Insert(ctx, RefreshRecord{
		JTI:       newJTI,
		UserID:    rec.UserID,
		Role:      rec.Role,
		ExpiresAt: r.now().Add(r.tokens.RefreshTTL()),
	}); err != nil {
		return Session{}, err
	}
	if err := r.store.CopyAccounts(ctx, oldJTI, newJTI); err != nil {
		return Session{}, err
	}
	if err := r.store.Revoke(ctx, oldJTI); err != nil {
		return Session{}, err
	}

	r.logger.Info("rotated refresh session",
		zap.String("role", rec.Role),
		zap.String("old_jti", oldJTI),
		zap.String("new_jti", newJTI))
	return Session{AccessToken: access, RefreshToken: refresh, Role: rec.Role}, nil
}
