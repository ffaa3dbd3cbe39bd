// Package auth issues and verifies the session tokens of the operator
// API: short-lived access JWTs, long-lived refresh JWTs with rotation,
// and hashed password-reset tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// Account roles carried in tokens and stored on refresh records.
const (
	RoleUser     = "user"
	RoleBusiness = "business"
)

var (
	// ErrExpiredToken marks a structurally valid but expired token.
	// Callers clear session cookies and answer 401.
	ErrExpiredToken = errors.New("auth: token expired")
	// ErrInvalidToken covers every other verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the token payload. JTI lives in RegisteredClaims.ID.
type Claims struct {
	Phone      string   `json:"phone,omitempty"`
	MXR        string   `json:"mxr,omitempty"`
	ActiveRole string   `json:"active_role,omitempty"`
	Role       string   `json:"role,omitempty"`
	Accounts   []string `json:"accounts,omitempty"`
	jwt.RegisteredClaims
}

// TokenService mints and parses the session JWTs.
type TokenService struct {
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration

	now func() time.Time
}

// NewTokenService validates the auth configuration and fails fast on
// a missing secret or an unknown algorithm.
func NewTokenService(cfg config.AuthConfig) (*TokenService, error) {
	if !cfg.SecretKey.IsSet() {
		return nil, errors.New("auth: secret_key is required")
	}
	var method jwt.SigningMethod
	switch cfg.Algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}
	if cfg.AccessTokenExpireMinutes <= 0 {
		return nil, errors.New("auth: access_token_expire_minutes must be positive")
	}
	if cfg.RefreshTokenExpireDays <= 0 {
		return nil, errors.New("auth: refresh_token_expire_days must be positive")
	}
	return &TokenService{
		secret:     []byte(cfg.SecretKey.Value()),
		method:     method,
		accessTTL:  time.Duration(cfg.AccessTokenExpireMinutes) * time.Minute,
		refreshTTL: time.Duration(cfg.RefreshTokenExpireDays) * 24 * time.Hour,
		now:        time.Now,
	}, nil
}

// AccessTTL returns the access-token lifetime, used for cookie expiry.
func (s *TokenService) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL returns the refresh-token lifetime.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// NewJTI mints a fresh token id.
func NewJTI() string { return uuid.NewString() }

// MintAccess signs an access token from c. A missing JTI gets one.
func (s *TokenService) MintAccess(c Claims) (string, error) {
	return s.mint(c, s.accessTTL)
}

// MintRefresh signs a refresh token from c.
func (s *TokenService) MintRefresh(c Claims) (string, error) {
	return s.mint(c, s.refreshTTL)
}

func (s *TokenService) mint(c Claims, ttl time.Duration) (string, error) {
	now := s.now()
	if c.ID == "" {
		c.ID = NewJTI()
	}
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	signed, err := jwt.NewWithClaims(s.method, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature and expiry and returns the claims. Expiry
// is reported as ErrExpiredToken so callers can distinguish it.
func (s *TokenService) Parse(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return &claims, nil
}
