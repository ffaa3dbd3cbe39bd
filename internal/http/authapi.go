package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/auth"
)

// Session cookie names shared with the web client.
const (
	cookieAccessToken  = "access_token"
	cookieRefreshToken = "refresh_token"
	cookieRole         = "role"
)

func (s *Server) setSessionCookies(c echo.Context, sess auth.Session) {
	now := time.Now()
	set := func(name, value string, ttl time.Duration) {
		c.SetCookie(&http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			Expires:  now.Add(ttl),
			HttpOnly: name != cookieRole,
			SameSite: http.SameSiteLaxMode,
		})
	}
	set(cookieAccessToken, sess.AccessToken, s.deps.Tokens.AccessTTL())
	set(cookieRefreshToken, sess.RefreshToken, s.deps.Tokens.RefreshTTL())
	set(cookieRole, sess.Role, s.deps.Tokens.RefreshTTL())
}

func (s *Server) clearSessionCookies(c echo.Context) {
	for _, name := range []string{cookieAccessToken, cookieRefreshToken, cookieRole} {
		c.SetCookie(&http.Cookie{
			Name:    name,
			Value:   "",
			Path:    "/",
			Expires: time.Unix(0, 0),
			MaxAge:  -1,
		})
	}
}

// RefreshRequest allows clients without cookie support to pass the
// token in the body.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(c echo.Context) error {
	token := ""
	if cookie, err := c.Cookie(cookieRefreshToken); err == nil {
		token = cookie.Value
	}
	if token == "" {
		var req RefreshRequest
		if err := c.Bind(&req); err == nil {
			token = req.RefreshToken
		}
	}
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing refresh token")
	}

	sess, err := s.deps.Rotator.Rotate(c.Request().Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredRefresh):
			s.clearSessionCookies(c)
			return echo.NewHTTPError(http.StatusUnauthorized, "refresh token expired")
		case errors.Is(err, auth.ErrRefreshRejected):
			return echo.NewHTTPError(http.StatusUnauthorized, "refresh rejected")
		default:
			s.logger.Error("refresh rotation failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "refresh failed")
		}
	}

	s.setSessionCookies(c, sess)
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "role": sess.Role})
}

// ForgotPasswordRequest is the body of POST /api/v1/auth/forgot-password.
type ForgotPasswordRequest struct {
	Phone string `json:"phone"`
}

func (s *Server) handleForgotPassword(c echo.Context) error {
	var req ForgotPasswordRequest
	if err := c.Bind(&req); err != nil || req.Phone == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phone is required")
	}

	masked, rawToken, err := s.deps.Reset.Start(c.Request().Context(), req.Phone)
	if err != nil {
		if errors.Is(err, auth.ErrNoAccount) {
			// Do not leak which phones have accounts.
			return c.JSON(http.StatusOK, map[string]any{"ok": true})
		}
		s.logger.Error("password reset start failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
	}

	if s.deps.Mailer != nil {
		if err := s.deps.Mailer.SendReset(c.Request().Context(), masked, rawToken); err != nil {
			s.logger.Error("reset mail delivery failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
		}
	} else {
		s.logger.Warn("no mailer configured, reset token dropped",
			zap.String("phone", req.Phone))
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "email": masked})
}

// NewPasswordRequest is the body of POST /api/v1/auth/new-password.
type NewPasswordRequest struct {
	Phone    string `json:"phone"`
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (s *Server) handleNewPassword(c echo.Context) error {
	var req NewPasswordRequest
	if err := c.Bind(&req); err != nil || req.Phone == "" || req.Token == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "phone and token are required")
	}

	err := s.deps.Reset.SetNewPassword(c.Request().Context(), req.Phone, req.Token, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrResetRejected) {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid or expired token")
		}
		if errors.Is(err, auth.ErrNoAccount) {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown account")
		}
		s.logger.Error("password update failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
