// Package http exposes the dialogd API: knowledge management, hybrid
// search, session auth, the operator and chat-widget websockets, and
// the inbound channel webhooks.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/agent"
	"github.com/fyrsmithlabs/dialogd/internal/auth"
	"github.com/fyrsmithlabs/dialogd/internal/channels"
	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/events"
	"github.com/fyrsmithlabs/dialogd/internal/history"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
)

// Searcher answers hybrid retrieval queries. retrieval.Service
// implements it.
type Searcher interface {
	Search(ctx context.Context, ownerID, query string, opts retrieval.Options) ([]retrieval.Hit, error)
}

// InboundRecorder persists inbound customer messages. history.Store
// implements it.
type InboundRecorder interface {
	RecordCustomerMessage(ctx context.Context, rec history.CustomerRecord) error
}

// Transcriber turns channel audio into text.
type Transcriber interface {
	TranscribeURL(ctx context.Context, url string) (string, error)
}

// Mailer delivers password-reset emails. SMTP lives outside dialogd;
// nil logs the event and drops the mail.
type Mailer interface {
	SendReset(ctx context.Context, email, token string) error
}

// AgentDirectory resolves the active agent bound to a channel.
// agent.ConfigRepository implements it.
type AgentDirectory interface {
	FindByChannel(ctx context.Context, channel string) (agent.Config, error)
}

// Deps collects the server's collaborators. Nil entries disable their
// route groups.
type Deps struct {
	Knowledge   *knowledge.Service
	Search      Searcher
	Tokens      *auth.TokenService
	Rotator     *auth.Rotator
	Reset       *auth.PasswordReset
	Mailer      Mailer
	Hub         *channels.Hub
	Bus         *events.Bus
	Registry    *ingest.Registry
	Agents      AgentDirectory
	History     InboundRecorder
	Transcriber Transcriber
}

// Server is the dialogd HTTP front end.
type Server struct {
	echo    *echo.Echo
	cfg     config.ServerConfig
	auth    config.AuthConfig
	chans   config.ChannelsConfig
	deps    Deps
	metrics *HTTPMetrics
	logger  *zap.Logger
}

// NewServer builds the echo application and registers all routes.
func NewServer(cfg config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		return nil, errors.New("http: logger is required")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.Files.MaxUploadMB > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.Files.MaxUploadMB)))
	}

	s := &Server{
		echo:    e,
		cfg:     cfg.Server,
		auth:    cfg.Auth,
		chans:   cfg.Channels,
		deps:    deps,
		metrics: NewHTTPMetrics(logger),
		logger:  logger,
	}

	e.Use(s.metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.deps.Knowledge != nil {
		k := v1.Group("/knowledge")
		k.GET("", s.handleListSources)
		k.POST("", s.handleCreateSource)
		k.POST("/upload", s.handleUpload)
		k.GET("/:id", s.handleGetView)
		k.PATCH("/:id", s.handleUpdateSource)
		k.DELETE("/:id", s.handleRemoveSource)
		k.POST("/:id/reindex", s.handleReindex)
		k.GET("/:id/file", s.handleServeFile)
		k.GET("/:id/download", s.handleDownload)
	}
	if s.deps.Search != nil {
		v1.POST("/search", s.handleSearch)
	}
	if s.deps.Rotator != nil || s.deps.Reset != nil {
		a := v1.Group("/auth")
		if s.deps.Rotator != nil {
			a.POST("/refresh", s.handleRefresh)
		}
		if s.deps.Reset != nil {
			a.POST("/forgot-password", s.handleForgotPassword)
			a.POST("/new-password", s.handleNewPassword)
		}
	}

	if s.deps.Hub != nil && s.deps.Bus != nil {
		s.echo.GET("/ws/business", s.handleBusinessWS)
	}
	if s.deps.Registry != nil {
		s.echo.GET("/ws/chat", s.handleChatWS)
	}
	if s.deps.Registry != nil && s.deps.Agents != nil {
		s.echo.GET("/webhooks/instagram", s.handleWebhookVerify)
		s.echo.POST("/webhooks/instagram", s.handleInstagramWebhook)
		s.echo.GET("/webhooks/whatsapp", s.handleWebhookVerify)
		s.echo.POST("/webhooks/whatsapp", s.handleWhatsAppWebhook)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("http server starting", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// ownerID resolves the acting business. An authenticated session wins;
// unauthenticated deployments fall back to the business_id parameter.
func (s *Server) ownerID(c echo.Context) (string, error) {
	if s.auth.Enabled && s.deps.Tokens != nil {
		cookie, err := c.Cookie(cookieAccessToken)
		if err != nil || cookie.Value == "" {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
		}
		claims, err := s.deps.Tokens.Parse(cookie.Value)
		if err != nil {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
		}
		if claims.MXR == "" {
			return "", echo.NewHTTPError(http.StatusUnauthorized, "token has no business")
		}
		return claims.MXR, nil
	}
	owner := c.QueryParam("business_id")
	if owner == "" {
		owner = c.Request().Header.Get("X-Business-ID")
	}
	if owner == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "business_id is required")
	}
	return owner, nil
}
