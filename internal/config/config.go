// Package config provides configuration loading for dialogd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. All durations accept Go duration syntax ("5s", "30m").
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Config holds the complete dialogd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Database   DatabaseConfig   `koanf:"database"`
	Vector     VectorConfig     `koanf:"vector"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Sparse     SparseConfig     `koanf:"sparse"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	LLM        LLMConfig        `koanf:"llm"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	Channels   ChannelsConfig   `koanf:"channels"`
	Events     EventsConfig     `koanf:"events"`
	Files      FilesConfig      `koanf:"files"`
	Auth       AuthConfig       `koanf:"auth"`
	Secrets    SecretsConfig    `koanf:"secrets"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, console
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          Secret `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// VectorConfig holds vector store configuration.
//
// Provider selects the backend: "qdrant" (production) or "chromem"
// (embedded, dense-only). CreateCollections gates collection creation:
// runtime code never creates collections unless it is set.
type VectorConfig struct {
	Provider          string `koanf:"provider"`
	Host              string `koanf:"host"`
	Port              int    `koanf:"port"`
	UseTLS            bool   `koanf:"use_tls"`
	APIKey            Secret `koanf:"api_key"`
	Collection        string `koanf:"collection"`
	DenseVectorSize   int    `koanf:"dense_vector_size"`
	CreateCollections bool   `koanf:"create_collections"`
	ChromemPath       string `koanf:"chromem_path"`
}

// EmbeddingsConfig holds the dense embedding provider settings.
// BaseURL accepts any OpenAI-compatible endpoint (OpenAI, TEI).
type EmbeddingsConfig struct {
	BaseURL     string `koanf:"base_url"`
	Model       string `koanf:"model"`
	APIKey      Secret `koanf:"api_key"`
	Concurrency int    `koanf:"concurrency"`
}

// SparseConfig holds the TF-IDF sparse embedder settings.
type SparseConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Path        string `koanf:"path"`
	MaxFeatures int    `koanf:"max_features"`
	TopK        int    `koanf:"top_k"`
}

// RetrievalConfig holds hybrid search tuning. ExpandEach is the
// per-method candidate count fetched before rank fusion.
type RetrievalConfig struct {
	TopN         int     `koanf:"topn"`
	ExpandEach   int     `koanf:"expand_each"`
	DenseWeight  float64 `koanf:"dense_weight"`
	SparseWeight float64 `koanf:"sparse_weight"`
	RRFK         int     `koanf:"rrf_k"`
}

// LLMConfig holds the agent LLM provider settings.
type LLMConfig struct {
	APIKey          Secret   `koanf:"api_key"`
	BaseURL         string   `koanf:"base_url"`
	Model           string   `koanf:"model"`
	TranscribeModel string   `koanf:"transcribe_model"`
	InvokeTimeout   Duration `koanf:"invoke_timeout"`
}

// IngestConfig holds the per-conversation queue settings.
type IngestConfig struct {
	BatchTimeout   Duration `koanf:"batch_timeout"`
	IdleTimeout    Duration `koanf:"idle_timeout"`
	MaxQueueSize   int      `koanf:"max_queue_size"`
	MaxTotalQueues int      `koanf:"max_total_queues"`
	MaxConcurrent  int      `koanf:"max_concurrent"`
	TZOffsetHours  int      `koanf:"tz_offset_hours"`
}

// DispatchConfig holds agent cache and dispatcher settings.
type DispatchConfig struct {
	MaxAgents              int      `koanf:"max_agents"`
	CleanupInterval        Duration `koanf:"cleanup_interval"`
	MaxHandlers            int      `koanf:"max_handlers"`
	CalendarMergeThreshold float64  `koanf:"calendar_merge_threshold"`
}

// ChannelsConfig holds outbound channel credentials and limits.
// WhatsAppGatewayURL points at the personal-WhatsApp relay; empty
// disables the personal channel.
type ChannelsConfig struct {
	InstagramToken     Secret  `koanf:"instagram_token"`
	WhatsAppToken      Secret  `koanf:"whatsapp_token"`
	GraphBaseURL       string  `koanf:"graph_base_url"`
	WhatsAppGatewayURL string  `koanf:"whatsapp_gateway_url"`
	SendRate           float64 `koanf:"send_rate"` // sends per second per channel
	VerifyToken        Secret  `koanf:"verify_token"`
}

// EventsConfig holds NATS event bus settings. When Embedded is set an
// in-process NATS server is started instead of dialing URL.
type EventsConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
}

// FilesConfig holds uploaded-file storage settings.
type FilesConfig struct {
	BaseDir     string `koanf:"base_dir"`
	MaxUploadMB int    `koanf:"max_upload_mb"`
}

// AuthConfig holds token-issuing configuration. All fields are required
// when Enabled; startup fails fast on missing or unparseable values.
type AuthConfig struct {
	Enabled                  bool   `koanf:"enabled"`
	SecretKey                Secret `koanf:"secret_key"`
	Algorithm                string `koanf:"algorithm"`
	AccessTokenExpireMinutes int    `koanf:"access_token_expire_minutes"`
	RefreshTokenExpireDays   int    `koanf:"refresh_token_expire_days"`
}

// SecretsConfig holds secret-scrubber settings for knowledge text.
type SecretsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	RulesPath string `koanf:"rules_path"` // optional TOML file with extra rules/allowlist
}

// TelemetryConfig holds OTLP export settings. Disabled by default; when
// enabled, traces are pushed to the collector at Endpoint and zap log
// entries are bridged into the OTEL log pipeline. Metric export is a
// separate opt-in since Prometheus scraping already covers metrics in
// most deployments.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"` // host:port of the OTLP collector
	Protocol        string   `koanf:"protocol"` // grpc, http/protobuf
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	Insecure        bool     `koanf:"insecure"`        // plaintext transport, local endpoints only
	TLSSkipVerify   bool     `koanf:"tls_skip_verify"` // for internal CAs
	SamplingRate    float64  `koanf:"sampling_rate"`   // 0..1, parent-based
	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	MetricsInterval Duration `koanf:"metrics_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}

	if cfg.Vector.Provider == "" {
		cfg.Vector.Provider = "qdrant"
	}
	if cfg.Vector.Host == "" {
		cfg.Vector.Host = "localhost"
	}
	if cfg.Vector.Port == 0 {
		cfg.Vector.Port = 6334
	}
	if cfg.Vector.Collection == "" {
		cfg.Vector.Collection = "knowledge"
	}
	if cfg.Vector.DenseVectorSize == 0 {
		cfg.Vector.DenseVectorSize = 1536 // text-embedding-3-small dimensions
	}
	if cfg.Vector.ChromemPath == "" {
		cfg.Vector.ChromemPath = "~/.local/share/dialogd/vectorstore"
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-small"
	}
	if cfg.Embeddings.Concurrency == 0 {
		cfg.Embeddings.Concurrency = 4
	}

	if cfg.Sparse.MaxFeatures == 0 {
		cfg.Sparse.MaxFeatures = 50000
	}
	if cfg.Sparse.TopK == 0 {
		cfg.Sparse.TopK = 64
	}

	if cfg.Retrieval.TopN == 0 {
		cfg.Retrieval.TopN = 6
	}
	if cfg.Retrieval.ExpandEach == 0 {
		cfg.Retrieval.ExpandEach = 8
	}
	if cfg.Retrieval.DenseWeight == 0 {
		cfg.Retrieval.DenseWeight = 0.7
	}
	if cfg.Retrieval.SparseWeight == 0 {
		cfg.Retrieval.SparseWeight = 0.3
	}
	if cfg.Retrieval.RRFK == 0 {
		cfg.Retrieval.RRFK = 60
	}

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o"
	}
	if cfg.LLM.TranscribeModel == "" {
		cfg.LLM.TranscribeModel = "whisper-1"
	}
	if cfg.LLM.InvokeTimeout == 0 {
		cfg.LLM.InvokeTimeout = Duration(60 * time.Second)
	}

	if cfg.Ingest.BatchTimeout == 0 {
		cfg.Ingest.BatchTimeout = Duration(5 * time.Second)
	}
	if cfg.Ingest.IdleTimeout == 0 {
		cfg.Ingest.IdleTimeout = Duration(120 * time.Second)
	}
	if cfg.Ingest.MaxQueueSize == 0 {
		cfg.Ingest.MaxQueueSize = 500
	}
	if cfg.Ingest.MaxTotalQueues == 0 {
		cfg.Ingest.MaxTotalQueues = 5000
	}
	if cfg.Ingest.MaxConcurrent == 0 {
		cfg.Ingest.MaxConcurrent = 80
	}
	if cfg.Ingest.TZOffsetHours == 0 {
		cfg.Ingest.TZOffsetHours = 5
	}

	if cfg.Dispatch.MaxAgents == 0 {
		cfg.Dispatch.MaxAgents = 1000
	}
	if cfg.Dispatch.CleanupInterval == 0 {
		cfg.Dispatch.CleanupInterval = Duration(1800 * time.Second)
	}
	if cfg.Dispatch.MaxHandlers == 0 {
		cfg.Dispatch.MaxHandlers = 200
	}
	if cfg.Dispatch.CalendarMergeThreshold == 0 {
		cfg.Dispatch.CalendarMergeThreshold = 0.45
	}

	if cfg.Channels.GraphBaseURL == "" {
		cfg.Channels.GraphBaseURL = "https://graph.facebook.com/v19.0"
	}
	if cfg.Channels.SendRate == 0 {
		cfg.Channels.SendRate = 10
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://127.0.0.1:4222"
	}

	if cfg.Files.BaseDir == "" {
		cfg.Files.BaseDir = "~/.local/share/dialogd/files"
	}
	if cfg.Files.MaxUploadMB == 0 {
		cfg.Files.MaxUploadMB = 50
	}

	if cfg.Auth.Algorithm == "" {
		cfg.Auth.Algorithm = "HS256"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
		cfg.Telemetry.Insecure = true
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "dialogd"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "dev"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	switch c.Vector.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("invalid vector provider: %q (must be qdrant or chromem)", c.Vector.Provider)
	}
	if c.Vector.DenseVectorSize <= 0 {
		return errors.New("dense vector size must be positive")
	}

	if c.Retrieval.TopN <= 0 {
		return errors.New("retrieval topn must be positive")
	}
	if c.Retrieval.DenseWeight < 0 || c.Retrieval.SparseWeight < 0 {
		return errors.New("retrieval weights cannot be negative")
	}

	if c.Ingest.MaxQueueSize <= 0 {
		return errors.New("ingest max_queue_size must be positive")
	}
	if c.Ingest.MaxConcurrent <= 0 {
		return errors.New("ingest max_concurrent must be positive")
	}

	if c.Dispatch.CalendarMergeThreshold < 0 || c.Dispatch.CalendarMergeThreshold > 1 {
		return fmt.Errorf("calendar merge threshold out of range: %v", c.Dispatch.CalendarMergeThreshold)
	}

	if c.Files.MaxUploadMB <= 0 {
		return errors.New("files max_upload_mb must be positive")
	}

	if c.Auth.Enabled {
		if !c.Auth.SecretKey.IsSet() {
			return errors.New("auth.secret_key is required when auth is enabled")
		}
		if c.Auth.Algorithm != "HS256" && c.Auth.Algorithm != "HS384" && c.Auth.Algorithm != "HS512" {
			return fmt.Errorf("unsupported auth algorithm: %q", c.Auth.Algorithm)
		}
		if c.Auth.AccessTokenExpireMinutes <= 0 {
			return errors.New("auth.access_token_expire_minutes must be a positive integer")
		}
		if c.Auth.RefreshTokenExpireDays <= 0 {
			return errors.New("auth.refresh_token_expire_days must be a positive integer")
		}
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("unsupported telemetry protocol: %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry sampling rate out of range: %v", c.Telemetry.SamplingRate)
		}
		if c.Telemetry.Insecure && !isLocalEndpoint(c.Telemetry.Endpoint) {
			return fmt.Errorf("telemetry.insecure is only allowed for local endpoints, got %q", c.Telemetry.Endpoint)
		}
		if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsInterval.Duration() <= 0 {
			return errors.New("telemetry.metrics_interval must be positive")
		}
	}

	return nil
}

// isLocalEndpoint reports whether endpoint points at this host. Used to
// reject plaintext OTLP export to anything remote.
func isLocalEndpoint(endpoint string) bool {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
