package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8090 {
		t.Errorf("Server.Port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Vector.Provider != "qdrant" {
		t.Errorf("Vector.Provider = %q, want qdrant", cfg.Vector.Provider)
	}
	if cfg.Vector.DenseVectorSize != 1536 {
		t.Errorf("Vector.DenseVectorSize = %d, want 1536", cfg.Vector.DenseVectorSize)
	}
	if cfg.Vector.CreateCollections {
		t.Error("Vector.CreateCollections = true, want false (explicit opt-in)")
	}
	if cfg.Ingest.BatchTimeout.Duration() != 5*time.Second {
		t.Errorf("Ingest.BatchTimeout = %v, want 5s", cfg.Ingest.BatchTimeout.Duration())
	}
	if cfg.Ingest.MaxQueueSize != 500 {
		t.Errorf("Ingest.MaxQueueSize = %d, want 500", cfg.Ingest.MaxQueueSize)
	}
	if cfg.Ingest.MaxTotalQueues != 5000 {
		t.Errorf("Ingest.MaxTotalQueues = %d, want 5000", cfg.Ingest.MaxTotalQueues)
	}
	if cfg.Ingest.MaxConcurrent != 80 {
		t.Errorf("Ingest.MaxConcurrent = %d, want 80", cfg.Ingest.MaxConcurrent)
	}
	if cfg.Dispatch.MaxAgents != 1000 {
		t.Errorf("Dispatch.MaxAgents = %d, want 1000", cfg.Dispatch.MaxAgents)
	}
	if cfg.Dispatch.MaxHandlers != 200 {
		t.Errorf("Dispatch.MaxHandlers = %d, want 200", cfg.Dispatch.MaxHandlers)
	}
	if cfg.Dispatch.CalendarMergeThreshold != 0.45 {
		t.Errorf("Dispatch.CalendarMergeThreshold = %v, want 0.45", cfg.Dispatch.CalendarMergeThreshold)
	}
	if cfg.Files.MaxUploadMB != 50 {
		t.Errorf("Files.MaxUploadMB = %d, want 50", cfg.Files.MaxUploadMB)
	}
	if cfg.Sparse.MaxFeatures != 50000 {
		t.Errorf("Sparse.MaxFeatures = %d, want 50000", cfg.Sparse.MaxFeatures)
	}
	if cfg.Sparse.TopK != 64 {
		t.Errorf("Sparse.TopK = %d, want 64", cfg.Sparse.TopK)
	}
	if cfg.LLM.InvokeTimeout.Duration() != 60*time.Second {
		t.Errorf("LLM.InvokeTimeout = %v, want 60s", cfg.LLM.InvokeTimeout.Duration())
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  http_port: 7070
vector:
  provider: chromem
  dense_vector_size: 384
ingest:
  batch_timeout: 2s
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Vector.Provider != "chromem" {
		t.Errorf("Vector.Provider = %q, want chromem", cfg.Vector.Provider)
	}
	if cfg.Vector.DenseVectorSize != 384 {
		t.Errorf("Vector.DenseVectorSize = %d, want 384", cfg.Vector.DenseVectorSize)
	}
	if cfg.Ingest.BatchTimeout.Duration() != 2*time.Second {
		t.Errorf("Ingest.BatchTimeout = %v, want 2s", cfg.Ingest.BatchTimeout.Duration())
	}
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 7070\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() with 0644 config succeeded, want permission error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid defaults", mutate: func(c *Config) {}, wantErr: false},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: true},
		{name: "bad provider", mutate: func(c *Config) { c.Vector.Provider = "pinecone" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }, wantErr: true},
		{name: "threshold out of range", mutate: func(c *Config) { c.Dispatch.CalendarMergeThreshold = 1.5 }, wantErr: true},
		{name: "telemetry enabled defaults", mutate: func(c *Config) { c.Telemetry.Enabled = true }, wantErr: false},
		{
			name: "telemetry bad protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "thrift"
			},
			wantErr: true,
		},
		{
			name: "telemetry sampling rate out of range",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SamplingRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "telemetry insecure remote endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = "otel.example.com:4317"
				c.Telemetry.Insecure = true
			},
			wantErr: true,
		},
		{
			name: "telemetry secure remote endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = "otel.example.com:4317"
				c.Telemetry.Insecure = false
			},
			wantErr: false,
		},
		{
			name: "auth enabled without secret",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.AccessTokenExpireMinutes = 15
				c.Auth.RefreshTokenExpireDays = 30
			},
			wantErr: true,
		},
		{
			name: "auth enabled without expiries",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.SecretKey = "k"
			},
			wantErr: true,
		},
		{
			name: "auth enabled complete",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.SecretKey = "k"
				c.Auth.AccessTokenExpireMinutes = 15
				c.Auth.RefreshTokenExpireDays = 30
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			applyDefaults(&cfg)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"http://localhost:4318", true},
		{"[::1]:4317", true},
		{"otel.example.com:4317", false},
		{"https://otel.example.com:4318", false},
		{"10.0.0.5:4317", false},
	}
	for _, tt := range tests {
		if got := isLocalEndpoint(tt.endpoint); got != tt.want {
			t.Errorf("isLocalEndpoint(%q) = %v, want %v", tt.endpoint, got, tt.want)
		}
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")
	if s.String() != "[REDACTED]" {
		t.Errorf("String() = %q, want [REDACTED]", s.String())
	}
	if s.Value() != "super-secret" {
		t.Errorf("Value() = %q, want super-secret", s.Value())
	}
	b, err := s.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"[REDACTED]"` {
		t.Errorf("MarshalJSON() = %s, want \"[REDACTED]\"", b)
	}

	var empty Secret
	if empty.String() != "" {
		t.Errorf("empty String() = %q, want empty", empty.String())
	}
	if empty.IsSet() {
		t.Error("empty IsSet() = true, want false")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText(90s) error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", d.Duration())
	}
	if err := d.UnmarshalText([]byte("-5s")); err == nil {
		t.Error("UnmarshalText(-5s) succeeded, want error")
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText(soon) succeeded, want error")
	}
}
