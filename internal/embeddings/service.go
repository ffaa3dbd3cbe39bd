// Package embeddings generates dense vector embeddings via langchaingo.
//
// The service talks to any OpenAI-compatible embeddings endpoint (OpenAI
// itself or a local TEI server) and bounds concurrent requests so that bulk
// indexing cannot starve interactive queries of the provider's rate limit.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the base URL for the embedding API.
	// For OpenAI: https://api.openai.com/v1
	// For TEI: http://localhost:8080/v1
	BaseURL string

	// Model is the embedding model to use.
	Model string

	// APIKey is the API key (required for OpenAI, optional for TEI).
	APIKey string

	// Concurrency caps in-flight requests to the provider.
	Concurrency int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Service provides embedding generation.
type Service struct {
	embedder *lcembeddings.EmbedderImpl
	config   Config
	metrics  *Metrics
	logger   *zap.Logger
	sem      chan struct{}
}

// NewService creates a new embedding service with the given configuration.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}

	// langchaingo requires a token, TEI ignores it.
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithEmbeddingModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Service{
		embedder: embedder,
		config:   config,
		metrics:  NewMetrics(logger),
		logger:   logger,
		sem:      make(chan struct{}, config.Concurrency),
	}, nil
}

// Embed generates embeddings for the given texts, one vector per input.
//
// Returns ErrEmptyInput if texts is empty or nil.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	start := time.Now()
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	s.metrics.RecordGeneration(ctx, s.config.Model, "embed_documents", time.Since(start), len(texts), err)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query string.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	start := time.Now()
	vector, err := s.embedder.EmbedQuery(ctx, text)
	s.metrics.RecordGeneration(ctx, s.config.Model, "embed_query", time.Since(start), 1, err)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}

// Embedder returns the underlying langchaingo Embedder for components that
// integrate with langchaingo directly.
func (s *Service) Embedder() lcembeddings.Embedder {
	return s.embedder
}

func (s *Service) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) release() {
	<-s.sem
}
