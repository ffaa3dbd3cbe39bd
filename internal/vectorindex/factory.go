package vectorindex

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// New builds the Index named by the configured provider.
//
// Supported providers:
//   - "qdrant": production backend over gRPC with dense and sparse vectors
//   - "chromem": embedded pure-Go backend, dense only
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Index, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidConfig)
	}

	switch cfg.Vector.Provider {
	case "qdrant":
		return NewQdrantIndex(ctx, QdrantConfig{
			Host:              cfg.Vector.Host,
			Port:              cfg.Vector.Port,
			APIKey:            cfg.Vector.APIKey.Value(),
			UseTLS:            cfg.Vector.UseTLS,
			Collection:        cfg.Vector.Collection,
			DenseVectorSize:   uint64(cfg.Vector.DenseVectorSize),
			CreateCollections: cfg.Vector.CreateCollections,
		}, logger)
	case "chromem":
		return NewChromemIndex(ChromemConfig{
			Path:       cfg.Vector.ChromemPath,
			Collection: cfg.Vector.Collection,
			Compress:   true,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown vector provider %q (want qdrant or chromem)",
			ErrInvalidConfig, cfg.Vector.Provider)
	}
}
