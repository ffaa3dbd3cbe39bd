package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/vectorindex"
)

func init() {
	collectionsCmd.AddCommand(collectionsEnsureCmd)
	rootCmd.AddCommand(collectionsCmd)
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "Vector collection management",
}

// collectionsEnsureCmd creates the configured vector collection if missing
var collectionsEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create the vector collection if it does not exist",
	Long: `Idempotently create the configured vector collection with the
dense and sparse vector schema. Safe to run repeatedly; an existing
collection is left untouched.

Examples:
  dialogctl collections ensure
  dialogctl collections ensure --config /etc/dialogd/config.yaml`,
	RunE: runCollectionsEnsure,
}

func runCollectionsEnsure(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// The daemon only creates collections when vector.create_collections
	// is set; this command exists precisely to create them, so force it.
	cfg.Vector.CreateCollections = true

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	index, err := vectorindex.New(ctx, cfg, zap.NewNop())
	if err != nil {
		return fmt.Errorf("connect vector backend: %w", err)
	}
	if err := index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	fmt.Printf("Collection %q ready (provider %s)\n", cfg.Vector.Collection, cfg.Vector.Provider)
	return nil
}
