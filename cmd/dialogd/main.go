// Dialogd is the conversational agent runtime: it takes messages in
// from Instagram, WhatsApp and the web chat, batches them per
// conversation, runs them through per-business AI agents with hybrid
// knowledge retrieval, and delivers the replies back out on the
// channel they came from.
//
// Configuration is loaded from ~/.config/dialogd/config.yaml and
// overridden by environment variables. See internal/config for the
// full key list.
//
// Usage:
//
//	# Start with defaults
//	dialogd
//
//	# Explicit config file
//	dialogd -config /etc/dialogd/config.yaml
//
//	# Show version
//	dialogd version
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/agent"
	"github.com/fyrsmithlabs/dialogd/internal/auth"
	"github.com/fyrsmithlabs/dialogd/internal/channels"
	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/dispatch"
	"github.com/fyrsmithlabs/dialogd/internal/docparse"
	"github.com/fyrsmithlabs/dialogd/internal/embeddings"
	"github.com/fyrsmithlabs/dialogd/internal/events"
	"github.com/fyrsmithlabs/dialogd/internal/filestore"
	"github.com/fyrsmithlabs/dialogd/internal/history"
	httpapi "github.com/fyrsmithlabs/dialogd/internal/http"
	"github.com/fyrsmithlabs/dialogd/internal/indexer"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
	"github.com/fyrsmithlabs/dialogd/internal/llm"
	"github.com/fyrsmithlabs/dialogd/internal/logging"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
	"github.com/fyrsmithlabs/dialogd/internal/secrets"
	"github.com/fyrsmithlabs/dialogd/internal/sparse"
	"github.com/fyrsmithlabs/dialogd/internal/telemetry"
	"github.com/fyrsmithlabs/dialogd/internal/vectorindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	indexWorkers   = 4
	indexQueueSize = 200
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  dialogd           Start the dialogd daemon\n")
			fmt.Fprintf(os.Stderr, "  dialogd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("dialogd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the whole runtime and blocks until ctx is cancelled:
// storage, vector index, embedding and sparse encoders, the indexing
// pool, the knowledge and retrieval services, the event bus, channel
// senders, the agent dispatch stack, session auth and the HTTP server.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	telCfg := cfg.Telemetry
	if telCfg.ServiceVersion == "" || telCfg.ServiceVersion == "dev" {
		telCfg.ServiceVersion = version
	}
	tel, err := telemetry.New(ctx, telCfg, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger = logging.WithOTEL(logger, tel.LoggerProvider())

	logger.Info("starting dialogd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	index, err := vectorindex.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}
	if err := index.EnsureCollection(ctx); err != nil {
		return fmt.Errorf("ensuring vector collection: %w", err)
	}

	embedSvc, err := embeddings.NewService(embeddings.Config{
		BaseURL:     cfg.Embeddings.BaseURL,
		Model:       cfg.Embeddings.Model,
		APIKey:      cfg.Embeddings.APIKey.Value(),
		Concurrency: cfg.Embeddings.Concurrency,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	var sparseEnc *sparse.Embedder
	if cfg.Sparse.Enabled {
		sparseEnc = sparse.New(sparse.Config{
			Path:        cfg.Sparse.Path,
			MaxFeatures: cfg.Sparse.MaxFeatures,
			TopK:        cfg.Sparse.TopK,
		}, logger)
		if err := sparseEnc.Load(); err != nil {
			logger.Warn("no fitted sparse state, hybrid search degrades to dense-only",
				zap.Error(err))
		}
		go func() {
			if err := sparseEnc.Watch(ctx); err != nil {
				logger.Warn("sparse state watcher stopped", zap.Error(err))
			}
		}()
	}

	scrubber, err := buildScrubber(cfg)
	if err != nil {
		return fmt.Errorf("creating secret scrubber: %w", err)
	}

	parser := docparse.New(logger)
	files, err := filestore.New(cfg.Files.BaseDir, int64(cfg.Files.MaxUploadMB)<<20, logger)
	if err != nil {
		return fmt.Errorf("creating file store: %w", err)
	}

	repo := knowledge.NewRepository(db, logger)
	pipeline := indexer.NewPipeline(repo, parser, embedSvc, sparseBatch(sparseEnc), index,
		cfg.Vector.DenseVectorSize, logger).WithScrubber(scrubber)
	pool := indexer.NewPool(pipeline, indexWorkers, indexQueueSize, logger)
	pool.Start(ctx)

	knowledgeSvc := knowledge.NewService(repo, files, parser, index, pool, logger).
		WithScrubber(scrubber)
	retrievalSvc := retrieval.NewService(index, embedSvc, sparseQuery(sparseEnc), repo,
		retrieval.Config{
			TopN:         cfg.Retrieval.TopN,
			ExpandEach:   cfg.Retrieval.ExpandEach,
			DenseWeight:  cfg.Retrieval.DenseWeight,
			SparseWeight: cfg.Retrieval.SparseWeight,
			RRFK:         cfg.Retrieval.RRFK,
		}, logger)

	bus, err := events.Connect(cfg.Events, logger)
	if err != nil {
		return fmt.Errorf("connecting event bus: %w", err)
	}
	defer bus.Close()

	llmCfg := llm.Config{
		APIKey:          cfg.LLM.APIKey.Value(),
		BaseURL:         cfg.LLM.BaseURL,
		Model:           cfg.LLM.Model,
		TranscribeModel: cfg.LLM.TranscribeModel,
	}
	runner := llm.NewRunner(llmCfg, logger)
	transcriber := llm.NewTranscriber(llmCfg, logger)

	hist := history.NewStore(db, logger)
	agents := agent.NewConfigRepository(db, logger)
	calendar := agent.NewCalendarRepository(db, logger)
	projects := dispatch.NewProjectRepository(db, logger)

	cache, err := dispatch.NewCache(cfg.Dispatch, logger)
	if err != nil {
		return fmt.Errorf("creating agent cache: %w", err)
	}
	cache.StartSweep()
	defer cache.Shutdown()

	senders := map[string]channels.Sender{
		channels.ChannelInstagram:        channels.NewInstagramSender(cfg.Channels, logger),
		channels.ChannelWhatsAppBusiness: channels.NewWhatsAppBusinessSender(cfg.Channels, logger),
		channels.ChannelWhatsApp:         channels.NewWhatsAppSender(cfg.Channels, logger),
	}
	hub := channels.NewHub(logger)

	agentDeps := agent.Deps{
		Configs:   agents,
		Chat:      runner,
		History:   hist,
		Retriever: retrievalSvc,
		Calendar:  calendar,
		Parser:    parser,
		Logger:    logger,
	}

	factory := func(agentID string) (*ingest.Handler, error) {
		agentCfg, err := agents.Load(context.Background(), "", agentID)
		if err != nil {
			return nil, fmt.Errorf("loading agent %s: %w", agentID, err)
		}
		d, err := dispatch.NewDispatcher(dispatch.Options{
			Config:        cfg.Dispatch,
			InvokeTimeout: cfg.LLM.InvokeTimeout.Duration(),
			BusinessID:    agentCfg.BusinessID,
			AgentID:       agentCfg.AgentID,
			AgentName:     agentCfg.Name,
			Service:       agentCfg.Service,
			Route:         dispatch.Route{Channel: agentCfg.Service},
			Cache:         cache,
			Factory: func(customerID, projectID string) (dispatch.Invoker, error) {
				return agent.NewInstance(agentCfg.BusinessID, agentCfg.AgentID, agentDeps), nil
			},
			Projects: projects,
			History:  hist,
			Senders:  senders,
			Bus:      bus,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		return ingest.NewHandler(agentID, cfg.Ingest, d, hist, hist, logger)
	}

	registry, err := ingest.NewRegistry(cfg.Dispatch, factory, channelLookup{agents}, logger)
	if err != nil {
		return fmt.Errorf("creating handler registry: %w", err)
	}
	registry.StartSweep()

	deps := httpapi.Deps{
		Knowledge:   knowledgeSvc,
		Search:      retrievalSvc,
		Hub:         hub,
		Bus:         bus,
		Registry:    registry,
		Agents:      agents,
		History:     hist,
		Transcriber: transcriber,
	}
	if cfg.Auth.Enabled {
		tokens, err := auth.NewTokenService(cfg.Auth)
		if err != nil {
			return fmt.Errorf("creating token service: %w", err)
		}
		authStore := auth.NewStore(db, logger)
		deps.Tokens = tokens
		deps.Rotator = auth.NewRotator(tokens, authStore, logger)
		deps.Reset = auth.NewPasswordReset(authStore, logger)
	}

	srv, err := httpapi.NewServer(*cfg, deps, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		shutdownTimeout(cfg))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	registry.Shutdown(shutdownCtx)
	if err := pool.Stop(shutdownCtx); err != nil {
		logger.Warn("indexing pool shutdown incomplete", zap.Error(err))
	}
	// Telemetry goes down last so the shutdown itself is traced out.
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown incomplete", zap.Error(err))
	}
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.Database.URL.Value())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

func buildScrubber(cfg *config.Config) (secrets.Scrubber, error) {
	if !cfg.Secrets.Enabled {
		return nil, nil
	}
	sc := secrets.DefaultConfig()
	if cfg.Secrets.RulesPath != "" {
		if err := sc.LoadRulesFile(cfg.Secrets.RulesPath); err != nil {
			return nil, err
		}
	}
	return secrets.New(sc)
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if d := cfg.Server.ShutdownTimeout.Duration(); d > 0 {
		return d
	}
	return 30 * time.Second
}

// sparseBatch narrows the nil-ability of the optional sparse embedder:
// a typed-nil interface would defeat the pipeline's nil check.
func sparseBatch(e *sparse.Embedder) indexer.SparseBatchEncoder {
	if e == nil {
		return nil
	}
	return e
}

func sparseQuery(e *sparse.Embedder) retrieval.SparseEncoder {
	if e == nil {
		return nil
	}
	return e
}

// channelLookup adapts the agent config repository to the handler
// registry's channel resolution.
type channelLookup struct {
	repo *agent.ConfigRepository
}

func (l channelLookup) AgentForChannel(ctx context.Context, channel string) (string, string, error) {
	cfg, err := l.repo.FindByChannel(ctx, channel)
	if err != nil {
		return "", "", err
	}
	return cfg.AgentID, cfg.Name, err
}
