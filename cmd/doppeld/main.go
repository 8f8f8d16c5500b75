package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/doppeld/doppeld/config"
	"github.com/doppeld/doppeld/pkg/api"
	"github.com/doppeld/doppeld/pkg/api/events"
	"github.com/doppeld/doppeld/pkg/api/handlers"
	"github.com/doppeld/doppeld/pkg/conversation"
	"github.com/doppeld/doppeld/pkg/evolution"
	"github.com/doppeld/doppeld/pkg/logger"
	"github.com/doppeld/doppeld/pkg/metrics"
	"github.com/doppeld/doppeld/pkg/persona"
	"github.com/doppeld/doppeld/pkg/pipeline"
	"github.com/doppeld/doppeld/pkg/provider"
	"github.com/doppeld/doppeld/pkg/retrieval"
	"github.com/doppeld/doppeld/pkg/segment"
	"github.com/doppeld/doppeld/pkg/storage"
	"github.com/doppeld/doppeld/pkg/telemetry/tracing"
	"github.com/doppeld/doppeld/pkg/temporal"
	"github.com/doppeld/doppeld/pkg/version"
)

const vectorSnapshotFile = "vectors.bin"

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	overrides := buildOverrides()

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)

	log.Info("Starting doppeld",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, loader)
		if err != nil {
			log.Warn("Config watcher unavailable", "error", err)
		} else {
			hot := config.ExtractHotReloadable(cfg)
			watcher.OnChange(func(next *config.Config) {
				nextHot := config.ExtractHotReloadable(next)
				if !hot.Changed(nextHot) {
					log.Info("Config file changed, no hot-reloadable values affected; restart to apply")
					return
				}
				if nextHot.LogLevel != hot.LogLevel {
					log.SetLevel(logger.ParseLevel(nextHot.LogLevel))
					log.Info("Log level updated", "level", nextHot.LogLevel)
				}
				hot = nextHot
			})
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					log.Warn("Config watcher stopped", "error", err)
				}
			}()
			defer watcher.Stop()
		}
	}

	// Tracing is optional; a collector outage must not block startup.
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version)
		if err != nil {
			log.Warn("Tracing init failed, continuing without tracing", "error", err)
		} else {
			defer func() {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer flushCancel()
				if err := shutdownTracing(flushCtx); err != nil {
					log.Error("Error shutting down tracer", "error", err)
				}
			}()
			log.Info("Tracing initialized", "endpoint", cfg.Tracing.Endpoint)
		}
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	db, err := storage.Open(cfg.Storage.Badger, log)
	if err != nil {
		log.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()
	go storage.RunGC(ctx, db, 10*time.Minute, log)
	log.Info("Storage opened", "path", cfg.Storage.Badger.Path, "in_memory", cfg.Storage.Badger.InMemory)

	storeOpts := segment.DefaultStoreOptions()
	if cfg.Storage.CacheSize > 0 {
		storeOpts.CacheSize = cfg.Storage.CacheSize
	}
	segStore, err := segment.NewStore(db, storeOpts, log)
	if err != nil {
		log.Error("Failed to open segment store", "error", err)
		os.Exit(1)
	}

	vectors := segment.NewVectorIndex(cfg.Provider.EmbeddingDim)
	snapshotPath := ""
	if cfg.Storage.IndexDir != "" {
		if err := os.MkdirAll(cfg.Storage.IndexDir, 0o755); err != nil {
			log.Error("Failed to create index directory", "dir", cfg.Storage.IndexDir, "error", err)
			os.Exit(1)
		}
		snapshotPath = filepath.Join(cfg.Storage.IndexDir, vectorSnapshotFile)
		if err := vectors.Load(snapshotPath); err != nil {
			log.Debug("No vector snapshot loaded", "path", snapshotPath, "error", err)
		}
	}
	// The store is authoritative; the snapshot only shortens startup.
	loaded, err := segStore.LoadEmbeddings(ctx, vectors, cfg.Persona.DefaultKey)
	if err != nil {
		log.Error("Failed to load embeddings", "error", err)
		os.Exit(1)
	}
	log.Info("Vector index ready", "vectors", vectors.Len(), "loaded_from_store", loaded)

	convLog, err := conversation.NewLog(db, log)
	if err != nil {
		log.Error("Failed to open conversation log", "error", err)
		os.Exit(1)
	}

	personas := persona.NewStore(db, cfg.Persona.CacheTTL, log)

	// A missing API key is the one fatal provider condition; everything
	// downstream degrades at runtime instead.
	gemini, err := provider.NewClient(ctx, cfg.Provider, log)
	if err != nil {
		log.Error("Failed to create provider client", "error", err)
		os.Exit(1)
	}

	if err := bootstrapIngest(ctx, cfg, segStore, personas, log); err != nil {
		log.Error("Bootstrap ingestion failed", "error", err)
		os.Exit(1)
	}

	build := segment.DefaultBuildOptions()
	engine := retrieval.NewEngine(segStore, vectors, gemini, cfg.Retrieval, build.WindowBefore, build.WindowAfter, log)
	indexBuilder := retrieval.NewIndexBuilder(segStore, vectors, gemini, snapshotPath, log)
	if metricsManager.Enabled() {
		gemini.SetMetrics(metricsManager)
		engine.SetMetrics(metricsManager)
		indexBuilder.SetMetrics(metricsManager)
		metricsManager.SetIndexedSegments(cfg.Persona.DefaultKey, float64(vectors.LenFor(cfg.Persona.DefaultKey)))
	}

	pipe := pipeline.New(gemini, engine, convLog, personas, cfg.Pipeline, cfg.Persona, log)
	evo := evolution.NewManager(gemini, convLog, personas, cfg.Persona, log)
	temporalBuilder := temporal.NewBuilder(cfg.Temporal.Timezone, cfg.Temporal.AckCooldown, temporal.Thresholds{
		Recent:  cfg.Temporal.GapRecent,
		SameDay: cfg.Temporal.GapSameDay,
		TwoDays: cfg.Temporal.GapTwoDays,
		Week:    cfg.Temporal.GapWeek,
	})

	broadcaster := events.NewBroadcaster()

	var streamHandler *handlers.StreamHandler
	if cfg.Server.WebSocket.Enabled {
		streamHandler = handlers.NewStreamHandler(log, broadcaster, handlers.WebSocketConfig{
			AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
			MaxConnections: cfg.Server.WebSocket.MaxConnections,
			PingInterval:   cfg.Server.WebSocket.PingInterval,
			PongTimeout:    cfg.Server.WebSocket.PongTimeout,
		})
	}

	status := &statusSource{
		db:       db,
		provider: gemini,
		segments: segStore,
		convs:    convLog,
		indexer:  indexBuilder,
		cfg:      cfg,
		started:  time.Now(),
	}

	var turnMetrics handlers.TurnMetrics
	var feedbackMetrics handlers.FeedbackMetrics
	if metricsManager.Enabled() {
		turnMetrics = metricsManager
		feedbackMetrics = metricsManager
	}

	apiHandlers := &api.Handlers{
		Chat:          handlers.NewChatHandler(pipe, convLog, temporalBuilder, broadcaster, turnMetrics, cfg.Persona, log),
		Conversations: handlers.NewConversationHandler(convLog, log),
		Feedback:      handlers.NewFeedbackHandler(evo, broadcaster, feedbackMetrics, cfg.Persona, log),
		Retrieval:     handlers.NewRetrievalHandler(engine, indexBuilder, cfg.Persona, log),
		Stream:        streamHandler,
		Models:        handlers.NewModelsHandler(gemini, cfg.Provider),
		Health:        handlers.NewHealthHandler(status),
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := httpServer.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	log.Info("doppeld is running",
		"http_port", cfg.Server.Port,
		"metrics_port", cfg.Metrics.Port,
		"persona", cfg.Persona.DefaultKey,
		"model", gemini.Model(),
	)
	log.Info("Press Ctrl+C to stop")

	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErrChan:
		log.Error("HTTP server error", "error", err)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	shutdownTimeout := cfg.Server.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	log.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	if streamHandler != nil {
		streamHandler.Close()
	}
	broadcaster.Close()

	if snapshotPath != "" && vectors.Len() > 0 {
		if err := vectors.Save(snapshotPath); err != nil {
			log.Warn("Vector snapshot save failed", "path", snapshotPath, "error", err)
		}
	}

	log.Info("doppeld stopped gracefully")
}

// bootstrapIngest seeds the segment store and persona profile from the
// configured chat export when the store is empty.
func bootstrapIngest(ctx context.Context, cfg *config.Config, store *segment.Store, personas *persona.Store, log logger.Logger) error {
	if !cfg.Storage.AllowBootstrapIngest {
		return nil
	}
	key := cfg.Persona.DefaultKey
	count, err := store.Count(ctx, key)
	if err != nil {
		return err
	}
	if count > 0 {
		log.Debug("Bootstrap ingestion skipped, segments present", "persona", key, "segments", count)
		return nil
	}
	if cfg.Storage.BootstrapTargetSender == "" {
		return fmt.Errorf("bootstrap ingestion enabled but storage.bootstrap_target_sender is empty")
	}

	loc, err := time.LoadLocation(cfg.Temporal.Timezone)
	if err != nil {
		loc = time.Local
	}

	raw, err := segment.ReadChatExport(cfg.Storage.ChatDataPath)
	if err != nil {
		return err
	}
	msgs := segment.Normalize(raw, segment.NormalizeOptions{
		TargetSender: cfg.Storage.BootstrapTargetSender,
		UserAliases:  cfg.Storage.BootstrapUserAliases,
		Location:     loc,
	})

	stored, err := segment.IngestMessages(ctx, store, key, msgs, segment.DefaultBuildOptions())
	if err != nil {
		return err
	}
	log.Info("Chat history ingested",
		"persona", key,
		"messages", len(msgs),
		"segments", stored,
		"path", cfg.Storage.ChatDataPath)

	_, created, err := personas.EnsureBootstrap(ctx, persona.BootstrapSource{
		Key:                key,
		Name:               key,
		TargetSender:       cfg.Storage.BootstrapTargetSender,
		StrictNickname:     cfg.Persona.StrictNickname,
		ForbiddenNicknames: cfg.Persona.ForbiddenNicknames,
		UserAliases:        cfg.Storage.BootstrapUserAliases,
	}, msgs)
	if err != nil {
		return err
	}
	if created {
		log.Info("Persona profile bootstrapped", "persona", key)
	}
	return nil
}

// statusSource is the daemon's view wired into the health endpoints.
type statusSource struct {
	db       *badger.DB
	provider *provider.Client
	segments *segment.Store
	convs    *conversation.Log
	indexer  *retrieval.IndexBuilder
	cfg      *config.Config
	started  time.Time
}

func (s *statusSource) Healthy(ctx context.Context) bool {
	return !s.db.IsClosed()
}

func (s *statusSource) Ready(ctx context.Context) bool {
	if s.db.IsClosed() {
		return false
	}
	return s.provider.Healthy(ctx)
}

func (s *statusSource) Status(ctx context.Context) map[string]any {
	status := map[string]any{
		"app":            s.cfg.App.Name,
		"environment":    s.cfg.App.Environment,
		"version":        version.Info(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"persona":        s.cfg.Persona.DefaultKey,
		"model":          s.provider.Model(),
	}

	if count, err := s.segments.Count(ctx, s.cfg.Persona.DefaultKey); err == nil {
		status["segments"] = count
	}
	if convs, err := s.convs.Conversations(ctx); err == nil {
		status["conversations"] = len(convs)
	}
	if idx, err := s.indexer.Status(ctx, s.cfg.Persona.DefaultKey); err == nil {
		status["index"] = idx
	}
	return status
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("doppeld - Persona Chat Daemon\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("doppeld - Persona chat daemon backed by private chat history\n\n")
	fmt.Printf("Usage: doppeld [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  doppeld                                   # Run with default config\n")
	fmt.Printf("  doppeld -config config.yaml               # Use specific config file\n")
	fmt.Printf("  doppeld -port 9090 -log-level debug       # Override specific options\n")
	fmt.Printf("  doppeld -version                          # Print version info\n")
}
