package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aiox-platform/companion/internal/api"
	"github.com/aiox-platform/companion/internal/audit"
	"github.com/aiox-platform/companion/internal/auth"
	"github.com/aiox-platform/companion/internal/brain"
	"github.com/aiox-platform/companion/internal/config"
	"github.com/aiox-platform/companion/internal/conversation"
	"github.com/aiox-platform/companion/internal/database"
	"github.com/aiox-platform/companion/internal/embedding"
	"github.com/aiox-platform/companion/internal/health"
	"github.com/aiox-platform/companion/internal/identity"
	"github.com/aiox-platform/companion/internal/memory"
	memchromem "github.com/aiox-platform/companion/internal/memory/chromem"
	"github.com/aiox-platform/companion/internal/memory/pgvector"
	mw "github.com/aiox-platform/companion/internal/middleware"
	inats "github.com/aiox-platform/companion/internal/nats"
	iredis "github.com/aiox-platform/companion/internal/redis"
	"github.com/aiox-platform/companion/internal/server"
	"github.com/aiox-platform/companion/internal/turns"
	"github.com/aiox-platform/companion/internal/xmpp"
)

func main() {
	if err := run(); err != nil {
		slog.Error("companion exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		return err
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	// NATS
	natsClient, err := inats.NewClient(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer natsClient.Close()
	publisher := inats.NewPublisher(natsClient.JetStream())

	// Structured turn store
	turnStore, closeTurns, err := openTurnStore(cfg.Turns, pool)
	if err != nil {
		return err
	}
	defer closeTurns()

	// Embeddings
	embedder, err := openEmbedder(cfg.Embedding)
	if err != nil {
		return err
	}
	defer embedder.Close()

	// Memory
	registry := memory.NewRegistry()
	registry.Register(pgvector.Name, func(context.Context) (memory.VectorStore, error) {
		return pgvector.New(pool, cfg.Embedding.Dimensions), nil
	})
	registry.Register(memchromem.Name, func(context.Context) (memory.VectorStore, error) {
		if cfg.Memory.ChromemPath == "" {
			return memchromem.NewInMemory(cfg.Embedding.Dimensions), nil
		}
		return memchromem.NewPersistent(cfg.Memory.ChromemPath, cfg.Memory.ChromemCompress, cfg.Embedding.Dimensions)
	})

	memCfg := memory.DefaultConfig()
	memCfg.PreferredBackend = cfg.Memory.PreferredBackend
	memCfg.SecondaryBackend = cfg.Memory.SecondaryBackend
	memCfg.ContextTimeout = cfg.Memory.ContextTimeout
	memCfg.KeywordWindow = cfg.Memory.KeywordWindow

	coord := memory.NewCoordinator(registry, embedder, turnStore, publisher, memCfg)
	if err := coord.Initialize(ctx); err != nil {
		var cfgErr *memory.ConfigError
		if errors.As(err, &cfgErr) {
			return fmt.Errorf("memory misconfigured: %w", err)
		}
		return fmt.Errorf("initializing memory: %w", err)
	}
	defer coord.Close()

	scanner := memory.NewEcosystemScanner(coord, embedder, nil)
	sessionStore := memory.NewSessionStore(redisClient, cfg.Conversation.HistoryLimit, cfg.Conversation.HistoryTTL)

	// Identity
	seed := identity.DefaultMasterConfig()
	if cfg.Conversation.MasterConfigYML != "" {
		seed, err = identity.LoadMasterConfig(cfg.Conversation.MasterConfigYML)
		if err != nil {
			return err
		}
	}
	identityStore := identity.WithDefaults(identity.NewRepository(pool), seed)

	// Brain
	provider, err := openBrain(cfg.Brain)
	if err != nil {
		return err
	}

	// Conversations
	manager := conversation.NewManager(turnStore, conversation.Deps{
		Memory:    coord,
		History:   sessionStore,
		Identity:  identityStore,
		Brain:     provider,
		Publisher: publisher,
	}, conversation.Config{
		ErrorRecovery: cfg.Conversation.ErrorRecovery,
		HistoryLimit:  cfg.Conversation.HistoryLimit,
		RetainTurns:   cfg.Turns.MaxPerUser,
	})
	defer manager.Close()

	// Audit trail
	auditRepo := audit.NewRepository(pool)
	auditConsumer := audit.NewConsumer(auditRepo, inats.NewConsumerManager(natsClient.JetStream()))
	go func() {
		if err := auditConsumer.Start(ctx); err != nil {
			slog.Error("audit consumer stopped", "error", err)
		}
	}()

	// XMPP text channel
	if cfg.XMPP.Enabled {
		gateway := xmpp.NewGateway(manager).WithUserDomains(cfg.XMPP.UserDomains...)
		defer gateway.Close()
		component, err := xmpp.NewComponent(cfg.XMPP, gateway)
		if err != nil {
			return fmt.Errorf("creating xmpp component: %w", err)
		}
		go func() {
			if err := component.Start(ctx); err != nil {
				slog.Error("xmpp component stopped", "error", err)
			}
		}()
		defer component.Stop()
	}

	// Health
	checks := health.NewChecks().
		Add(health.CheckDatabase, func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }).
		Add(health.CheckRedis, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }).
		Add(health.CheckNATS, natsClient.Ping).
		Add(health.CheckTurns, turnStore.Ping).
		Add(health.CheckVector, func(context.Context) error {
			if coord.ActiveProvider() == memory.ProviderNone {
				return errors.New("keyword-only mode")
			}
			return nil
		})

	grpcServer := health.NewGRPCServer(cfg.GRPC, checks)
	go func() {
		if err := grpcServer.Serve(ctx); err != nil {
			slog.Error("grpc health server", "error", err)
		}
	}()

	// Auth
	authSvc := auth.NewService(auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry), redisClient)
	authHandler := auth.NewHandler(authSvc)

	memHandler := memory.NewHandler(coord, scanner).WithReporter(publisher)
	identityHandler := identity.NewHandler(identityStore, publisher)
	auditHandler := audit.NewHandler(auditRepo)
	sessionHandler := conversation.NewHandler(manager, cfg.Server.CORSOrigins)

	apiLimiter := mw.NewRateLimiter(redisClient, "api", auth.OwnerRateKey, cfg.Server.RateLimit, 60)
	sessionLimiter := mw.NewRateLimiter(redisClient, "session", auth.OwnerRateKey, max(cfg.Server.RateLimit/6, 1), 60)

	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSOrigins,
		APIRateLimiter:     apiLimiter.Middleware,
		SessionRateLimiter: sessionLimiter.Middleware,
	}, api.HandlerSet{
		Live:  health.Live,
		Ready: checks.Ready,

		Logout:         authHandler.Logout,
		AuthMiddleware: auth.Middleware(authSvc),

		GetMe:            identityHandler.GetMe,
		PatchPreferences: identityHandler.PatchPreferences,

		ListMemories:      memHandler.List,
		CreateMemory:      memHandler.Create,
		GetMemory:         memHandler.Get,
		UpdateMemory:      memHandler.Update,
		DeleteMemory:      memHandler.Delete,
		SearchMemories:    memHandler.Search,
		MemoryContext:     memHandler.Context,
		CountMemories:     memHandler.Count,
		DeleteMemoriesTag: memHandler.DeleteByTag,
		ReindexMemories:   memHandler.Reindex,

		ConversationTurns: memHandler.ConversationTurns,
		TrimTurns:         memHandler.TrimTurns,

		ListAuditLogs: auditHandler.List,

		Session: sessionHandler.Session,

		RequireScan:         auth.RequireCapability(auth.CapabilityEcosystemScan, publisher),
		RequireMasterConfig: auth.RequireCapability(auth.CapabilityMasterConfig, publisher),
		EcosystemScan:       memHandler.EcosystemScan,
		GetMasterConfig:     identityHandler.GetMasterConfig,
		PatchMasterConfig:   identityHandler.PatchMasterConfig,
	})

	srv := server.New(cfg.Server, router)
	srv.OnShutdown(manager.Close)
	return srv.Start(ctx)
}

func openTurnStore(cfg config.TurnsConfig, pool *pgxpool.Pool) (turns.Store, func(), error) {
	if cfg.Driver == "sqlite" {
		db, err := database.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite turn store: %w", err)
		}
		slog.Info("using sqlite turn store", "path", cfg.SQLitePath)
		return turns.NewSQLiteStore(db), func() { db.Close() }, nil
	}
	return turns.NewPostgresStore(pool), func() {}, nil
}

func openEmbedder(cfg config.EmbeddingConfig) (*embedding.Cached, error) {
	var next embedding.Provider
	switch cfg.Provider {
	case "hashing":
		next = embedding.NewHashing(cfg.Dimensions)
	default:
		o, err := embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxRetries: 2,
		})
		if err != nil {
			return nil, err
		}
		next = o
	}
	cached, err := embedding.NewCached(next, cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	slog.Info("embedding provider ready", "provider", cfg.Provider, "dimensions", cfg.Dimensions)
	return cached, nil
}

func openBrain(cfg config.BrainConfig) (brain.Provider, error) {
	if cfg.Provider == "echo" {
		slog.Warn("using echo brain, replies repeat the user")
		return brain.Echo{}, nil
	}
	return brain.NewAnthropic(brain.AnthropicConfig{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		MaxTokens:  cfg.MaxTokens,
		MaxRetries: 2,
	})
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
