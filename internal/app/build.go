package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/ragchat/internal/chat"
	"github.com/ent0n29/ragchat/internal/config"
	"github.com/ent0n29/ragchat/internal/httpapi"
	"github.com/ent0n29/ragchat/internal/ingest"
	"github.com/ent0n29/ragchat/internal/llm"
	"github.com/ent0n29/ragchat/internal/memory"
	"github.com/ent0n29/ragchat/internal/observability"
	"github.com/ent0n29/ragchat/internal/prompt"
	"github.com/ent0n29/ragchat/internal/retrieval"
	"github.com/ent0n29/ragchat/internal/session"
	"github.com/ent0n29/ragchat/internal/title"
)

type BuildResult struct {
	Config       config.Config
	Policy       config.Policy
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *chat.Orchestrator
	Retrieval    *retrieval.Service
	Ingester     *ingest.Ingester
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB pools, etc).
	Cleanup func() error
}

// Build wires the service from configuration.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		logger.Info("session archived after inactivity", "session_id", s.ID)
	})

	store, err := memory.NewStore(ctx, memory.StoreConfig{
		Backend:     cfg.MemoryBackend,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Dynamo: memory.DynamoConfig{
			Table:           cfg.DynamoTable,
			Region:          cfg.DynamoRegion,
			Endpoint:        cfg.DynamoEndpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}
	closers := []func() error{store.Close}
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = cleanup()
		return nil, err
	}

	sessionStore, err := newSessionStore(ctx, store)
	if err != nil {
		return fail(fmt.Errorf("session store init failed: %w", err))
	}
	if sessionStore != nil {
		sessions.SetStore(sessionStore, logger)
		restored, err := sessions.Load(ctx)
		if err != nil {
			return fail(err)
		}
		metrics.SetActiveSessions(sessions.ActiveCount())
		logger.Info("sessions restored", "count", restored)
	}

	window := cfg.MemoryWindowSize
	if policy.WindowSize > 0 {
		window = policy.WindowSize
	}
	reconciler := memory.NewReconciler(store, memory.ReconcilerConfig{
		DefaultWindow: window,
		Sizer:         sessions,
		Logger:        logger,
		Metrics:       metrics,
	})

	model, err := llm.NewAdapter(llm.Config{
		Mode:             cfg.ModelMode,
		OpenAIKey:        cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIModel,
		HTTPURL:          cfg.ModelHTTPURL,
		HTTPStreamStrict: cfg.ModelHTTPStreamStrict,
		HTTPTimeout:      cfg.ModelTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("model adapter init failed: %w", err))
	}

	embedder := newEmbedder(cfg, logger)
	backend, closeBackend, err := newVectorBackend(ctx, cfg, store, embedder, logger)
	if err != nil {
		return fail(fmt.Errorf("vector backend init failed: %w", err))
	}
	if closeBackend != nil {
		closers = append(closers, closeBackend)
	}
	search := retrieval.NewService(embedder, backend, logger, metrics)

	var pdf ingest.Extractor
	if cfg.PDFServiceURL != "" {
		pdf = ingest.NewPDFService(cfg.PDFServiceURL, 0)
	}
	ingester := ingest.NewIngester(search, ingest.Options{
		ChunkSize:    cfg.ChunkSize,
		ChunkOverlap: cfg.ChunkOverlap,
		BatchSize:    cfg.IngestBatchSize,
		PDF:          pdf,
		Logger:       logger,
	})

	topK := cfg.RetrievalTopK
	if policy.TopK > 0 {
		topK = policy.TopK
	}
	orchestrator := chat.NewOrchestrator(chat.Config{
		Retriever:         search,
		Memory:            reconciler,
		Model:             model,
		Assembler:         prompt.NewAssembler(policy.Instructions),
		Sessions:          sessions,
		Tokens:            llm.NewTokenCounter(cfg.TokenEncoding),
		Logger:            logger,
		Metrics:           metrics,
		TopK:              topK,
		ModelTimeout:      cfg.ModelTimeout,
		WritebackOnCancel: cfg.StreamWritebackOnCancel,
		StreamMinChars:    cfg.StreamMinChars,
	})

	titles := title.NewGenerator(title.Config{
		Sessions:   sessions,
		Transcript: store,
		Model:      model,
		Logger:     logger,
		MaxRunes:   policy.Title.MaxChars,
		Turns:      policy.Title.Turns,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Chat:     orchestrator,
		Titles:   titles,
		Search:   search,
		Ingest:   ingester,
		Metrics:  metrics,
		Logger:   logger,
		Ready:    readiness(store),
	})

	logger.Info("service wired",
		"memory_backend", fmt.Sprintf("%T", store),
		"vector_backend", fmt.Sprintf("%T", backend),
		"model", fmt.Sprintf("%T", model),
		"window", reconciler.WindowSize(""),
		"top_k", topK,
	)

	return &BuildResult{
		Config:       cfg,
		Policy:       policy,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Retrieval:    search,
		Ingester:     ingester,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

func newEmbedder(cfg config.Config, logger *slog.Logger) retrieval.Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.EmbeddingBackend {
	case "openai":
		return retrieval.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	case "hash":
		return retrieval.NewHashEmbedder(cfg.EmbeddingDim)
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		return retrieval.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	}
	logger.Warn("no embedding credentials; using local hash embeddings", "dimensions", cfg.EmbeddingDim)
	return retrieval.NewHashEmbedder(cfg.EmbeddingDim)
}

// newVectorBackend picks the similarity index. pgvector reuses the
// transcript pool when postgres already backs memory.
func newVectorBackend(ctx context.Context, cfg config.Config, store memory.Store, embedder retrieval.Embedder, logger *slog.Logger) (retrieval.Backend, func() error, error) {
	mode := cfg.VectorBackend
	if mode == "" || mode == "auto" {
		switch {
		case cfg.VectorServiceURL != "":
			mode = "http"
		case cfg.DatabaseURL != "":
			mode = "pgvector"
		default:
			mode = "memory"
		}
	}

	switch mode {
	case "memory":
		return retrieval.NewMemoryBackend(), nil, nil
	case "http":
		if cfg.VectorServiceURL == "" {
			return nil, nil, errors.New("http vector backend requires VECTOR_SERVICE_URL")
		}
		return retrieval.NewHTTPBackend(cfg.VectorServiceURL, cfg.VectorServiceAPIKey, 10*time.Second), nil, nil
	case "pgvector":
		dims := cfg.EmbeddingDim
		if h, ok := embedder.(*retrieval.HashEmbedder); ok {
			dims = h.Dimensions()
		}
		if pg, ok := store.(*memory.PostgresStore); ok {
			b, err := retrieval.NewPGVectorBackend(ctx, pg.Pool(), dims)
			return b, nil, err
		}
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("pgvector backend requires DATABASE_URL")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		b, err := retrieval.NewPGVectorBackend(ctx, pool, dims)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("pgvector using dedicated pool")
		return b, func() error { pool.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector backend %q", mode)
	}
}

// newSessionStore keeps sessions in the same database as the transcripts.
// The in-memory backend has nothing to survive a restart, so it gets none.
func newSessionStore(ctx context.Context, store memory.Store) (session.Store, error) {
	switch s := store.(type) {
	case *memory.SQLiteStore:
		return session.NewSQLiteStore(ctx, s.DB())
	case *memory.PostgresStore:
		return session.NewPostgresStore(ctx, s.Pool())
	case *memory.DynamoStore:
		return session.NewDynamoStore(s.Client(), s.Table()), nil
	default:
		return nil, nil
	}
}

func readiness(store memory.Store) func(context.Context) error {
	switch s := store.(type) {
	case *memory.PostgresStore:
		return func(ctx context.Context) error { return s.Pool().Ping(ctx) }
	case *memory.SQLiteStore:
		return func(ctx context.Context) error { return s.DB().PingContext(ctx) }
	default:
		return nil
	}
}

// StartBackground runs the session janitor and, when a knowledge directory
// is configured, the document watcher. Both stop with ctx.
func (b *BuildResult) StartBackground(ctx context.Context, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	b.Sessions.StartJanitor(ctx, 5*time.Second)

	dir := strings.TrimSpace(b.Config.KnowledgeDir)
	if dir == "" {
		return
	}
	watcher := ingest.NewWatcher(b.Ingester, logger)
	go func() {
		if err := watcher.Run(ctx, dir); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("knowledge watcher stopped", "dir", dir, "error", err)
		}
	}()
}
