// Package main runs the activegraph API server: graph store, hybrid
// retrieval, ask orchestration, connector ingestion and the refresh
// scheduler in one process.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	gormlogger "gorm.io/gorm/logger"

	"github.com/activegraph/activegraph/internal/ask"
	"github.com/activegraph/activegraph/internal/config"
	"github.com/activegraph/activegraph/internal/connector"
	"github.com/activegraph/activegraph/internal/embedding"
	"github.com/activegraph/activegraph/internal/gate"
	"github.com/activegraph/activegraph/internal/observability"
	"github.com/activegraph/activegraph/internal/reranking"
	"github.com/activegraph/activegraph/internal/retrieval"
	"github.com/activegraph/activegraph/internal/scheduler"
	"github.com/activegraph/activegraph/internal/server"
	"github.com/activegraph/activegraph/internal/store"
	"github.com/activegraph/activegraph/internal/trigger"
	"github.com/activegraph/activegraph/pkg/models"
)

var Version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}
	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info().Str("version", Version).Int("port", cfg.Port).Msg("starting activegraph")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		DSN:          cfg.DatabaseURL,
		MaxConns:     cfg.MaxConns,
		EmbeddingDim: cfg.EmbeddingDim,
		LogLevel:     gormlogger.Warn,
	}, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	metrics, err := observability.New(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	var pool *redis.Pool
	if cfg.CacheURL != "" {
		pool = newRedisPool(cfg.CacheURL)
		defer pool.Close()
	} else {
		logger.Warn().Msg("CACHE_URL not set; rate limits fall back to per-process buckets and connector queues are unavailable")
	}

	var backend embedding.Backend
	switch cfg.EmbeddingBackend {
	case "remote":
		backend = embedding.NewRemoteBackend(cfg.EmbeddingURL, cfg.EmbeddingModel, cfg.EmbedTimeout)
	default:
		backend = embedding.NewDevBackend(cfg.EmbeddingDim)
	}
	embedSvc := embedding.NewService(backend, cfg.EmbeddingDim, logger)

	var reranker retrieval.Reranker
	if cfg.RerankerModelPath != "" {
		svc, err := reranking.NewService(reranking.Config{
			ModelPath:     cfg.RerankerModelPath,
			TokenizerPath: cfg.RerankerTokenizerPath,
			SharedLibPath: cfg.OrtSharedLibPath,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("reranker unavailable, continuing without it")
		} else {
			defer svc.Close()
			reranker = svc
		}
	}

	engine := retrieval.NewEngine(embedSvc, reranker, retrieval.Config{
		Metric:           models.Metric(cfg.SearchDistance),
		RRFK:             cfg.RRFK,
		CandidateFactor:  cfg.WeightedCandidateFactor,
		RerankSkipTopSim: cfg.RerankSkipTopSim,
		RerankCandidates: cfg.HybridRerankerCandidates,
		ANNParams: store.ANNParams{
			HNSWEfSearch:  cfg.HNSWEfSearch,
			IVFFlatProbes: cfg.IVFFlatProbes,
		},
	}, logger)

	askCache, err := ask.NewCache(1024)
	if err != nil {
		return fmt.Errorf("ask cache: %w", err)
	}
	orchestrator := ask.New(engine, nil, askCache, metrics, ask.Config{
		SimThreshold: cfg.AskSimThreshold,
		MaxSnippets:  cfg.AskMaxSnippets,
		SnippetLen:   cfg.AskSnippetLen,
		RouterTopSim: cfg.AskRouterTopSim,
		UseReranker:  cfg.AskUseReranker,
		LLMEnabled:   cfg.LLMEnabled,
	}, logger)

	triggers := trigger.NewEngine(metrics, nil, logger)
	sched := scheduler.New(st, embedSvc, triggers, metrics, scheduler.Config{
		RefreshInterval: cfg.RefreshInterval,
		TriggerInterval: cfg.TriggerInterval,
		PurgeInterval:   cfg.PurgeInterval,
		RefreshBatch:    cfg.RefreshBatch,
		PurgeBatch:      cfg.PurgeBatch,
	}, logger)

	keks := cfg.KEKs
	if len(keks) == 0 {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return fmt.Errorf("generate dev KEK: %w", err)
		}
		keks = map[int]string{1: base64.StdEncoding.EncodeToString(key[:])}
		logger.Warn().Msg("no KEK configured; connector secrets are sealed under an ephemeral key and will not survive a restart")
	}
	keyring, err := connector.NewKeyring(keks)
	if err != nil {
		return fmt.Errorf("load keyring: %w", err)
	}
	configs := connector.NewConfigs(st, keyring, metrics, logger)

	loader := connector.NewLoader(cfg.URLAllowlist, cfg.MaxFetchBytes, cfg.FetchTimeout, cfg.FileBasedirs, cfg.MaxFileBytes)
	registry := connector.NewRegistry()
	registry.Register(connector.NewWebProvider(loader))
	registry.Register(connector.NewFileProvider(loader))

	queue := connector.NewQueue(pool, cfg.QueueMaxDepth, metrics)
	worker := connector.NewWorker(st, embedSvc, queue, configs, registry, metrics, connector.WorkerConfig{
		Workers:     cfg.ConnectorWorkers,
		MaxAttempts: cfg.ConnectorMaxAttempts,
		PurgeGrace:  cfg.PurgeGrace,
	}, logger)

	auth, err := gate.NewAuthenticator(cfg, metrics, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	webhook := connector.NewWebhook(configs, queue, pool, auth, cfg.WebhookTopics, cfg.WebhookDedupe, metrics, logger)
	limiter := gate.NewLimiter(cfg, pool, metrics, logger)
	conc := gate.NewConcurrency(cfg, pool, metrics, logger)

	if cfg.AutoIndexOnStartup {
		metric := models.Metric(cfg.SearchDistance)
		params := store.IndexParams{
			HNSWM:              cfg.HNSWM,
			HNSWEfConstruction: cfg.HNSWEfConstruction,
			IVFFlatLists:       cfg.IVFFlatLists,
		}
		for _, kind := range cfg.ANNIndexes {
			if err := st.EnsureIndex(ctx, kind, metric, params); err != nil {
				logger.Warn().Err(err).Str("kind", kind).Msg("index build failed")
			}
		}
	}

	srv := server.New(server.Deps{
		Config:    cfg,
		Store:     st,
		Embed:     embedSvc,
		Engine:    engine,
		Ask:       orchestrator,
		Scheduler: sched,
		Triggers:  triggers,
		Configs:   configs,
		Worker:    worker,
		Queue:     queue,
		Webhook:   webhook,
		Auth:      auth,
		Limiter:   limiter,
		Conc:      conc,
		Metrics:   metrics,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.RunScheduler {
		g.Go(func() error { return sched.Start(ctx) })
	}
	if pool != nil {
		g.Go(func() error { return worker.Run(ctx) })
	}
	g.Go(func() error { return cfg.Watch(ctx.Done(), logger) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// newRedisPool builds the shared cache pool used by rate limiting,
// concurrency slots, webhook dedup and the connector queues.
func newRedisPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		MaxActive:   50,
		IdleTimeout: 240 * time.Second,
		Wait:        true,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}
