package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentcache/agentcache/internal/config"
	"github.com/agentcache/agentcache/internal/engine"
	"github.com/agentcache/agentcache/internal/kv"
	"github.com/agentcache/agentcache/internal/memory"
	"github.com/agentcache/agentcache/internal/metrics"
	"github.com/agentcache/agentcache/internal/optimizer"
	"github.com/agentcache/agentcache/internal/prefetch"
	"github.com/agentcache/agentcache/internal/quota"
	"github.com/agentcache/agentcache/internal/server"
	"github.com/agentcache/agentcache/internal/store"
	"github.com/agentcache/agentcache/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func openStore(cfg *config.Config) (*store.DB, string, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}
	return db, dbPath, nil
}

func newEmbedder(cfg config.EmbeddingConfig, log *logrus.Logger) memory.Embedder {
	switch cfg.Provider {
	case "none":
		return nil
	case "ollama":
		if memory.ProbeOllama(cfg.OllamaURL, cfg.Model) {
			log.WithField("model", cfg.Model).Info("embedder: ollama")
			return memory.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, cfg.Dims)
		}
		log.Warn("embedder: ollama unreachable, falling back to hashing")
	}
	return memory.NewHashingEmbedder(cfg.Dims)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log)

	db, dbPath, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var warm kv.Store
	if cfg.Redis.Addr != "" {
		redis := kv.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer redis.Close()
		warm = redis
		log.WithField("addr", cfg.Redis.Addr).Info("warm tier: redis")
	} else {
		warm = kv.NewMemory(kv.SystemClock())
		log.Info("warm tier: in-process (set redis.addr to share across workers)")
	}

	registry := prometheus.NewRegistry()
	notifier := webhook.New(db, log, 10*time.Second)

	var tracker *quota.Tracker
	if cfg.Quota.Limit > 0 {
		tracker = quota.New(warm, notifier, log, cfg.Quota.Limit, cfg.Quota.Window)
	}

	eng := engine.New(engine.Config{
		HotCapacity:            cfg.Cache.HotCapacity,
		WarmTTL:                cfg.Cache.WarmTTL,
		VolatileTTL:            cfg.Cache.VolatileTTL,
		OriginTimeout:          cfg.Cache.OriginTimeout,
		SketchWidth:            cfg.Cache.SketchWidth,
		SketchDepth:            cfg.Cache.SketchDepth,
		SketchResetAt:          cfg.Cache.SketchResetAt,
		ReasoningConfidenceMin: cfg.Cache.ReasoningConfidenceMin,
		RecordTraces:           cfg.Cache.RecordTraces,
	}, engine.Deps{
		Warm:     warm,
		Notifier: notifier,
		Quota:    tracker,
		Metrics:  metrics.New(registry),
		Log:      log,
		DB:       db,
	})

	initial := optimizer.Genome{
		HotEnabled:         cfg.Cache.HotCapacity > 0,
		HotStrategy:        cfg.Cache.HotStrategy,
		WarmEnabled:        true,
		WarmStrategy:       cfg.Cache.WarmStrategy,
		AdmissionThreshold: cfg.Cache.AdmissionThreshold,
		ProviderCostWeight: 0.5,
	}
	if err := eng.ApplyPolicy(initial); err != nil {
		return fmt.Errorf("apply cache policy: %w", err)
	}

	if cfg.Prefetch.Enabled {
		eng.SetPrefetcher(prefetch.New(prefetch.Config{
			MinSupport: cfg.Prefetch.MinSupport,
			Confidence: cfg.Prefetch.Confidence,
			Depth:      cfg.Prefetch.Depth,
		}, eng.Warm, log))
	}

	mem := memory.New(memory.Config{
		RecentTurns:   cfg.Memory.RecentTurns,
		MaxTurns:      cfg.Memory.MaxTurns,
		TurnTTL:       cfg.Memory.TurnTTL,
		HalfLife:      cfg.Memory.HalfLife,
		RetentionMin:  cfg.Memory.RetentionMin,
		SimilarityMin: cfg.Memory.SimilarityMin,
		TopK:          cfg.Memory.TopK,
		SizeBudget:    cfg.Memory.SizeBudget,
	}, warm, db, newEmbedder(cfg.Embedding, log), eng, kv.SystemClock(), log)

	srv := server.New(server.Deps{
		Engine:   eng,
		Memory:   mem,
		Quota:    tracker,
		Notifier: notifier,
		DB:       db,
		Warm:     warm,
		Registry: registry,
		Log:      log,
	}, VersionString())

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.WithFields(logrus.Fields{"addr": addr, "db": dbPath}).Info("agentcache serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-done
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
