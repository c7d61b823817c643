// Command driftville runs a persona simulation: a fixed number of
// simulated-time ticks in which each persona observes, reflects, plans,
// possibly drifts, and acts, leaving a full audit trail behind.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/driftville/internal/api"
	"github.com/nidhogg/driftville/internal/bus"
	"github.com/nidhogg/driftville/internal/config"
	"github.com/nidhogg/driftville/internal/embedding"
	"github.com/nidhogg/driftville/internal/llm"
	"github.com/nidhogg/driftville/internal/memory"
	"github.com/nidhogg/driftville/internal/persona"
	"github.com/nidhogg/driftville/internal/pipeline"
	"github.com/nidhogg/driftville/internal/provider"
	"github.com/nidhogg/driftville/internal/runlog"
	"github.com/nidhogg/driftville/internal/scheduler"
	"github.com/nidhogg/driftville/internal/vectorstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig      string
	flagSimStart    string
	flagTicks       int
	flagPersonas    []string
	flagPersonaFile string
	flagNoDrift     bool
	flagServe       bool
)

func main() {
	root := &cobra.Command{
		Use:   "driftville",
		Short: "Persona simulator with an observe-reflect-plan-drift-act loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "configs/driftville.json", "path to config file")
	root.Flags().StringVar(&flagSimStart, "sim-start", "", "simulation start time (\"2006-01-02 15:04\")")
	root.Flags().IntVar(&flagTicks, "ticks", 0, "number of ticks to run (overrides config)")
	root.Flags().StringSliceVar(&flagPersonas, "personas", nil, "persona names to run (default: all in file)")
	root.Flags().StringVar(&flagPersonaFile, "persona-file", "", "path to persona file (overrides config)")
	root.Flags().BoolVar(&flagNoDrift, "no-drift", false, "disable the drift stage")
	root.Flags().BoolVar(&flagServe, "serve", false, "keep the status API up after the run finishes")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	applyFlags(cfg)

	logger, err := buildLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer logger.Sync()

	start, err := cfg.StartTime()
	if err != nil {
		logger.Error("invalid sim start", zap.Error(err))
		return err
	}

	personas, err := persona.Load(cfg.Sim.PersonaFile, cfg.Sim.Personas, start)
	if err != nil {
		logger.Error("load personas", zap.Error(err))
		return err
	}
	logger.Info("personas loaded",
		zap.Int("count", len(personas)),
		zap.String("file", cfg.Sim.PersonaFile))

	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
		}
		var p provider.Provider
		switch pc.Type {
		case "gemini":
			p = provider.NewGeminiProvider(provCfg, logger)
		case "openai", "ollama", "openrouter":
			p = provider.NewOpenAIProvider(provCfg, logger)
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
			continue
		}
		router.Register(p)
		for _, m := range pc.Models {
			router.Bind(m, pc.ID)
		}
	}
	if len(cfg.Model.FallbackProviders) > 0 {
		router.SetFallbacks(cfg.Model.FallbackProviders)
	}

	logs, err := runlog.Open(cfg.Logs.Dir, cfg.Model.Name, cfg.Sim.UseDrift, logger)
	if err != nil {
		logger.Error("open run logs", zap.Error(err))
		return err
	}
	defer logs.Close(context.Background())

	if dsn := cfg.Database.Postgres.DSN; dsn != "" {
		sink, err := runlog.NewPostgresSink(ctx, dsn, logger)
		if err != nil {
			logger.Error("postgres sink", zap.Error(err))
			return err
		}
		logs.SetSink(sink)
	}

	client := llm.NewClient(router, llm.Config{
		ConcurrencyLimit: cfg.Calls.ConcurrencyLimit,
		Retry: llm.RetryPolicy{
			MaxAttempts: cfg.Calls.RetryMaxAttempts,
			BaseDelay:   time.Duration(cfg.Calls.BackoffBaseMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Calls.BackoffMaxMs) * time.Millisecond,
			Jitter:      0.25,
		},
	}, logger)

	store := memory.NewStore(memory.Config{
		Weights: memory.Weights{
			Recency:    cfg.Memory.RecencyWeight,
			Importance: cfg.Memory.ImportanceWeight,
			Relevance:  cfg.Memory.RelevanceWeight,
		},
		RecencyHalfLife: time.Duration(cfg.Memory.HalfLifeHours * float64(time.Hour)),
	}, logger)

	var embedder embedding.Provider
	if cfg.Embedding.Enabled {
		embedder = embedding.NewAPIProvider(embedding.Config{
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		})
	}

	pipe := pipeline.New(client, store, embedder, logs, pipeline.Config{
		UseDrift:    cfg.Sim.UseDrift,
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		RetrieveK:   cfg.Memory.RetrieveK,
		TickStep:    cfg.TickStep(),
	}, logger)

	var recall api.Recaller
	if cfg.Database.Qdrant.Host != "" && embedder != nil {
		archive, err := vectorstore.NewArchive(vectorstore.Config{
			Host:       cfg.Database.Qdrant.Host,
			Port:       cfg.Database.Qdrant.Port,
			Collection: cfg.Database.Qdrant.Collection,
		})
		if err != nil {
			logger.Warn("qdrant unavailable, running without memory archive", zap.Error(err))
		} else {
			defer archive.Close()
			if err := archive.Ensure(ctx, uint64(cfg.Embedding.Dimension)); err != nil {
				logger.Warn("qdrant collection", zap.Error(err))
			} else {
				pipe.SetArchiver(archive)
				recall = vectorstore.NewRecall(archive, embedder)
			}
		}
	}

	var publisher scheduler.Publisher
	if url := cfg.Database.Redis.URL; url != "" {
		b, err := bus.New(url, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without tick stream", zap.Error(err))
		} else {
			defer b.Close()
			publisher = b
		}
	}

	sched := scheduler.New(pipe, personas, publisher, nil, scheduler.Config{
		Ticks:         cfg.Sim.NumTicks,
		Start:         start,
		TickStep:      cfg.TickStep(),
		HistoryWindow: cfg.Memory.HistoryWindow,
	}, logger)

	srv := startAPI(cfg, sched.Tracker(), store, recall, logs.SessionID, len(personas), logger)

	report, runErr := sched.Run(ctx)
	if runErr != nil {
		logger.Error("run failed", zap.Error(runErr))
		shutdownAPI(srv, logger)
		return runErr
	}
	logger.Info("simulation finished",
		zap.String("session", logs.SessionID),
		zap.Int("personas", report.Personas),
		zap.Int("ticks", report.Ticks),
		zap.Int("degraded_ticks", report.DegradedTicks),
		zap.Int64("upstream_calls", client.Calls()))

	if flagServe {
		logger.Info("serving status API until interrupted",
			zap.Int("port", cfg.Server.Port))
		<-ctx.Done()
	}
	shutdownAPI(srv, logger)
	return nil
}

func applyFlags(cfg *config.Config) {
	if flagSimStart != "" {
		cfg.Sim.SimStartTime = flagSimStart
	}
	if flagTicks > 0 {
		cfg.Sim.NumTicks = flagTicks
	}
	if len(flagPersonas) > 0 {
		cfg.Sim.Personas = flagPersonas
	}
	if flagPersonaFile != "" {
		cfg.Sim.PersonaFile = flagPersonaFile
	}
	if flagNoDrift {
		cfg.Sim.UseDrift = false
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return zcfg.Build()
}

func startAPI(cfg *config.Config, tracker *scheduler.Tracker, store *memory.Store, recall api.Recaller, sessionID string, personaCount int, logger *zap.Logger) *http.Server {
	handler := api.NewHandler(tracker, store, recall, api.RunInfo{
		SessionID: sessionID,
		Model:     cfg.Model.Name,
		UseDrift:  cfg.Sim.UseDrift,
		Personas:  personaCount,
		Ticks:     cfg.Sim.NumTicks,
		StartedAt: time.Now(),
	}, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("status API stopped", zap.Error(err))
		}
	}()
	return srv
}

func shutdownAPI(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("status API shutdown", zap.Error(err))
	}
}
