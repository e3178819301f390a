package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/relay/internal/adapter/natskv"
	cfotel "github.com/Strob0t/relay/internal/adapter/otel"
	"github.com/Strob0t/relay/internal/adapter/ristretto"
	"github.com/Strob0t/relay/internal/adapter/tiered"
	"github.com/Strob0t/relay/internal/adapter/treesitter"
	"github.com/Strob0t/relay/internal/config"
	"github.com/Strob0t/relay/internal/domain/estimate"
	"github.com/Strob0t/relay/internal/domain/merge"
	"github.com/Strob0t/relay/internal/logger"
	"github.com/Strob0t/relay/internal/middleware"
	"github.com/Strob0t/relay/internal/port/cache"
	"github.com/Strob0t/relay/internal/port/messagequeue"
	"github.com/Strob0t/relay/internal/resilience"
	"github.com/Strob0t/relay/internal/service"
	"github.com/Strob0t/relay/internal/tokenizer"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(args)
	if err != nil {
		return err
	}
	cfg, cfgPath, err := config.LoadWithCLI(flags)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	holder := config.NewHolder(cfg, cfgPath)

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"store", cfg.Store.Backend,
		"archive", cfg.Archive.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTEL, err := cfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer l1.Close()
	var snapshots cache.Cache = l1
	if infra.queue != nil {
		bucket, err := infra.queue.KeyValue(ctx, cfg.Cache.Bucket, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("cache bucket: %w", err)
		}
		snapshots = tiered.New(l1, natskv.NewCache(bucket), cfg.Cache.TTL)
		slog.Info("snapshot cache tiered", "bucket", cfg.Cache.Bucket)
	}

	// --- Services ---

	var perLine estimate.PerLineFunc
	if cfg.Estimator.Calibrate {
		perLine = func(sample string) float64 { return tokenizer.PerLine(sample, tokenizer.Count) }
		slog.Info("estimator calibration", "tiktoken", tokenizer.Available())
	}
	estimator := estimate.New(estimate.Config{
		BaseLines:            cfg.Estimator.BaseLines,
		LinesPerExport:       cfg.Estimator.LinesPerExport,
		TokensPerLine:        cfg.Estimator.TokensPerLine,
		DefaultTokensPerLine: cfg.Estimator.DefaultTokensPerLine,
	}, perLine)

	engine := merge.NewEngine(treesitter.NewGoParser(), treesitter.NewPythonParser())
	slog.Info("merge engine ready", "languages", engine.Languages())

	var nudges messagequeue.Queue
	if infra.queue != nil && cfg.NATS.Nudges {
		nudges = infra.queue
	}
	signals := service.NewSignals(nudges)

	docs := service.NewDocumentService(infra.kv, engine, cfg.Handoff.MaxCASAttempts)
	docs.SetMetrics(metrics)

	coord := service.NewHandoffService(infra.kv, estimator, docs, signals, cfg.Handoff)
	coord.SetMetrics(metrics)
	coord.SetCache(snapshots, cfg.Cache.TTL)

	recv := service.NewReceiverService(infra.kv, docs, signals, cfg.Handoff)
	recv.SetMetrics(metrics)

	var archiver *service.ArchiveService
	if infra.events != nil {
		coord.SetArchive(infra.events)
		breaker := resilience.NewBreaker("archive", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
		archiver = service.NewArchiveService(infra.kv, infra.events, breaker, cfg.Archive)
		archiver.SetMetrics(metrics)
	}

	// --- HTTP Server ---

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(cfotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/health", healthHandler(holder))
	r.Get("/ready", readyHandler(infra))
	r.With(middleware.HandoffID).Get("/handoffs/{id}", handoffHandler(coord))
	r.Get("/documents/*", documentHandler(docs))
	r.Get("/agents/{agent}/queue", queueHandler(recv))

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return signals.Run(gctx, infra.kv) })
	if archiver != nil {
		g.Go(func() error { return archiver.Run(gctx) })
	}
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reload(gctx, holder)
		return nil
	})

	return g.Wait()
}

// reload re-reads the config file on SIGHUP. Only settings read per request
// (log level reporting, health output) pick up the change.
func reload(ctx context.Context, holder *config.Holder) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed", "error", err)
			}
		}
	}
}
