// Command hived runs the Hive coordination daemon: the event ledger and
// its projections, the durable-stream server, the session indexer and
// the JSONL flush loop, all over one SQLite database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/hive/internal/bus"
	"github.com/basket/hive/internal/config"
	"github.com/basket/hive/internal/embedding"
	"github.com/basket/hive/internal/hive"
	"github.com/basket/hive/internal/memory"
	hiveotel "github.com/basket/hive/internal/otel"
	"github.com/basket/hive/internal/sessions"
	"github.com/basket/hive/internal/storage"
	"github.com/basket/hive/internal/stream"
	hivesync "github.com/basket/hive/internal/sync"
	"github.com/basket/hive/internal/telemetry"
	"github.com/robfig/cron/v3"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

const (
	exitOK       = 0
	exitUsage    = 2
	exitMissing  = 3
	exitInternal = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	home := flag.String("home", "", "data directory (default $HIVE_HOME or ~/.hive)")
	project := flag.String("project", "", "project key: the repository this daemon coordinates (default cwd)")
	addr := flag.String("addr", "", "stream server bind address (overrides config)")
	quiet := flag.Bool("quiet", false, "log to file only")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("hived", Version)
		return exitOK
	}
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", flag.Arg(0))
		flag.Usage()
		return exitUsage
	}

	projectKey := *project
	if projectKey == "" {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "resolve project key:", err)
			return exitMissing
		}
		projectKey = cwd
	}

	cfg, err := config.Load(*home)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return exitUsage
	}
	if *addr != "" {
		cfg.BindAddr = *addr
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logging:", err)
		return exitMissing
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.OTel.HomeDir = cfg.HomeDir
	otelProvider, err := hiveotel.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("init otel", "error", err)
		return exitInternal
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := hiveotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("init metrics", "error", err)
		return exitInternal
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open database", "path", cfg.DBPath, "error", err)
		return exitMissing
	}
	defer db.Close()

	migrations := append(hive.Migrations(), memory.Migrations()...)
	if err := storage.Migrate(ctx, db, migrations); err != nil {
		logger.Error("migrate schema", "error", err)
		return exitInternal
	}

	eventBus := bus.New()
	store := hive.New(db, eventBus, logger,
		hive.WithTracer(otelProvider.Tracer),
		hive.WithMetrics(metrics))

	embedClient := embedding.New(cfg.Embedder.Host, cfg.Embedder.Model,
		cfg.Embedder.Dimension, cfg.EmbedTimeout(),
		embedding.WithTracer(otelProvider.Tracer))
	memStore := memory.New(db, embedClient, cfg.Embedder.Dimension, logger)
	if ok, model := embedClient.CheckHealth(ctx); ok {
		logger.Info("embedder available", "model", model)
	} else {
		logger.Warn("embedder unavailable, search degrades to fts", "host", cfg.Embedder.Host)
	}

	syncer, err := hivesync.NewSyncer(store, logger)
	if err != nil {
		logger.Error("init syncer", "error", err)
		return exitInternal
	}
	syncer.TombstoneTTL = time.Duration(cfg.Sync.TombstoneTTLDays) * 24 * time.Hour
	flusher := hivesync.NewFlushManager(syncer, eventBus, logger, projectKey, cfg.FlushDebounce())
	flusher.Start(ctx)
	defer flusher.Stop()

	streamServer := stream.New(store, eventBus, logger,
		stream.WithTracer(otelProvider.Tracer),
		stream.WithMetrics(metrics))
	if err := streamServer.Start(cfg.BindAddr); err != nil {
		logger.Error("start stream server", "addr", cfg.BindAddr, "error", err)
		return exitInternal
	}
	defer func() {
		if err := streamServer.Stop(context.Background()); err != nil {
			logger.Warn("stop stream server", "error", err)
		}
	}()

	watcher := sessions.NewWatcher(sessions.WatcherConfig{
		Dirs:     cfg.Sessions.WatchDirs,
		Suffix:   cfg.Sessions.Suffix,
		Debounce: cfg.SessionDebounce(),
	}, logger)
	pipeline := sessions.NewPipeline(memStore, embedClient, cfg.Sessions.Concurrency, logger)
	tracker := sessions.NewStalenessTracker(db)
	indexer := sessions.NewIndexer(watcher, pipeline, tracker, memStore, eventBus, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("start session watcher", "error", err)
		return exitInternal
	}
	defer watcher.Stop()
	go indexer.Run(ctx)

	scheduler := startMaintenance(ctx, logger, db, store, projectKey, syncer.TombstoneTTL, cfg.WalThresholdMB)
	defer scheduler.Stop()

	logger.Info("hived running",
		"version", Version,
		"project", projectKey,
		"db", cfg.DBPath,
		"addr", streamServer.Addr())

	<-ctx.Done()
	logger.Info("shutting down")

	// Final flush so .hive/issues.jsonl reflects the last appends, then
	// checkpoint so the WAL doesn't outlive the process.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := flusher.Flush(flushCtx); err != nil {
		logger.Warn("final flush failed", "error", err)
	}
	if err := db.Checkpoint(flushCtx); err != nil {
		logger.Warn("final checkpoint failed", "error", err)
	}
	return exitOK
}

// startMaintenance schedules the periodic jobs: WAL health +
// checkpoint, tombstone promotion and GC, reservation sweeps.
func startMaintenance(ctx context.Context, logger *slog.Logger, db *storage.DB, store *hive.Store, project string, tombstoneTTL time.Duration, walThresholdMB int) *cron.Cron {
	c := cron.New()

	_, _ = c.AddFunc("@every 10m", func() {
		health, err := db.CheckWalHealth(ctx, walThresholdMB)
		if err != nil {
			logger.Warn("wal health check failed", "error", err)
			return
		}
		if !health.Healthy {
			logger.Warn("wal bloat", "message", health.Message)
		}
		if err := db.Checkpoint(ctx); err != nil {
			logger.Warn("wal checkpoint failed", "error", err)
		}
	})

	_, _ = c.AddFunc("@every 1h", func() {
		if n, err := store.PromoteTombstones(ctx, project, tombstoneTTL); err != nil {
			logger.Warn("tombstone promotion failed", "error", err)
		} else if n > 0 {
			logger.Info("promoted deleted beads to tombstones", "count", n)
		}
		if n, err := store.GCExpiredTombstones(ctx, project, tombstoneTTL); err != nil {
			logger.Warn("tombstone gc failed", "error", err)
		} else if n > 0 {
			logger.Info("garbage-collected expired tombstones", "count", n)
		}
	})

	_, _ = c.AddFunc("@every 1m", func() {
		if n, err := store.SweepExpiredReservations(ctx, project); err != nil {
			logger.Warn("reservation sweep failed", "error", err)
		} else if n > 0 {
			logger.Info("released expired reservations", "count", n)
		}
	})

	c.Start()
	return c
}
