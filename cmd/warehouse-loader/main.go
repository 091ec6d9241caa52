package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/warehouse-loader/internal/config"
	"github.com/malbeclabs/warehouse-loader/internal/cycle"
	"github.com/malbeclabs/warehouse-loader/internal/health"
	"github.com/malbeclabs/warehouse-loader/internal/loader"
	"github.com/malbeclabs/warehouse-loader/internal/logging"
	"github.com/malbeclabs/warehouse-loader/internal/metrics"
	"github.com/malbeclabs/warehouse-loader/internal/objectstore"
	"github.com/malbeclabs/warehouse-loader/internal/statusdb"
	"github.com/malbeclabs/warehouse-loader/internal/watcher"

	"github.com/jonboulle/clockwork"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPathFlag := flag.StringP("config", "c", "./etc/config.yaml", "path to the process configuration file")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	healthAddrFlag := flag.String("health-addr", "0.0.0.0:8080", "address to listen on for the debug/health HTTP server")

	flag.Parse()

	log := logging.New(*verboseFlag)
	log.Info("warehouse-loader starting", "version", version, "commit", commit, "date", date)
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	cfg, err := config.Load(*configPathFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The IAM-role-vs-static-credentials branch is rendered at COPY statement
	// build time (see sqlbuild); the object store itself always resolves
	// credentials from the default AWS chain.
	store, err := objectstore.New(ctx, cfg.S3.Bucket, "", "")
	if err != nil {
		return fmt.Errorf("failed to initialize object store client: %w", err)
	}

	var statusDB *statusdb.DB
	if cfg.StatusDB != nil {
		statusDB, err = statusdb.Open(ctx, statusdb.Config{
			Host:     cfg.StatusDB.Host,
			Port:     cfg.StatusDB.Port,
			Database: cfg.StatusDB.Database,
			Username: cfg.StatusDB.Username,
			Password: cfg.StatusDB.Password,
			SSLMode:  cfg.StatusDB.SSLMode,
			Schema:   cfg.StatusDB.Schema,
			Table:    cfg.StatusDB.Table,
		})
		if err != nil {
			return fmt.Errorf("failed to open status db: %w", err)
		}
		defer statusDB.Close()
		log.Info("status db lifecycle stamping enabled", "host", cfg.StatusDB.Host, "database", cfg.StatusDB.Database)
	} else {
		log.Info("status db not configured, lifecycle stamping disabled")
	}

	clock := clockwork.NewRealClock()

	var readyFn health.ReadyFunc
	if statusDB != nil {
		readyFn = func() error { return statusDB.Ping(ctx) }
	}
	healthSrv, err := health.New(health.Config{
		Addr:        *healthAddrFlag,
		EnablePprof: !config.IsProd(),
		Ready:       readyFn,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize health server: %w", err)
	}
	go func() {
		if err := healthSrv.Start(); err != nil {
			log.Error("health server stopped with error", "error", err)
		}
	}()

	keyPattern, err := regexp.Compile(cfg.S3.KeyPattern)
	if err != nil {
		return fmt.Errorf("invalid s3.key-pattern: %w", err)
	}

	depsFactory := func(dir string) *cycle.Deps {
		var su cycle.StatusUpdater
		if statusDB != nil {
			su = statusDB
		}
		return &cycle.Deps{
			Store:       store,
			Creds:       store,
			StatusDB:    su,
			LoadTable:   loader.LoadTable,
			QueryErrors: loader.QueryLoadErrors,
			Clock:       clock,
			Log:         log,
		}
	}

	poll := watcher.PollInterval{
		Base:   cfg.S3.PollInterval.Duration(),
		Jitter: cfg.S3.PollInterval.Jitter(),
	}

	bucketWatcher := watcher.NewBucketWatcher(store, "", keyPattern, poll, clock, log, 0)
	spawner := watcher.NewKeyWatcherSpawner(bucketWatcher.NewDirectories, depsFactory, poll, clock, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { bucketWatcher.Run(gctx); return nil })
	g.Go(func() error { spawner.Run(gctx); return nil })

	<-ctx.Done()
	log.Info("shutdown signal received, stopping watchers")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown error", "error", err)
	}

	bucketWatcher.Stop()
	spawner.Stop()
	if err := g.Wait(); err != nil {
		log.Warn("watcher goroutine group returned an error", "error", err)
	}

	log.Info("warehouse-loader stopped")
	return nil
}
