/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// The migrator binary runs migration passes that move aged records from the
// hot store to the cold archive. It runs once and exits by default; with
// --schedule it keeps running passes on a cron schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/tundralabs/tundra/internal/index"
	"github.com/tundralabs/tundra/internal/index/pgindex"
	"github.com/tundralabs/tundra/internal/index/redisindex"
	"github.com/tundralabs/tundra/internal/migration"
	"github.com/tundralabs/tundra/internal/store/cold"
	"github.com/tundralabs/tundra/internal/store/hot"
	"github.com/tundralabs/tundra/internal/store/redishot"
	"github.com/tundralabs/tundra/pkg/logging"
	"github.com/tundralabs/tundra/pkg/metrics"
)

// flags groups all CLI flags for the migrator binary.
type flags struct {
	retentionConfigPath string
	batchSize           int
	maxRetries          int
	rateLimit           float64
	concurrency         int
	dryRun              bool
	schedule            string
	metricsAddr         string
	indexBackend        string
	redisAddrs          string
	postgresConn        string
	coldBackend         string
	coldBucket          string
	coldRegion          string
	coldEndpoint        string
	coldPrefix          string
	migrateSchema       bool
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.retentionConfigPath, "retention-config", "",
		"Path to retention policy YAML (optional)")
	flag.IntVar(&f.batchSize, "batch-size", 1000, "Records per batch")
	flag.IntVar(&f.maxRetries, "max-retries", 3, "Max retry attempts per op")
	flag.Float64Var(&f.rateLimit, "rate-limit", 0, "Max records/sec (0 = unlimited)")
	flag.IntVar(&f.concurrency, "concurrency", 8, "Records migrated in parallel")
	flag.BoolVar(&f.dryRun, "dry-run", false, "Log without writing")
	flag.StringVar(&f.schedule, "schedule", "",
		"Cron schedule for repeated passes (empty = run once)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", ":9090", "Metrics address")
	flag.StringVar(&f.indexBackend, "index-backend", "redis",
		"Location index backend: redis or postgres")
	flag.StringVar(&f.redisAddrs, "redis-addrs", "", "Redis addresses (csv)")
	flag.StringVar(&f.postgresConn, "postgres-conn", "", "Postgres conn string")
	flag.StringVar(&f.coldBackend, "cold-backend", "s3", "Cold backend type")
	flag.StringVar(&f.coldBucket, "cold-bucket", "", "Cold bucket name")
	flag.StringVar(&f.coldRegion, "cold-region", "", "Cold region (S3)")
	flag.StringVar(&f.coldEndpoint, "cold-endpoint", "", "Cold endpoint (S3)")
	flag.StringVar(&f.coldPrefix, "cold-prefix", "", "Base prefix for cold object paths")
	flag.BoolVar(&f.migrateSchema, "migrate-schema", false,
		"Apply location index schema migrations before running (postgres only)")
	flag.Parse()

	// Env var fallbacks for secrets.
	if f.postgresConn == "" {
		f.postgresConn = os.Getenv("POSTGRES_CONN")
	}
	if f.redisAddrs == "" {
		f.redisAddrs = os.Getenv("REDIS_ADDRS")
	}
	if f.coldBackend == "s3" && os.Getenv("COLD_BACKEND") != "" {
		f.coldBackend = os.Getenv("COLD_BACKEND")
	}
	if f.coldBucket == "" {
		f.coldBucket = os.Getenv("COLD_BUCKET")
	}
	return f
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	// --- Logger ---
	logger, err := logging.NewZapLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	// --- Signal context ---
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	// --- Metrics server (goroutine) ---
	migrationMetrics := metrics.NewMigrationMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: f.metricsAddr, Handler: mux}
	go func() {
		log.Infow("starting metrics server", "addr", f.metricsAddr)
		if srvErr := srv.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			log.Errorw("metrics server error", "error", srvErr)
		}
	}()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer shutCancel()
		_ = srv.Shutdown(shutCtx)
	}()

	// --- Retention policy ---
	policy := migration.DefaultRetentionPolicy()
	if f.retentionConfigPath != "" {
		policy, err = migration.LoadRetentionPolicy(f.retentionConfigPath)
		if err != nil {
			return fmt.Errorf("loading retention policy: %w", err)
		}
	}

	// --- Schema migrations (postgres index only) ---
	if f.migrateSchema && f.indexBackend == "postgres" {
		migrator, err := pgindex.NewMigrator(f.postgresConn, zapr.NewLogger(logger))
		if err != nil {
			return fmt.Errorf("creating schema migrator: %w", err)
		}
		if err := migrator.Up(); err != nil {
			_ = migrator.Close()
			return err
		}
		_ = migrator.Close()
	}

	// --- Backends ---
	hotStore, archive, locIndex, cleanup, err := initBackends(ctx, f)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Worker ---
	workerCfg := migration.Config{
		BatchSize:      f.batchSize,
		MaxRetries:     f.maxRetries,
		RetryBaseDelay: 500 * time.Millisecond,
		RatePerSecond:  f.rateLimit,
		Concurrency:    f.concurrency,
		DryRun:         f.dryRun,
	}
	worker := migration.NewWorker(
		hotStore, archive, locIndex, policy, workerCfg, migrationMetrics, log,
	)

	runPass := func() error {
		report, err := worker.Run(ctx)
		if err != nil {
			log.Errorw("migration pass failed", "error", err)
			return err
		}
		log.Infow("migration pass finished",
			"runID", report.RunID,
			"moved", report.Moved,
			"skipped", report.Skipped,
			"failed", report.Failed,
			"batchesProcessed", report.BatchesProcessed,
			"errors", len(report.Errors),
		)
		for _, e := range report.Errors {
			log.Warnw("deferred record", "error", e)
		}
		return nil
	}

	if f.schedule == "" {
		return runPass()
	}

	// Scheduled mode: run passes on the cron schedule until signalled.
	// SkipIfStillRunning keeps passes from overlapping.
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	if _, err := c.AddFunc(f.schedule, func() { _ = runPass() }); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", f.schedule, err)
	}
	log.Infow("starting scheduled migration", "schedule", f.schedule)
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// initBackends creates the hot store, cold archive, and location index, and
// returns a cleanup function that closes them in reverse order.
func initBackends(
	ctx context.Context, f *flags,
) (hot.Store, *cold.Archive, index.LocationIndex, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (hot.Store, *cold.Archive, index.LocationIndex, func(), error) {
		cleanup()
		return nil, nil, nil, nil, err
	}

	// Hot store (required)
	if f.redisAddrs == "" {
		return fail(fmt.Errorf("--redis-addrs or REDIS_ADDRS is required"))
	}
	hotCfg := redishot.DefaultConfig()
	hotCfg.Addrs = strings.Split(f.redisAddrs, ",")
	hotStore, err := redishot.New(hotCfg)
	if err != nil {
		return fail(fmt.Errorf("creating hot store: %w", err))
	}
	cleanups = append(cleanups, func() { _ = hotStore.Close() })

	// Cold archive (required)
	if f.coldBucket == "" {
		return fail(fmt.Errorf("--cold-bucket or COLD_BUCKET is required"))
	}
	breakerCfg := cold.DefaultBreakerConfig()
	coldCfg := cold.Config{
		Backend: cold.BackendType(f.coldBackend),
		Bucket:  f.coldBucket,
		Prefix:  f.coldPrefix,
		Breaker: &breakerCfg,
	}
	switch coldCfg.Backend {
	case cold.BackendS3:
		coldCfg.S3 = &cold.S3Config{
			Region:   f.coldRegion,
			Endpoint: f.coldEndpoint,
		}
	case cold.BackendGCS:
		coldCfg.GCS = &cold.GCSConfig{}
	case cold.BackendAzure:
		coldCfg.Azure = &cold.AzureConfig{}
	default:
		return fail(fmt.Errorf("unsupported cold backend: %s", f.coldBackend))
	}
	archive, err := cold.NewArchive(ctx, coldCfg)
	if err != nil {
		return fail(fmt.Errorf("creating cold archive: %w", err))
	}
	cleanups = append(cleanups, func() { _ = archive.Close() })

	// Location index (required)
	var locIndex index.LocationIndex
	switch f.indexBackend {
	case "redis":
		// Share the hot store's client; index and hot data live in the
		// same Redis deployment.
		locIndex = redisindex.NewFromClient(hotStore.RedisClient(), redisindex.DefaultOptions())
	case "postgres":
		if f.postgresConn == "" {
			return fail(fmt.Errorf("--postgres-conn or POSTGRES_CONN is required"))
		}
		pgCfg := pgindex.DefaultConfig()
		pgCfg.ConnString = f.postgresConn
		pgIndex, err := pgindex.New(pgCfg)
		if err != nil {
			return fail(fmt.Errorf("creating postgres index: %w", err))
		}
		cleanups = append(cleanups, func() { _ = pgIndex.Close() })
		locIndex = pgIndex
	default:
		return fail(fmt.Errorf("unsupported index backend: %s", f.indexBackend))
	}

	return hotStore, archive, locIndex, cleanup, nil
}
