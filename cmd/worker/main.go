package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/config"
	"github.com/lucianasi/C4Audit/internal/db"
	xlog "github.com/lucianasi/C4Audit/internal/log"
	"github.com/lucianasi/C4Audit/internal/pipeline"
	s3c "github.com/lucianasi/C4Audit/internal/s3"
	"github.com/lucianasi/C4Audit/internal/worker"
)

func main() {
	// .env files are optional; try the working directory and one level up
	// for runs from cmd/worker.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	cfg := config.Load()
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "c4audit-worker"})
	log := xlog.WithComponent("worker")

	if err := cfg.ValidateQueue(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping")
	}
	if err := store.EnsureSchema(ctx); err != nil {
		if db.IsInsufficientPrivilege(err) {
			log.Warn().Err(err).Msg("ensure schema skipped due to insufficient privilege")
		} else {
			log.Fatal().Err(err).Msg("ensure schema")
		}
	}

	var uploader worker.Uploader
	if cfg.S3Enabled() {
		client, err := s3c.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client")
		}
		if err := client.EnsureBucket(ctx, cfg.ReportsBucket); err != nil {
			log.Fatal().Err(err).Msg("reports bucket")
		}
		uploader = client
	} else {
		log.Warn().Msg("S3_ENDPOINT or REPORTS_BUCKET not set, artifacts stay on local disk")
	}

	pipe, err := pipeline.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline")
	}

	if addr := cfg.HTTPAddr; addr != "" {
		go serveHTTP(ctx, addr, store, log)
	}

	r := worker.NewRunner(cfg, store, uploader, pipe, log)
	log.Info().
		Str("worker_id", r.WorkerID()).
		Int("concurrency", cfg.WorkerConcurrency).
		Str("data_dir", cfg.DataDir).
		Msg("worker starting")

	r.RecoverStaleJobs(ctx)

	if err := r.RunForever(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
	log.Info().Msg("worker stopped")
}

// serveHTTP exposes /healthz, which checks the database with a 2s timeout,
// and /metrics.
func serveHTTP(ctx context.Context, addr string, store *db.Store, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			log.Warn().Err(err).Msg("healthz: db ping failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","reason":"db unreachable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shctx)
	}()
	log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("http server")
	}
}
