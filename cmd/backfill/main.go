// Command backfill fills the issue, metric and classification tables for
// audits processed before those tables existed, either from the artifacts
// of done jobs in object storage or from a local dataset directory.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/classify"
	"github.com/lucianasi/C4Audit/internal/config"
	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/db"
	"github.com/lucianasi/C4Audit/internal/lizard"
	xlog "github.com/lucianasi/C4Audit/internal/log"
	"github.com/lucianasi/C4Audit/internal/model"
	"github.com/lucianasi/C4Audit/internal/pipeline"
	"github.com/lucianasi/C4Audit/internal/report"
	"github.com/lucianasi/C4Audit/internal/s3"
)

type backfiller struct {
	store      *db.Store
	classifier *classify.Classifier
	log        zerolog.Logger
}

func main() {
	var (
		batchSize = flag.Int("batch-size", 25, "number of jobs to ingest per batch")
		maxJobs   = flag.Int("max-jobs", 0, "maximum jobs to ingest (0 = unlimited)")
		dir       = flag.String("dir", "", "ingest a local dataset directory instead of object storage")
	)
	flag.Parse()

	_ = godotenv.Load(".env")
	cfg := config.Load()
	xlog.Configure(xlog.Config{Level: cfg.LogLevel, Service: "c4audit-backfill"})
	log := xlog.WithComponent("backfill")

	if err := cfg.ValidateQueue(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db open")
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		if db.IsInsufficientPrivilege(err) {
			log.Warn().Err(err).Msg("ensure schema skipped due to insufficient privilege")
		} else {
			log.Fatal().Err(err).Msg("ensure schema")
		}
	}

	overrides, err := pipeline.Overrides(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load overrides")
	}
	b := &backfiller{
		store:      store,
		classifier: &classify.Classifier{Strip: 1, Overrides: overrides, Log: xlog.WithComponent("classify")},
		log:        log,
	}

	if *dir != "" {
		if err := b.fromDir(ctx, dataset.New(*dir), *maxJobs); err != nil {
			log.Fatal().Err(err).Msg("backfill from directory")
		}
		return
	}

	if err := cfg.ValidateStorage(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	client, err := s3.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3UseSSL)
	if err != nil {
		log.Fatal().Err(err).Msg("s3 client")
	}
	if err := b.fromStorage(ctx, client, *batchSize, *maxJobs); err != nil {
		log.Fatal().Err(err).Msg("backfill from object storage")
	}
}

func (b *backfiller) fromStorage(ctx context.Context, client *s3.Client, batchSize, maxJobs int) error {
	tmpRoot, err := os.MkdirTemp("", "c4audit-backfill-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpRoot)

	if batchSize <= 0 {
		batchSize = 25
	}
	var (
		after                     *db.BackfillJob
		total, okCount, failCount int
	)
	for ctx.Err() == nil {
		if maxJobs > 0 && total >= maxJobs {
			break
		}
		listCtx, listCancel := context.WithTimeout(ctx, 20*time.Second)
		candidates, err := b.store.ListBackfillCandidates(listCtx, after, batchSize)
		listCancel()
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			break
		}
		after = &candidates[len(candidates)-1]

		for _, c := range candidates {
			if maxJobs > 0 && total >= maxJobs {
				break
			}
			total++
			if err := b.ingestJob(ctx, client, tmpRoot, c); err != nil {
				failCount++
				b.log.Error().Err(err).Str("job", c.ID).Str("audit", c.AuditID).Msg("backfill failed")
				continue
			}
			okCount++
		}
	}

	b.log.Info().Int("processed", total).Int("ok", okCount).Int("failed", failCount).Msg("backfill complete")
	return ctx.Err()
}

func (b *backfiller) ingestJob(ctx context.Context, client *s3.Client, tmpRoot string, c db.BackfillJob) error {
	reportFile := filepath.Join(tmpRoot, c.ID+".report.json")
	defer os.Remove(reportFile)

	dlCtx, dlCancel := context.WithTimeout(ctx, 8*time.Minute)
	err := client.DownloadToFile(dlCtx, c.ReportBucket, c.ReportKey, reportFile)
	dlCancel()
	if err != nil {
		return err
	}
	var rep model.AuditReport
	if err := dataset.ReadJSON(reportFile, &rep); err != nil {
		return err
	}
	if rep.AuditID == "" {
		rep.AuditID = c.AuditID
	}

	var rows []model.FunctionMetric
	if c.MetricsKey != nil {
		metricsFile := filepath.Join(tmpRoot, c.ID+".functions.csv")
		defer os.Remove(metricsFile)
		dlCtx, dlCancel := context.WithTimeout(ctx, 8*time.Minute)
		err := client.DownloadToFile(dlCtx, c.ReportBucket, *c.MetricsKey, metricsFile)
		dlCancel()
		if err != nil {
			return err
		}
		if rows, err = lizard.ReadFunctions(metricsFile); err != nil {
			return err
		}
	}
	return b.ingest(ctx, &rep, rows)
}

func (b *backfiller) fromDir(ctx context.Context, l dataset.Layout, maxAudits int) error {
	ids, err := l.ReportIDs()
	if err != nil {
		return err
	}
	var okCount, failCount int
	for i, id := range ids {
		if ctx.Err() != nil || (maxAudits > 0 && i >= maxAudits) {
			break
		}
		rep, err := report.Load(l, id)
		if err != nil {
			failCount++
			b.log.Error().Err(err).Str("audit", id).Msg("load report")
			continue
		}
		rows, err := lizard.ReadFunctions(l.FunctionsFile(id))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			failCount++
			b.log.Error().Err(err).Str("audit", id).Msg("read functions.csv")
			continue
		}
		if err := b.ingest(ctx, rep, rows); err != nil {
			failCount++
			b.log.Error().Err(err).Str("audit", id).Msg("ingest")
			continue
		}
		okCount++
	}
	b.log.Info().Int("audits", len(ids)).Int("ok", okCount).Int("failed", failCount).Msg("backfill complete")
	return ctx.Err()
}

func (b *backfiller) ingest(ctx context.Context, rep *model.AuditReport, rows []model.FunctionMetric) error {
	ingestCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := b.store.ReplaceAuditIssues(ingestCtx, rep); err != nil {
		return err
	}
	if len(rows) > 0 {
		if err := b.store.ReplaceFunctionMetrics(ingestCtx, rep.AuditID, rows); err != nil {
			return err
		}
		files := b.classifier.ClassifyAudit(rep.AuditID, classify.SumByFile(rows))
		if err := b.store.ReplaceFileClassifications(ingestCtx, rep.AuditID, files); err != nil {
			return err
		}
	}
	b.log.Info().Str("audit", rep.AuditID).Int("issues", len(rep.Issues)).Int("functions", len(rows)).Msg("ingested")
	return nil
}
