// Package worker drains the audit job queue: each acquired job runs the
// dataset pipeline for one audit, uploads the artifacts and stores the
// parsed rows.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/config"
	"github.com/lucianasi/C4Audit/internal/db"
	"github.com/lucianasi/C4Audit/internal/model"
	"github.com/lucianasi/C4Audit/internal/pipeline"
	"github.com/lucianasi/C4Audit/internal/s3"
)

// Queue is the part of db.Store the runner needs.
type Queue interface {
	AcquireNextQueued(ctx context.Context, workerID string) (*db.Job, error)
	InsertEvent(ctx context.Context, jobID string, ts time.Time, stage, detail string, pct *int) error
	UpdateProgress(ctx context.Context, id string, pct int, msg string) error
	MarkDone(ctx context.Context, id, reportBucket, reportKey, metricsKey string, summaryJSON []byte) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	ReplaceAuditIssues(ctx context.Context, rep *model.AuditReport) error
	ReplaceFunctionMetrics(ctx context.Context, auditID string, rows []model.FunctionMetric) error
	ReplaceFileClassifications(ctx context.Context, auditID string, files []model.ClassifiedFile) error
	FailStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error)
	RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error)
}

type Uploader interface {
	UploadFile(ctx context.Context, bucket, key, filePath, contentType string) error
}

type Processor interface {
	Process(ctx context.Context, sourceURL string, obs pipeline.Observer) (*pipeline.Outcome, error)
}

const (
	uploadAttempts = 4
	uploadDelay    = 500 * time.Millisecond
	idleMin        = 500 * time.Millisecond
	idleMax        = 5 * time.Second
)

type Runner struct {
	cfg      config.Config
	q        Queue
	s3       Uploader
	pipe     Processor
	workerID string
	log      zerolog.Logger
}

// NewRunner returns a Runner. up may be nil, in which case artifacts stay
// on local disk only.
func NewRunner(cfg config.Config, q Queue, up Uploader, p Processor, log zerolog.Logger) *Runner {
	id := uuid.NewString()
	return &Runner{
		cfg:      cfg,
		q:        q,
		s3:       up,
		pipe:     p,
		workerID: id,
		log:      log.With().Str("worker_id", id).Logger(),
	}
}

func (r *Runner) WorkerID() string { return r.workerID }

// sourceURL falls back to the reports index for jobs enqueued by id only.
func (r *Runner) sourceURL(j *db.Job) string {
	if j.SourceURL != "" {
		return j.SourceURL
	}
	return strings.TrimRight(r.cfg.ReportsIndexURL, "/") + "/" + j.AuditID
}

func (r *Runner) processJob(ctx context.Context, j *db.Job) (string, error) {
	log := r.log.With().Str("job", j.ID).Str("audit", j.AuditID).Logger()
	if r.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.JobTimeout)
		defer cancel()
	}

	u := r.sourceURL(j)
	log.Info().Str("url", u).Msg("job starting")
	out, err := r.pipe.Process(ctx, u, r.observer(ctx, j.ID, log))
	if err != nil {
		return "", err
	}

	var bucket, reportKey, metricsKey string
	if r.s3 != nil && out.Skipped == nil {
		bucket = r.cfg.ReportsBucket
		reportKey = s3.ReportKey(out.AuditID)
		if err := r.upload(ctx, "report", bucket, reportKey, out.ReportPath, s3.ContentTypeJSON); err != nil {
			return "", err
		}
		if out.FunctionsPath != "" {
			metricsKey = s3.MetricsKey(out.AuditID)
			if err := r.upload(ctx, "metrics", bucket, metricsKey, out.FunctionsPath, s3.ContentTypeCSV); err != nil {
				return "", err
			}
		}
	}

	if out.Report != nil {
		if err := r.q.ReplaceAuditIssues(ctx, out.Report); err != nil {
			return "", fmt.Errorf("store issues: %w", err)
		}
	}
	if len(out.Functions) > 0 {
		if err := r.q.ReplaceFunctionMetrics(ctx, out.AuditID, out.Functions); err != nil {
			return "", fmt.Errorf("store function metrics: %w", err)
		}
		if err := r.q.ReplaceFileClassifications(ctx, out.AuditID, out.Files); err != nil {
			return "", fmt.Errorf("store classifications: %w", err)
		}
	}

	summary := out.Summary()
	sumBytes, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	// The job context may be close to its deadline; finishing must not fail
	// because of it.
	dbctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.q.MarkDone(dbctx, j.ID, bucket, reportKey, metricsKey, sumBytes); err != nil {
		return "", fmt.Errorf("mark done: %w", err)
	}

	outcome := "done"
	if out.Skipped != nil {
		outcome = "skipped"
	}
	log.Info().
		Str("outcome", outcome).
		Int("issues", summary.Issues.Total).
		Int("repositories", summary.Repositories).
		Int("functions", summary.Functions).
		Str("report_key", reportKey).
		Msg("job completed")
	return outcome, nil
}

func (r *Runner) upload(ctx context.Context, kind, bucket, key, path, contentType string) error {
	err := pipeline.Retry(ctx, uploadAttempts, uploadDelay, pipeline.Transient, func() error {
		return r.s3.UploadFile(ctx, bucket, key, path, contentType)
	})
	recordUpload(kind, err)
	if err != nil {
		return fmt.Errorf("upload %s to %s/%s: %w", kind, bucket, key, err)
	}
	return nil
}

// runJob processes j and records the result. Jobs interrupted by shutdown
// are left running so the next worker start requeues them.
func (r *Runner) runJob(ctx context.Context, j *db.Job) {
	start := time.Now()
	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	outcome, err := r.processJob(ctx, j)
	if err != nil {
		if ctx.Err() != nil {
			r.log.Warn().Err(err).Str("job", j.ID).Msg("job interrupted by shutdown")
			outcome = "interrupted"
		} else {
			r.log.Error().Err(err).Str("job", j.ID).Str("audit", j.AuditID).Msg("job failed")
			outcome = "failed"
			dbctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := r.q.MarkFailed(dbctx, j.ID, err.Error()); err != nil {
				r.log.Error().Err(err).Str("job", j.ID).Msg("mark failed")
			}
			cancel()
		}
	}
	recordJob(outcome, time.Since(start).Seconds())
}

// RecoverStaleJobs requeues jobs orphaned by a crashed worker.
func (r *Runner) RecoverStaleJobs(ctx context.Context) {
	ids, err := r.q.RequeueStaleRunning(ctx, r.cfg.StaleAfter)
	if err != nil {
		r.log.Error().Err(err).Msg("requeue stale jobs")
		return
	}
	if len(ids) > 0 {
		staleJobsTotal.WithLabelValues("requeued").Add(float64(len(ids)))
		r.log.Warn().Strs("jobs", ids).Msg("requeued stale running jobs")
	}
}

func (r *Runner) sweepStale(ctx context.Context) {
	ids, err := r.q.FailStaleRunning(ctx, r.cfg.JobTimeout)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error().Err(err).Msg("fail stale jobs")
		}
		return
	}
	if len(ids) > 0 {
		staleJobsTotal.WithLabelValues("failed").Add(float64(len(ids)))
		r.log.Warn().Strs("jobs", ids).Msg("failed running jobs without heartbeat")
	}
}

func sweepInterval(timeout time.Duration) time.Duration {
	return min(max(timeout/4, time.Second), time.Minute)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// RunForever acquires jobs until ctx is cancelled, running at most
// WorkerConcurrency at a time, and waits for in-flight jobs before
// returning.
func (r *Runner) RunForever(ctx context.Context) error {
	concurrency := max(r.cfg.WorkerConcurrency, 1)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	if r.cfg.JobTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tick := time.NewTicker(sweepInterval(r.cfg.JobTimeout))
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					r.sweepStale(ctx)
				}
			}
		}()
	}

	backoff := idleMin
	for {
		select {
		case <-ctx.Done():
			return nil
		case sem <- struct{}{}:
		}

		j, err := r.q.AcquireNextQueued(ctx, r.workerID)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				r.log.Error().Err(err).Msg("acquire job")
			}
			sleepCtx(ctx, backoff)
			backoff = min(backoff*2, idleMax)
			continue
		}
		backoff = idleMin

		wg.Add(1)
		go func(job *db.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runJob(ctx, job)
		}(j)
	}
}
