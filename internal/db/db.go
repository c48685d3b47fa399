// Package db is the Postgres store behind the audit job queue and the
// relational copy of parsed reports and metrics.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const batchSize = 100

const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

type Store struct{ Pool *pgxpool.Pool }

func Open(ctx context.Context, url string) (*Store, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: p}, nil
}

func (s *Store) Close() { s.Pool.Close() }

type Job struct {
	ID           string
	Status       string
	AuditID      string
	SourceURL    string
	ProgressPct  int
	ProgressMsg  *string
	ReportBucket *string
	ReportKey    *string
	MetricsKey   *string
	ErrorMsg     *string
	WorkerID     *string
}

type BackfillJob struct {
	ID           string
	AuditID      string
	ReportBucket string
	ReportKey    string
	MetricsKey   *string
	// Finished is finished_at, or created_at when unset; with ID it orders
	// candidates for paging.
	Finished time.Time
}

// IsInsufficientPrivilege reports whether err is Postgres' 42501, returned
// when the role may use but not alter the schema.
func IsInsufficientPrivilege(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42501"
}

func (s *Store) notifyJobChanged(ctx context.Context, id string) {
	_, _ = s.Pool.Exec(ctx, `SELECT pg_notify('audit_job_events', $1)`, id)
}

// EnqueueAudit queues a job for auditID unless one is already queued or
// running. created is false when the existing job was kept.
func (s *Store) EnqueueAudit(ctx context.Context, id, auditID, sourceURL string) (jobID string, created bool, err error) {
	err = s.Pool.QueryRow(ctx, `
		INSERT INTO audit_jobs (id, status, audit_id, source_url)
		VALUES ($1::uuid, 'queued', $2, $3)
		ON CONFLICT (audit_id) WHERE status IN ('queued','running') DO NOTHING
		RETURNING id::text
	`, id, auditID, sourceURL).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.Pool.QueryRow(ctx, `
			SELECT id::text FROM audit_jobs
			WHERE audit_id=$1 AND status IN ('queued','running')
			ORDER BY created_at DESC
			LIMIT 1
		`, auditID).Scan(&jobID)
		return jobID, false, err
	}
	if err != nil {
		return "", false, err
	}
	s.notifyJobChanged(ctx, jobID)
	return jobID, true, nil
}

func (s *Store) InsertEvent(ctx context.Context, jobID string, ts time.Time, stage, detail string, pct *int) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO audit_events (job_id, ts, stage, detail, pct)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, ts, stage, detail, pct)
	return err
}

// AcquireNextQueued claims the oldest queued job. It returns pgx.ErrNoRows
// when the queue is empty.
func (s *Store) AcquireNextQueued(ctx context.Context, workerID string) (*Job, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT id::text, audit_id, COALESCE(source_url, '')
		FROM audit_jobs
		WHERE status='queued'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)
	var j Job
	if err := row.Scan(&j.ID, &j.AuditID, &j.SourceURL); err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE audit_jobs
		SET status='running', started_at=now(), progress_pct=0, progress_msg='starting',
		    worker_id=$2, attempts=attempts+1
		WHERE id=$1
	`, j.ID, workerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	j.Status = StatusRunning
	j.WorkerID = &workerID
	s.notifyJobChanged(ctx, j.ID)
	return &j, nil
}

// UpdateProgress never moves progress backwards.
func (s *Store) UpdateProgress(ctx context.Context, id string, pct int, msg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE audit_jobs
		SET progress_pct=GREATEST(progress_pct, $2),
		    progress_msg=CASE WHEN $2 >= progress_pct THEN $3 ELSE progress_msg END
		WHERE id=$1
		  AND status='running'
	`, id, pct, msg)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE audit_jobs
		SET status='failed',
		    finished_at=now(),
		    error_msg=$2,
		    progress_msg=COALESCE(progress_msg, $2)
		WHERE id=$1
		  AND status IN ('queued','running')
	`, id, errMsg)
	if err == nil {
		s.notifyJobChanged(ctx, id)
	}
	return err
}

// MarkDone records where the artifacts went and a small JSON summary.
// Empty bucket or keys are stored as NULL.
func (s *Store) MarkDone(ctx context.Context, id, reportBucket, reportKey, metricsKey string, summaryJSON []byte) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE audit_jobs
		SET status='done', finished_at=now(),
		    progress_pct=100, progress_msg='completed', error_msg=NULL,
		    report_bucket=$2, report_key=$3, metrics_key=$4, summary_json=$5::jsonb
		WHERE id=$1
	`, id, nullableString(reportBucket), nullableString(reportKey), nullableString(metricsKey), string(summaryJSON))
	if err == nil {
		s.notifyJobChanged(ctx, id)
	}
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.Pool.Ping(ctx)
}

// FailStaleRunning fails running jobs whose last event is older than
// idleFor. Jobs past 95% get four times as long since the final upload
// and ingest steps emit no events.
func (s *Store) FailStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	return s.updateReturningIDs(ctx, `
		WITH stale AS (
			SELECT j.id
			FROM audit_jobs j
			LEFT JOIN LATERAL (
				SELECT MAX(ts) AS last_event_ts
				FROM audit_events e
				WHERE e.job_id = j.id
			) ev ON true
			WHERE j.status='running'
			  AND COALESCE(ev.last_event_ts, j.started_at, j.created_at) < now() - (
				CASE
					WHEN j.progress_pct >= 95 THEN ($1::bigint * 4)
					ELSE $1::bigint
				END * interval '1 second'
			  )
		)
		UPDATE audit_jobs j
		SET status='failed',
		    finished_at=now(),
		    error_msg='worker timeout: no progress heartbeat',
		    progress_msg='worker timeout: no progress heartbeat'
		FROM stale
		WHERE j.id = stale.id
		RETURNING j.id::text
	`, seconds)
}

// RequeueStaleRunning puts jobs orphaned by a crashed worker back in the
// queue. Workers call it once at startup.
func (s *Store) RequeueStaleRunning(ctx context.Context, idleFor time.Duration) ([]string, error) {
	seconds := int64(idleFor.Seconds())
	if seconds <= 0 {
		return nil, nil
	}
	return s.updateReturningIDs(ctx, `
		WITH stale AS (
			SELECT j.id
			FROM audit_jobs j
			LEFT JOIN LATERAL (
				SELECT MAX(ts) AS last_event_ts
				FROM audit_events e
				WHERE e.job_id = j.id
			) ev ON true
			WHERE j.status='running'
			  AND COALESCE(ev.last_event_ts, j.started_at, j.created_at)
			      < now() - ($1::bigint * interval '1 second')
		)
		UPDATE audit_jobs j
		SET status='queued',
		    started_at=NULL,
		    worker_id=NULL,
		    progress_pct=0,
		    progress_msg='re-queued: previous worker lost'
		FROM stale
		WHERE j.id = stale.id
		RETURNING j.id::text
	`, seconds)
}

func (s *Store) updateReturningIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.notifyJobChanged(ctx, id)
	}
	return ids, nil
}

// ListBackfillCandidates returns done jobs with a stored report whose audit
// has no issue rows yet, ordered by (Finished, ID) and starting after the
// given job (nil starts from the beginning). Audits without issues stay
// candidates after ingest, so callers page with after.
func (s *Store) ListBackfillCandidates(ctx context.Context, after *BackfillJob, limit int) ([]BackfillJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var afterTS *time.Time
	var afterID *string
	if after != nil {
		afterTS, afterID = &after.Finished, &after.ID
	}
	rows, err := s.Pool.Query(ctx, `
SELECT j.id::text, j.audit_id, j.report_bucket, j.report_key, j.metrics_key,
       COALESCE(j.finished_at, j.created_at)
FROM audit_jobs j
WHERE j.status='done'
  AND j.report_bucket IS NOT NULL
  AND j.report_key IS NOT NULL
  AND NOT EXISTS (SELECT 1 FROM audit_issues i WHERE i.audit_id=j.audit_id)
  AND ($2::timestamptz IS NULL OR (COALESCE(j.finished_at, j.created_at), j.id) > ($2::timestamptz, $3::uuid))
ORDER BY COALESCE(j.finished_at, j.created_at), j.id
LIMIT $1
	`, limit, afterTS, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]BackfillJob, 0, limit)
	for rows.Next() {
		var j BackfillJob
		if err := rows.Scan(&j.ID, &j.AuditID, &j.ReportBucket, &j.ReportKey, &j.MetricsKey, &j.Finished); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_jobs (
  id UUID PRIMARY KEY,
  status TEXT NOT NULL CHECK (status IN ('queued','running','done','failed')),
  audit_id TEXT NOT NULL,
  source_url TEXT,
  worker_id TEXT,
  attempts INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  progress_pct INTEGER NOT NULL DEFAULT 0 CHECK (progress_pct BETWEEN 0 AND 100),
  progress_msg TEXT,
  report_bucket TEXT,
  report_key TEXT,
  metrics_key TEXT,
  error_msg TEXT,
  summary_json JSONB
);

ALTER TABLE audit_jobs ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0;
ALTER TABLE audit_jobs ADD COLUMN IF NOT EXISTS metrics_key TEXT;

CREATE INDEX IF NOT EXISTS idx_audit_jobs_status_created ON audit_jobs (status, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_jobs_active
  ON audit_jobs (audit_id) WHERE status IN ('queued','running');

CREATE TABLE IF NOT EXISTS audit_events (
  id BIGSERIAL PRIMARY KEY,
  job_id UUID NOT NULL REFERENCES audit_jobs(id) ON DELETE CASCADE,
  ts TIMESTAMPTZ NOT NULL DEFAULT now(),
  stage TEXT NOT NULL,
  detail TEXT NOT NULL,
  pct SMALLINT
);

CREATE INDEX IF NOT EXISTS idx_audit_events_job_ts ON audit_events (job_id, ts);

CREATE TABLE IF NOT EXISTS audit_issues (
  id BIGSERIAL PRIMARY KEY,
  audit_id TEXT NOT NULL,
  ord INTEGER NOT NULL,
  issue_id TEXT NOT NULL,
  severity TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE(audit_id, ord)
);

CREATE TABLE IF NOT EXISTS audit_issue_links (
  id BIGSERIAL PRIMARY KEY,
  issue_row_id BIGINT NOT NULL REFERENCES audit_issues(id) ON DELETE CASCADE,
  url TEXT NOT NULL,
  UNIQUE(issue_row_id, url)
);

CREATE TABLE IF NOT EXISTS function_metrics (
  id BIGSERIAL PRIMARY KEY,
  audit_id TEXT NOT NULL,
  file TEXT NOT NULL,
  function_name TEXT NOT NULL,
  signature TEXT,
  location TEXT,
  nloc INTEGER NOT NULL,
  ccn INTEGER NOT NULL,
  token_count INTEGER NOT NULL,
  param_count INTEGER NOT NULL,
  length INTEGER NOT NULL,
  line_start INTEGER,
  line_end INTEGER
);

CREATE TABLE IF NOT EXISTS file_classifications (
  id BIGSERIAL PRIMARY KEY,
  audit_id TEXT NOT NULL,
  file TEXT NOT NULL,
  nloc BIGINT NOT NULL,
  source_class TEXT NOT NULL,
  UNIQUE(audit_id, file)
);

CREATE INDEX IF NOT EXISTS idx_audit_issues_audit_sev ON audit_issues(audit_id, severity);
CREATE INDEX IF NOT EXISTS idx_audit_issue_links_issue ON audit_issue_links(issue_row_id);
CREATE INDEX IF NOT EXISTS idx_function_metrics_audit_file ON function_metrics(audit_id, file);
CREATE INDEX IF NOT EXISTS idx_file_classifications_audit_class ON file_classifications(audit_id, source_class);
`
