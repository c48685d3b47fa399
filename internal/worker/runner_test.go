package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lucianasi/C4Audit/internal/config"
	"github.com/lucianasi/C4Audit/internal/db"
	"github.com/lucianasi/C4Audit/internal/model"
	"github.com/lucianasi/C4Audit/internal/pipeline"
	"github.com/lucianasi/C4Audit/internal/report"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type doneCall struct {
	ID, Bucket, ReportKey, MetricsKey string
	Summary                           model.JobSummary
}

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*db.Job
	events    []string
	progress  []int
	done      []doneCall
	failed    map[string]string
	issues    []string
	functions map[string]int
	files     map[string]int
	requeued  []string
	stale     []string
	doneCh    chan struct{}
}

func newFakeQueue(jobs ...*db.Job) *fakeQueue {
	return &fakeQueue{
		jobs:      jobs,
		failed:    map[string]string{},
		functions: map[string]int{},
		files:     map[string]int{},
		doneCh:    make(chan struct{}, 8),
	}
}

func (q *fakeQueue) AcquireNextQueued(context.Context, string) (*db.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil, pgx.ErrNoRows
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, nil
}

func (q *fakeQueue) InsertEvent(_ context.Context, _ string, _ time.Time, stage, _ string, _ *int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, stage)
	return nil
}

func (q *fakeQueue) UpdateProgress(_ context.Context, _ string, pct int, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress = append(q.progress, pct)
	return nil
}

func (q *fakeQueue) MarkDone(_ context.Context, id, bucket, reportKey, metricsKey string, summaryJSON []byte) error {
	var s model.JobSummary
	if err := json.Unmarshal(summaryJSON, &s); err != nil {
		return err
	}
	q.mu.Lock()
	q.done = append(q.done, doneCall{ID: id, Bucket: bucket, ReportKey: reportKey, MetricsKey: metricsKey, Summary: s})
	q.mu.Unlock()
	q.doneCh <- struct{}{}
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id, msg string) error {
	q.mu.Lock()
	q.failed[id] = msg
	q.mu.Unlock()
	q.doneCh <- struct{}{}
	return nil
}

func (q *fakeQueue) ReplaceAuditIssues(_ context.Context, rep *model.AuditReport) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.issues = append(q.issues, rep.AuditID)
	return nil
}

func (q *fakeQueue) ReplaceFunctionMetrics(_ context.Context, id string, rows []model.FunctionMetric) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.functions[id] = len(rows)
	return nil
}

func (q *fakeQueue) ReplaceFileClassifications(_ context.Context, id string, files []model.ClassifiedFile) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.files[id] = len(files)
	return nil
}

func (q *fakeQueue) FailStaleRunning(context.Context, time.Duration) ([]string, error) {
	return q.stale, nil
}

func (q *fakeQueue) RequeueStaleRunning(context.Context, time.Duration) ([]string, error) {
	return q.requeued, nil
}

type upload struct{ Bucket, Key, ContentType string }

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	uploads  []upload
}

func (u *fakeUploader) UploadFile(_ context.Context, bucket, key, _ string, contentType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failures > 0 {
		u.failures--
		return errors.New("connection reset by peer")
	}
	u.uploads = append(u.uploads, upload{bucket, key, contentType})
	return nil
}

type fakeProcessor struct {
	out  *pipeline.Outcome
	err  error
	urls []string
	mu   sync.Mutex
}

func (p *fakeProcessor) Process(_ context.Context, u string, obs pipeline.Observer) (*pipeline.Outcome, error) {
	p.mu.Lock()
	p.urls = append(p.urls, u)
	p.mu.Unlock()
	obs(pipeline.StageFetch, u, 5)
	if p.err != nil {
		return nil, p.err
	}
	obs(pipeline.StageDone, "ok", 95)
	return p.out, nil
}

func sampleOutcome() *pipeline.Outcome {
	return &pipeline.Outcome{
		AuditID:    "2022-05-alchemix",
		ReportPath: "/data/reports_parser/2022-05-alchemix/2022-05-alchemix.json",
		Report: &model.AuditReport{
			AuditID: "2022-05-alchemix",
			Issues: []model.Issue{
				{IssueID: "H-01", Severity: model.SeverityHigh},
				{IssueID: "G-01", Severity: model.SeverityGas},
			},
		},
		Functions:     []model.FunctionMetric{{File: "v2/src/A.sol", NLOC: 7}, {File: "v2/test/A.t.sol", NLOC: 3}},
		FunctionsPath: "/data/C4Audit_metrics/Lizard_metrics_csv/2022-05-alchemix/functions.csv",
		Files: []model.ClassifiedFile{
			{Repo: "2022-05-alchemix", File: "v2/src/A.sol", NLOC: 7, Source: model.ClassCode},
			{Repo: "2022-05-alchemix", File: "v2/test/A.t.sol", NLOC: 3, Source: model.ClassTest},
		},
	}
}

func testConfig() config.Config {
	return config.Config{
		ReportsIndexURL:   "https://code4rena.com/reports/",
		ReportsBucket:     "c4audit",
		WorkerConcurrency: 2,
		StaleAfter:        time.Minute,
		JobTimeout:        time.Minute,
	}
}

func TestProcessJob(t *testing.T) {
	q := newFakeQueue()
	up := &fakeUploader{failures: 1}
	p := &fakeProcessor{out: sampleOutcome()}
	r := NewRunner(testConfig(), q, up, p, zerolog.Nop())

	job := &db.Job{ID: "job-1", AuditID: "2022-05-alchemix"}
	outcome, err := r.processJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "done", outcome)

	assert.Equal(t, []string{"https://code4rena.com/reports/2022-05-alchemix"}, p.urls)
	assert.Equal(t, []upload{
		{"c4audit", "reports/2022-05-alchemix.json", "application/json"},
		{"c4audit", "metrics/2022-05-alchemix/functions.csv", "text/csv"},
	}, up.uploads)
	assert.Equal(t, []string{pipeline.StageFetch, pipeline.StageDone}, q.events)
	assert.Equal(t, []int{5, 95}, q.progress)
	assert.Equal(t, []string{"2022-05-alchemix"}, q.issues)
	assert.Equal(t, 2, q.functions["2022-05-alchemix"])
	assert.Equal(t, 2, q.files["2022-05-alchemix"])

	require.Len(t, q.done, 1)
	assert.Equal(t, doneCall{
		ID:         "job-1",
		Bucket:     "c4audit",
		ReportKey:  "reports/2022-05-alchemix.json",
		MetricsKey: "metrics/2022-05-alchemix/functions.csv",
		Summary: model.JobSummary{
			Issues:     model.Summary{Total: 2, High: 1, Other: 1},
			Functions:  2,
			LOCByClass: map[string]int64{"Code": 7, "Test": 3},
		},
	}, q.done[0])
}

func TestProcessJob_SkippedWithoutStorage(t *testing.T) {
	q := newFakeQueue()
	p := &fakeProcessor{out: &pipeline.Outcome{AuditID: "2023-01-rust", Skipped: report.ErrNotSolidity}}
	r := NewRunner(testConfig(), q, nil, p, zerolog.Nop())

	outcome, err := r.processJob(context.Background(), &db.Job{ID: "job-2", AuditID: "2023-01-rust", SourceURL: "https://example.test/r"})
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome)
	assert.Equal(t, []string{"https://example.test/r"}, p.urls)
	require.Len(t, q.done, 1)
	assert.Empty(t, q.done[0].ReportKey)
	assert.Equal(t, report.ErrNotSolidity.Error(), q.done[0].Summary.Skipped)
	assert.Empty(t, q.issues)
}

func TestRunJob_MarksFailed(t *testing.T) {
	q := newFakeQueue()
	p := &fakeProcessor{err: errors.New("measure: lizard exploded")}
	r := NewRunner(testConfig(), q, nil, p, zerolog.Nop())

	before := testutil.ToFloat64(jobsTotal.WithLabelValues("failed"))
	r.runJob(context.Background(), &db.Job{ID: "job-3", AuditID: "2022-01-x"})
	assert.Equal(t, "measure: lizard exploded", q.failed["job-3"])
	assert.Equal(t, before+1, testutil.ToFloat64(jobsTotal.WithLabelValues("failed")))
}

func TestRunJob_InterruptedIsNotFailed(t *testing.T) {
	q := newFakeQueue()
	p := &fakeProcessor{err: context.Canceled}
	r := NewRunner(testConfig(), q, nil, p, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.runJob(ctx, &db.Job{ID: "job-4", AuditID: "2022-01-x"})
	assert.Empty(t, q.failed)
}

func TestRunForever(t *testing.T) {
	q := newFakeQueue(
		&db.Job{ID: "a", AuditID: "2022-05-alchemix"},
		&db.Job{ID: "b", AuditID: "2022-05-alchemix"},
	)
	r := NewRunner(testConfig(), q, &fakeUploader{}, &fakeProcessor{out: sampleOutcome()}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.RunForever(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-q.doneCh:
		case <-time.After(5 * time.Second):
			t.Fatal("job not finished")
		}
	}
	cancel()
	require.NoError(t, <-errCh)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Len(t, q.done, 2)
}

func TestRecoverStaleJobs(t *testing.T) {
	q := newFakeQueue()
	q.requeued = []string{"x", "y"}
	q.stale = []string{"z"}
	r := NewRunner(testConfig(), q, nil, &fakeProcessor{}, zerolog.Nop())

	requeued := testutil.ToFloat64(staleJobsTotal.WithLabelValues("requeued"))
	failed := testutil.ToFloat64(staleJobsTotal.WithLabelValues("failed"))
	r.RecoverStaleJobs(context.Background())
	r.sweepStale(context.Background())
	assert.Equal(t, requeued+2, testutil.ToFloat64(staleJobsTotal.WithLabelValues("requeued")))
	assert.Equal(t, failed+1, testutil.ToFloat64(staleJobsTotal.WithLabelValues("failed")))
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Second, sweepInterval(time.Second))
	assert.Equal(t, 15*time.Second, sweepInterval(time.Minute))
	assert.Equal(t, time.Minute, sweepInterval(2*time.Hour))
}

func TestClampPct(t *testing.T) {
	assert.Equal(t, 0, clampPct(-3))
	assert.Equal(t, 42, clampPct(42))
	assert.Equal(t, 100, clampPct(250))
}
