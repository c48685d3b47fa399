// Package pipeline runs the dataset stages for one audit or for a batch of
// audits: fetch and parse the report, clone its repositories, measure them
// with lizard and classify the measured files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lucianasi/C4Audit/internal/classify"
	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/lizard"
	"github.com/lucianasi/C4Audit/internal/model"
	"github.com/lucianasi/C4Audit/internal/report"
	"github.com/lucianasi/C4Audit/internal/repos"
)

const (
	StageFetch    = "fetch"
	StageSave     = "save"
	StageClone    = "clone"
	StageMeasure  = "measure"
	StageClassify = "classify"
	StageDone     = "done"
)

type ReportFetcher interface {
	FetchReport(ctx context.Context, url string) (*model.AuditReport, error)
}

type AuditCloner interface {
	CloneAudit(ctx context.Context, rep *model.AuditReport) ([]repos.Remote, error)
}

type AuditMeasurer interface {
	MeasureAudit(ctx context.Context, l dataset.Layout, auditID string) ([]model.FunctionMetric, error)
}

// Observer receives stage transitions. pct is a rough overall progress.
type Observer func(stage, detail string, pct int)

type Pipeline struct {
	Layout      dataset.Layout
	Fetcher     ReportFetcher
	Cloner      AuditCloner
	Measurer    AuditMeasurer
	Classifier  *classify.Classifier
	Concurrency int
	Attempts    int
	BaseDelay   time.Duration
	Log         zerolog.Logger
}

// Outcome is what Process produced for one audit.
type Outcome struct {
	AuditID string
	// Skipped is set when the page is valid but not part of the dataset.
	Skipped       error
	Report        *model.AuditReport
	ReportPath    string
	Remotes       []repos.Remote
	CloneErr      error
	Functions     []model.FunctionMetric
	FunctionsPath string
	Files         []model.ClassifiedFile
}

// Summary condenses the outcome for the job row.
func (o *Outcome) Summary() model.JobSummary {
	s := model.JobSummary{
		Repositories: len(o.Remotes),
		Functions:    len(o.Functions),
	}
	if o.Report != nil {
		s.Issues = o.Report.SeverityCounts()
	}
	if o.Skipped != nil {
		s.Skipped = o.Skipped.Error()
	}
	if len(o.Files) > 0 {
		s.LOCByClass = map[string]int64{}
		for _, f := range o.Files {
			s.LOCByClass[string(f.Source)] += f.NLOC
		}
	}
	return s
}

func (p *Pipeline) retry(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return Retry(ctx, attempts, delay, Transient, fn)
}

// Fetch downloads and parses one report page.
func (p *Pipeline) Fetch(ctx context.Context, sourceURL string) (*model.AuditReport, error) {
	var rep *model.AuditReport
	err := p.retry(ctx, func() error {
		var err error
		rep, err = p.Fetcher.FetchReport(ctx, sourceURL)
		return err
	})
	return rep, err
}

// Process runs every stage for the report at sourceURL. Pages that are not
// Solidity audits come back with Outcome.Skipped set and a nil error.
func (p *Pipeline) Process(ctx context.Context, sourceURL string, obs Observer) (*Outcome, error) {
	emit := observe(obs)
	out := &Outcome{AuditID: model.AuditIDFromURL(sourceURL)}

	emit(StageFetch, sourceURL, 5)
	rep, err := p.Fetch(ctx, sourceURL)
	if report.IsSkip(err) {
		out.Skipped = err
		p.Log.Info().Str("audit", out.AuditID).Err(err).Msg("skipping report")
		emit(StageDone, "skipped: "+err.Error(), 100)
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("fetch %s: %w", sourceURL, err)
	}
	return p.processReport(ctx, rep, out, emit)
}

// ProcessReport runs the stages after fetching for an already parsed report.
func (p *Pipeline) ProcessReport(ctx context.Context, rep *model.AuditReport, obs Observer) (*Outcome, error) {
	return p.processReport(ctx, rep, &Outcome{AuditID: rep.AuditID}, observe(obs))
}

func (p *Pipeline) processReport(ctx context.Context, rep *model.AuditReport, out *Outcome, emit Observer) (*Outcome, error) {
	log := p.Log.With().Str("audit", rep.AuditID).Logger()
	out.AuditID = rep.AuditID
	out.Report = rep

	path, err := report.Save(p.Layout, rep)
	if err != nil {
		return out, fmt.Errorf("save report: %w", err)
	}
	out.ReportPath = path
	emit(StageSave, fmt.Sprintf("%d issues", len(rep.Issues)), 15)

	emit(StageClone, fmt.Sprintf("%d repositories", len(repos.RepoURLs(rep))), 20)
	err = p.retry(ctx, func() error {
		var err error
		out.Remotes, err = p.Cloner.CloneAudit(ctx, rep)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.CloneErr = err
		log.Warn().Err(err).Int("cloned", len(out.Remotes)).Msg("some repositories could not be cloned")
	}

	emit(StageMeasure, fmt.Sprintf("%d repositories", len(out.Remotes)), 50)
	rows, err := p.Measurer.MeasureAudit(ctx, p.Layout, rep.AuditID)
	switch {
	case errors.Is(err, lizard.ErrNoFunctions):
		log.Info().Msg("no functions measured")
		emit(StageDone, "no functions measured", 95)
		return out, nil
	case err != nil:
		return out, fmt.Errorf("measure: %w", err)
	}
	out.Functions = rows
	out.FunctionsPath = p.Layout.FunctionsFile(rep.AuditID)

	if p.Classifier != nil {
		emit(StageClassify, fmt.Sprintf("%d functions", len(rows)), 85)
		out.Files = p.Classifier.ClassifyAudit(rep.AuditID, classify.SumByFile(rows))
	}
	emit(StageDone, fmt.Sprintf("%d functions in %d files", len(rows), len(out.Files)), 95)
	return out, nil
}

func observe(obs Observer) Observer {
	if obs == nil {
		return func(string, string, int) {}
	}
	return obs
}

// Tally counts batch results.
type Tally struct {
	mu      sync.Mutex
	OK      int
	Skipped int
	Failed  []string
}

func (t *Tally) add(id string, skipped bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case err != nil:
		t.Failed = append(t.Failed, id)
	case skipped:
		t.Skipped++
	default:
		t.OK++
	}
}

// each runs fn for every item with at most Concurrency in flight. A failing
// item never stops the others; only cancellation does.
func (p *Pipeline) each(ctx context.Context, items []string, fn func(ctx context.Context, item string) (skipped bool, err error)) (*Tally, error) {
	limit := p.Concurrency
	if limit <= 0 {
		limit = 1
	}
	t := &Tally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			skipped, err := fn(gctx, item)
			if err != nil {
				p.Log.Error().Err(err).Str("item", item).Msg("failed")
			}
			t.add(item, skipped, err)
			return nil
		})
	}
	_ = g.Wait()
	return t, ctx.Err()
}

// FetchAll parses and stores the report of every URL.
func (p *Pipeline) FetchAll(ctx context.Context, urls []string) (*Tally, error) {
	return p.each(ctx, urls, func(ctx context.Context, u string) (bool, error) {
		rep, err := p.Fetch(ctx, u)
		if report.IsSkip(err) {
			p.Log.Info().Str("url", u).Err(err).Msg("skipping report")
			return true, nil
		}
		if err != nil {
			return false, err
		}
		path, err := report.Save(p.Layout, rep)
		if err != nil {
			return false, err
		}
		p.Log.Info().Str("audit", rep.AuditID).Int("issues", len(rep.Issues)).Str("path", path).Msg("report saved")
		return false, nil
	})
}

// CloneAll clones the repositories of every stored report.
func (p *Pipeline) CloneAll(ctx context.Context) (*Tally, error) {
	ids, err := p.Layout.ReportIDs()
	if err != nil {
		return nil, err
	}
	return p.each(ctx, ids, func(ctx context.Context, id string) (bool, error) {
		rep, err := report.Load(p.Layout, id)
		if err != nil {
			return false, err
		}
		return false, p.retry(ctx, func() error {
			_, err := p.Cloner.CloneAudit(ctx, rep)
			return err
		})
	})
}

// MeasureAll runs lizard over every cloned audit. Audits without any
// measurable function count as skipped.
func (p *Pipeline) MeasureAll(ctx context.Context) (*Tally, error) {
	ids, err := p.Layout.RepositoryIDs()
	if err != nil {
		return nil, err
	}
	return p.each(ctx, ids, func(ctx context.Context, id string) (bool, error) {
		_, err := p.Measurer.MeasureAudit(ctx, p.Layout, id)
		if errors.Is(err, lizard.ErrNoFunctions) {
			p.Log.Info().Str("audit", id).Msg("no functions measured")
			return true, nil
		}
		return false, err
	})
}

// RunAll processes every URL end to end.
func (p *Pipeline) RunAll(ctx context.Context, urls []string) (*Tally, error) {
	return p.each(ctx, urls, func(ctx context.Context, u string) (bool, error) {
		out, err := p.Process(ctx, u, nil)
		if err != nil {
			return false, err
		}
		return out.Skipped != nil, nil
	})
}

// ClassifyDataset classifies every measured audit and writes the dataset
// level CSVs.
func (p *Pipeline) ClassifyDataset() (*classify.Result, error) {
	if p.Classifier == nil {
		return nil, errors.New("no classifier configured")
	}
	inputs, err := classify.InputsFromLayout(p.Layout)
	if err != nil {
		return nil, err
	}
	res := p.Classifier.Aggregate(inputs)
	if err := classify.WriteOutputs(p.Layout, res); err != nil {
		return nil, err
	}
	classify.LogSummary(p.Classifier.Log, res, len(inputs))
	return res, nil
}
