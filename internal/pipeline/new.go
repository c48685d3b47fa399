package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/classify"
	"github.com/lucianasi/C4Audit/internal/config"
	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/lizard"
	xlog "github.com/lucianasi/C4Audit/internal/log"
	"github.com/lucianasi/C4Audit/internal/report"
	"github.com/lucianasi/C4Audit/internal/repos"
)

// Overrides returns the override rules from cfg.OverridesFile, or the
// built-in ones when no file is configured.
func Overrides(cfg config.Config) ([]classify.Override, error) {
	if cfg.OverridesFile == "" {
		return classify.DefaultOverrides(), nil
	}
	return classify.LoadOverrides(cfg.OverridesFile)
}

// New wires the production pipeline from cfg. A missing lizard binary is
// only logged here; measuring fails later with exit code 127.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Pipeline, error) {
	overrides, err := Overrides(cfg)
	if err != nil {
		return nil, err
	}
	layout := dataset.New(cfg.DataDir)

	lz := lizard.NewRunner(cfg.LizardPath, cfg.LizardChunkSize, xlog.WithComponent("lizard"))
	if v, err := lz.Version(ctx); err != nil {
		log.Warn().Err(err).Str("lizard", cfg.LizardPath).Msg("lizard not usable")
	} else {
		log.Debug().Str("version", v).Msg("lizard found")
	}

	return &Pipeline{
		Layout:      layout,
		Fetcher:     report.NewFetcher(cfg.HTTPTimeout, cfg.FetchRPS, cfg.UserAgent),
		Cloner:      repos.NewCloner(cfg.GitPath, cfg.CloneDepth, layout, xlog.WithComponent("repos")),
		Measurer:    lz,
		Classifier:  &classify.Classifier{Strip: 1, Overrides: overrides, Log: xlog.WithComponent("classify")},
		Concurrency: cfg.Concurrency,
		Attempts:    3,
		BaseDelay:   time.Second,
		Log:         log,
	}, nil
}
