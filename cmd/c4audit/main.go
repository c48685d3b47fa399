// Command c4audit builds the C4Audit dataset: it lists and parses
// Code4rena reports, clones the audited repositories, measures them with
// lizard and classifies the measured files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/classify"
	"github.com/lucianasi/C4Audit/internal/config"
	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/db"
	xlog "github.com/lucianasi/C4Audit/internal/log"
	"github.com/lucianasi/C4Audit/internal/model"
	"github.com/lucianasi/C4Audit/internal/pipeline"
	"github.com/lucianasi/C4Audit/internal/report"
)

const usage = `usage: c4audit <command> [flags] [args]

commands:
  list      [-o file]                 list report URLs from the reports index
  parse     <urls.txt>                fetch, parse and store reports
  clone                               clone the repositories of stored reports
  metrics                             run lizard over cloned repositories
  classify  [-strip n] [-legacy-dir d] [-no-overrides]
                                      classify measured files, write rollups
  enqueue   <urls.txt>                queue audits for the worker
  all       <urls.txt>                parse, clone, metrics and classify

Every command accepts -data <dir> (default $C4AUDIT_DATA_DIR or .).
`

// errUsage makes main exit with status 2.
var errUsage = errors.New("usage")

type app struct {
	cfg config.Config
	log zerolog.Logger
	out io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	if command == "-h" || command == "--help" || command == "help" {
		fmt.Print(usage)
		return
	}

	_ = godotenv.Load(".env")
	cfg := config.Load()
	xlog.Configure(xlog.Config{Level: cfg.LogLevel})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := &app{cfg: cfg, log: xlog.WithComponent(command), out: os.Stdout}
	err := a.run(ctx, command, os.Args[2:])
	switch {
	case err == nil:
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	default:
		a.log.Error().Err(err).Msg(command + " failed")
		cancel()
		os.Exit(1)
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "list":
		return a.list(ctx, args)
	case "parse":
		return a.batch(ctx, "parse", args, func(p *pipeline.Pipeline, urls []string) (*pipeline.Tally, error) {
			return p.FetchAll(ctx, urls)
		})
	case "clone":
		return a.stage(ctx, "clone", args, (*pipeline.Pipeline).CloneAll)
	case "metrics":
		return a.stage(ctx, "metrics", args, (*pipeline.Pipeline).MeasureAll)
	case "classify":
		return a.classify(args)
	case "enqueue":
		return a.enqueue(ctx, args)
	case "all":
		return a.batch(ctx, "all", args, func(p *pipeline.Pipeline, urls []string) (*pipeline.Tally, error) {
			t, err := p.RunAll(ctx, urls)
			if err != nil {
				return t, err
			}
			_, err = p.ClassifyDataset()
			return t, err
		})
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}
}

// flags returns a flag set with the shared -data flag bound to a.cfg.
func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.cfg.DataDir, "data", a.cfg.DataDir, "dataset root directory")
	return fs
}

func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	return pipeline.New(ctx, a.cfg, a.log)
}

func (a *app) list(ctx context.Context, args []string) error {
	fs := a.flags("list")
	outFile := fs.String("o", "", "write URLs to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f := report.NewFetcher(a.cfg.HTTPTimeout, a.cfg.FetchRPS, a.cfg.UserAgent)
	urls, err := f.ListReportLinks(ctx, a.cfg.ReportsIndexURL)
	if err != nil {
		return err
	}
	a.log.Info().Int("reports", len(urls)).Str("index", a.cfg.ReportsIndexURL).Msg("reports listed")
	if *outFile != "" {
		return dataset.WriteLines(*outFile, urls)
	}
	for _, u := range urls {
		fmt.Fprintln(a.out, u)
	}
	return nil
}

func urlsArg(fs *flag.FlagSet) ([]string, error) {
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("%s needs exactly one URL file: %w", fs.Name(), errUsage)
	}
	return report.LoadURLs(fs.Arg(0))
}

func (a *app) batch(ctx context.Context, name string, args []string, fn func(*pipeline.Pipeline, []string) (*pipeline.Tally, error)) error {
	fs := a.flags(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	urls, err := urlsArg(fs)
	if err != nil {
		return err
	}
	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	t, err := fn(p, urls)
	return a.report(name, t, err)
}

func (a *app) stage(ctx context.Context, name string, args []string, fn func(*pipeline.Pipeline, context.Context) (*pipeline.Tally, error)) error {
	fs := a.flags(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := a.pipeline(ctx)
	if err != nil {
		return err
	}
	t, err := fn(p, ctx)
	return a.report(name, t, err)
}

func (a *app) report(name string, t *pipeline.Tally, err error) error {
	if t != nil {
		a.log.Info().Int("ok", t.OK).Int("skipped", t.Skipped).Int("failed", len(t.Failed)).Msg(name + " finished")
	}
	if err != nil {
		return err
	}
	if t != nil && len(t.Failed) > 0 {
		return fmt.Errorf("%d items failed", len(t.Failed))
	}
	return nil
}

func (a *app) classify(args []string) error {
	fs := a.flags("classify")
	strip := fs.Int("strip", 1, "leading path segments to drop before matching (4 for -legacy-dir datasets)")
	legacyDir := fs.String("legacy-dir", "", "read <audit>.csv files from this flat directory")
	noOverrides := fs.Bool("no-overrides", false, "ignore per-audit override rules")
	if err := fs.Parse(args); err != nil {
		return err
	}
	stripSet := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "strip" {
			stripSet = true
		}
	})

	l := dataset.New(a.cfg.DataDir)
	var (
		inputs []classify.Input
		err    error
	)
	if *legacyDir != "" {
		inputs, err = classify.InputsFromDir(*legacyDir)
		if !stripSet {
			*strip = 4
		}
	} else {
		inputs, err = classify.InputsFromLayout(l)
	}
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return errors.New("no metrics files found")
	}

	c := &classify.Classifier{Strip: *strip, Log: a.log}
	if !*noOverrides {
		if c.Overrides, err = pipeline.Overrides(a.cfg); err != nil {
			return err
		}
	}
	res := c.Aggregate(inputs)
	if err := classify.WriteOutputs(l, res); err != nil {
		return err
	}
	classify.LogSummary(a.log, res, len(inputs))
	return nil
}

func (a *app) enqueue(ctx context.Context, args []string) error {
	fs := a.flags("enqueue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	urls, err := urlsArg(fs)
	if err != nil {
		return err
	}
	if err := a.cfg.ValidateQueue(); err != nil {
		return err
	}
	store, err := db.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil && !db.IsInsufficientPrivilege(err) {
		return fmt.Errorf("ensure schema: %w", err)
	}

	var created, kept int
	for _, u := range urls {
		auditID := model.AuditIDFromURL(u)
		if auditID == "" {
			a.log.Warn().Str("url", u).Msg("no audit id in url")
			continue
		}
		id, isNew, err := store.EnqueueAudit(ctx, uuid.NewString(), auditID, u)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", auditID, err)
		}
		if isNew {
			created++
		} else {
			kept++
		}
		fmt.Fprintf(a.out, "%s\t%s\n", id, auditID)
	}
	a.log.Info().Int("queued", created).Int("already_queued", kept).Msg("enqueue finished")
	return nil
}
