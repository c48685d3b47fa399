// Package lizard collects function-level metrics for audited repositories by
// running the lizard analyzer.
package lizard

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/model"
)

// ErrNoFunctions is returned when an audit produced no metric rows at all.
var ErrNoFunctions = errors.New("lizard: no functions measured")

var sourceExts = []string{".sol", ".ts", ".js", ".py", ".rs"}

// Header is the column layout of functions.csv.
var Header = []string{
	"NLOC", "CCN", "token", "Param", "Length",
	"location", "File", "function_name", "signature_func",
	"line_start", "line_end",
}

func isSource(name string) bool {
	for _, ext := range sourceExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// SourceFiles returns the slash-separated paths, relative to root, of every
// file lizard should measure.
func SourceFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !isSource(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}

// ProjectRoots returns the repository directories of an audit. An audit
// directory without subdirectories is its own single project.
func ProjectRoots(auditDir string) ([]string, error) {
	entries, err := os.ReadDir(auditDir)
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".partial") {
			continue
		}
		roots = append(roots, filepath.Join(auditDir, e.Name()))
	}
	if len(roots) == 0 {
		roots = []string{auditDir}
	}
	sort.Strings(roots)
	return roots, nil
}

type Runner struct {
	bin       string
	chunkSize int
	log       zerolog.Logger
}

func NewRunner(bin string, chunkSize int, log zerolog.Logger) *Runner {
	if bin == "" {
		bin = "lizard"
	}
	if chunkSize <= 0 {
		chunkSize = 3000
	}
	return &Runner{bin: bin, chunkSize: chunkSize, log: log}
}

// Version returns what `lizard --version` prints.
func (r *Runner) Version(ctx context.Context) (string, error) {
	res, err := run(ctx, r.bin, []string{"--version"}, "")
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", r.bin, err)
	}
	return strings.TrimSpace(res.Stdout + res.Stderr), nil
}

// Run measures files (relative to dir) in chunks of at most chunkSize. A
// failing chunk is logged and skipped; only cancellation aborts the run.
func (r *Runner) Run(ctx context.Context, dir string, files []string) ([]model.FunctionMetric, error) {
	var out []model.FunctionMetric
	chunks := (len(files) + r.chunkSize - 1) / r.chunkSize
	for i := 0; i < chunks; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		start := i * r.chunkSize
		end := min(start+r.chunkSize, len(files))
		if chunks > 1 {
			r.log.Debug().Int("chunk", i+1).Int("chunks", chunks).Int("files", end-start).Msg("running lizard chunk")
		}

		args := append([]string{"--csv"}, files[start:end]...)
		res, err := run(ctx, r.bin, args, dir)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			r.log.Error().Err(err).Int("exit_code", res.ExitCode).
				Str("stderr", truncate(res.Stderr, 500)).Str("dir", dir).Msg("lizard failed")
			continue
		}
		if strings.TrimSpace(res.Stdout) == "" {
			r.log.Warn().Str("dir", dir).Msg("empty lizard output")
			continue
		}
		rows, err := ParseOutput(strings.NewReader(res.Stdout))
		if err != nil {
			r.log.Error().Err(err).Str("dir", dir).Msg("unreadable lizard output")
			continue
		}
		out = append(out, rows...)
	}
	return out, nil
}

// MeasureAudit runs lizard over every repository of an audit and writes
// functions.csv. The File column is "<repo dir>/<path inside the repo>".
func (r *Runner) MeasureAudit(ctx context.Context, l dataset.Layout, auditID string) ([]model.FunctionMetric, error) {
	roots, err := ProjectRoots(l.AuditRepoDir(auditID))
	if errors.Is(err, fs.ErrNotExist) {
		r.log.Info().Str("audit", auditID).Msg("no repositories cloned")
		return nil, ErrNoFunctions
	}
	if err != nil {
		return nil, err
	}

	var all []model.FunctionMetric
	for _, root := range roots {
		files, err := SourceFiles(root)
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
		if len(files) == 0 {
			r.log.Info().Str("audit", auditID).Str("repo", root).Msg("no source files")
			continue
		}
		prefix := filepath.Base(root)
		for i, f := range files {
			files[i] = prefix + "/" + f
		}
		r.log.Info().Str("audit", auditID).Str("repo", prefix).Int("files", len(files)).Msg("running lizard")

		rows, err := r.Run(ctx, filepath.Dir(root), files)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
	if len(all) == 0 {
		return nil, ErrNoFunctions
	}
	if err := WriteFunctions(l.FunctionsFile(auditID), all); err != nil {
		return nil, err
	}
	return all, nil
}

// ParseOutput reads lizard --csv output. Tab separated output is detected
// from the first line. Rows with fewer than 10 fields or non-numeric
// metrics (headers, warnings) are dropped.
func ParseOutput(r io.Reader) ([]model.FunctionMetric, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := string(raw)
	first, _, _ := strings.Cut(strings.TrimLeft(text, "\r\n"), "\n")

	cr := csv.NewReader(strings.NewReader(text))
	if strings.Contains(first, "\t") {
		cr.Comma = '\t'
	}
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var out []model.FunctionMetric
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		if m, ok := parseRow(rec); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func parseRow(rec []string) (model.FunctionMetric, bool) {
	if len(rec) < 10 {
		return model.FunctionMetric{}, false
	}
	nums := make([]int, 5)
	for i := range nums {
		n, err := strconv.Atoi(strings.TrimSpace(rec[i]))
		if err != nil {
			return model.FunctionMetric{}, false
		}
		nums[i] = n
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(rec[len(rec)-2]))
	end, err2 := strconv.Atoi(strings.TrimSpace(rec[len(rec)-1]))
	if err1 != nil || err2 != nil {
		return model.FunctionMetric{}, false
	}
	return model.FunctionMetric{
		NLOC:           nums[0],
		CCN:            nums[1],
		TokenCount:     nums[2],
		ParameterCount: nums[3],
		Length:         nums[4],
		Location:       rec[5],
		File:           strings.TrimPrefix(filepath.ToSlash(rec[6]), "./"),
		FunctionName:   rec[7],
		Signature:      rec[8],
		StartLine:      start,
		EndLine:        end,
	}, true
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
