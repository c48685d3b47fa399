package classify

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/model"
)

// Input is one audit's function metrics CSV.
type Input struct {
	Repo string
	Path string
}

// FileNLOC is the NLOC of one file summed over its functions.
type FileNLOC struct {
	File string
	NLOC int64
}

var errInvalidCSV = errors.New("missing File/NLOC columns or no rows")

// InputsFromLayout lists the functions.csv of every measured audit.
func InputsFromLayout(l dataset.Layout) ([]Input, error) {
	ids, err := l.MetricsIDs()
	if err != nil {
		return nil, err
	}
	inputs := make([]Input, 0, len(ids))
	for _, id := range ids {
		inputs = append(inputs, Input{Repo: id, Path: l.FunctionsFile(id)})
	}
	return inputs, nil
}

// InputsFromDir lists <audit>.csv files of a flat directory, the layout
// the first dataset release used.
func InputsFromDir(dir string) ([]Input, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	inputs := make([]Input, 0, len(matches))
	for _, m := range matches {
		inputs = append(inputs, Input{Repo: strings.TrimSuffix(filepath.Base(m), ".csv"), Path: m})
	}
	return inputs, nil
}

// LoadFileNLOC reads a metrics CSV and sums NLOC per File. Unparsable NLOC
// values count as 0.
func LoadFileNLOC(path string) ([]FileNLOC, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readFileNLOC(f)
}

func readFileNLOC(r io.Reader) ([]FileNLOC, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errInvalidCSV
		}
		return nil, err
	}
	fileCol, nlocCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "File":
			fileCol = i
		case "NLOC":
			nlocCol = i
		}
	}
	if fileCol < 0 || nlocCol < 0 {
		return nil, errInvalidCSV
	}

	sums := map[string]int64{}
	var order []string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) <= fileCol || len(rec) <= nlocCol {
			continue
		}
		file := rec[fileCol]
		if _, ok := sums[file]; !ok {
			order = append(order, file)
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(rec[nlocCol]), 64)
		if err != nil {
			n = 0
		}
		sums[file] += int64(n)
	}
	if len(order) == 0 {
		return nil, errInvalidCSV
	}
	out := make([]FileNLOC, 0, len(order))
	for _, f := range order {
		out = append(out, FileNLOC{File: f, NLOC: sums[f]})
	}
	return out, nil
}

// SumByFile is LoadFileNLOC for rows already in memory.
func SumByFile(rows []model.FunctionMetric) []FileNLOC {
	idx := map[string]int{}
	var out []FileNLOC
	for _, r := range rows {
		i, ok := idx[r.File]
		if !ok {
			i = len(out)
			idx[r.File] = i
			out = append(out, FileNLOC{File: r.File})
		}
		out[i].NLOC += int64(r.NLOC)
	}
	return out
}

type Classifier struct {
	Strip     int
	Overrides []Override
	Log       zerolog.Logger
}

// ClassifyAudit classifies the files of one audit, applying its override
// when there is one.
func (c *Classifier) ClassifyAudit(repo string, files []FileNLOC) []model.ClassifiedFile {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.File
	}
	hasCode := HasCodeFolder(paths, c.Strip)
	if !hasCode {
		c.Log.Debug().Str("repo", repo).Msg("no src/contracts folder, counting every .sol as Code")
	}
	ov, hasOverride := overrideFor(c.Overrides, repo)

	out := make([]model.ClassifiedFile, 0, len(files))
	for _, f := range files {
		var class model.SourceClass
		if hasOverride {
			class = ov.Classify(f.File)
		} else {
			class = Classify(f.File, c.Strip, hasCode)
		}
		out = append(out, model.ClassifiedFile{Repo: repo, NLOC: f.NLOC, File: f.File, Source: class})
	}
	return out
}

type Result struct {
	Merged       []model.ClassifiedFile
	Totals       []model.RepoClassTotals
	Processed    []string
	Missing      []string
	WithoutCode  []string
	InvalidCode  []model.ClassifiedFile
	MisplacedSol []model.ClassifiedFile
	LOCByClass   map[model.SourceClass]int64
}

// Aggregate classifies every input and computes the dataset rollups.
// Inputs that cannot be read are reported in Missing, not as an error.
func (c *Classifier) Aggregate(inputs []Input) *Result {
	res := &Result{LOCByClass: map[model.SourceClass]int64{}}
	for _, in := range inputs {
		files, err := LoadFileNLOC(in.Path)
		if err != nil {
			c.Log.Warn().Err(err).Str("repo", in.Repo).Msg("skipping metrics file")
			res.Missing = append(res.Missing, in.Repo)
			continue
		}
		res.Merged = append(res.Merged, c.ClassifyAudit(in.Repo, files)...)
		res.Processed = append(res.Processed, in.Repo)
	}
	sort.Strings(res.Missing)
	sort.SliceStable(res.Merged, func(i, j int) bool {
		a, b := res.Merged[i], res.Merged[j]
		if a.Repo != b.Repo {
			return a.Repo < b.Repo
		}
		return a.File < b.File
	})

	res.Totals = Totals(res.Merged)
	hasCode := map[string]bool{}
	repos := map[string]bool{}
	for _, t := range res.Totals {
		repos[t.Repo] = true
		if t.Source == model.ClassCode {
			hasCode[t.Repo] = true
		}
	}
	for r := range repos {
		if !hasCode[r] {
			res.WithoutCode = append(res.WithoutCode, r)
		}
	}
	sort.Strings(res.WithoutCode)

	for _, f := range res.Merged {
		res.LOCByClass[f.Source] += f.NLOC
		isSol := strings.HasSuffix(strings.ToLower(f.File), ".sol")
		switch {
		case f.Source == model.ClassCode && !isSol:
			res.InvalidCode = append(res.InvalidCode, f)
		case (f.Source == model.ClassTest || f.Source == model.ClassDeployScript) && isSol:
			res.MisplacedSol = append(res.MisplacedSol, f)
		}
	}
	return res
}

// Totals sums LOC and counts files per (Repo, Source), sorted by both.
func Totals(files []model.ClassifiedFile) []model.RepoClassTotals {
	type key struct {
		repo   string
		source model.SourceClass
	}
	idx := map[key]int{}
	var out []model.RepoClassTotals
	for _, f := range files {
		k := key{f.Repo, f.Source}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, model.RepoClassTotals{Repo: f.Repo, Source: f.Source})
		}
		out[i].LOC += f.NLOC
		out[i].Contracts++
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Repo != out[j].Repo {
			return out[i].Repo < out[j].Repo
		}
		return out[i].Source < out[j].Source
	})
	return out
}

func fileRows(files []model.ClassifiedFile) [][]string {
	rows := make([][]string, 0, len(files))
	for _, f := range files {
		rows = append(rows, []string{f.Repo, strconv.FormatInt(f.NLOC, 10), f.File, string(f.Source)})
	}
	return rows
}

var mergedHeader = []string{"Repo", "NLOC", "File", "Source"}

// WriteOutputs writes the merged table, one rollup CSV per reported class
// and the diagnostics files under C4Audit_metrics/.
func WriteOutputs(l dataset.Layout, res *Result) error {
	root := l.MetricsRoot()
	if err := dataset.WriteCSV(filepath.Join(root, dataset.MergedCSV), mergedHeader, fileRows(res.Merged)); err != nil {
		return err
	}
	for _, class := range model.ReportedClasses {
		var rows [][]string
		for _, t := range res.Totals {
			if t.Source != class {
				continue
			}
			rows = append(rows, []string{t.Repo, strconv.FormatInt(t.LOC, 10), strconv.Itoa(t.Contracts)})
		}
		if err := dataset.WriteCSV(l.ClassMetricsFile(string(class)), []string{"Repo", "LOC", "Contracts"}, rows); err != nil {
			return fmt.Errorf("write %s metrics: %w", class, err)
		}
	}
	if err := dataset.WriteCSV(filepath.Join(root, dataset.InvalidCodeCSV), mergedHeader, fileRows(res.InvalidCode)); err != nil {
		return err
	}
	if err := dataset.WriteCSV(filepath.Join(root, dataset.MisplacedSolCSV), mergedHeader, fileRows(res.MisplacedSol)); err != nil {
		return err
	}
	if err := dataset.WriteLines(filepath.Join(root, dataset.MissingReposFile), res.Missing); err != nil {
		return err
	}
	return dataset.WriteLines(filepath.Join(root, dataset.NoCodeReposFile), res.WithoutCode)
}

// LogSummary logs the totals the way a dataset build run reports them.
func LogSummary(log zerolog.Logger, res *Result, inputs int) {
	classes := make([]model.SourceClass, 0, len(res.LOCByClass))
	for c := range res.LOCByClass {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return res.LOCByClass[classes[i]] > res.LOCByClass[classes[j]] })
	for _, c := range classes {
		log.Info().Str("class", string(c)).Int64("nloc", res.LOCByClass[c]).Msg("LOC by class")
	}
	if len(res.InvalidCode) > 0 {
		log.Warn().Int("files", len(res.InvalidCode)).Msg("files classified as Code are not .sol")
	}
	if len(res.MisplacedSol) > 0 {
		log.Warn().Int("files", len(res.MisplacedSol)).Msg(".sol files classified as Test/DeployScript")
	}
	log.Info().
		Int("processed", len(res.Processed)).
		Int("inputs", inputs).
		Int("missing", len(res.Missing)).
		Int("without_code", len(res.WithoutCode)).
		Int("rows", len(res.Merged)).
		Msg("classification finished")
}
