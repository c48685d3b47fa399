// Package dataset knows where every artifact of the C4Audit dataset lives on
// disk and writes those artifacts atomically.
package dataset

import (
	"os"
	"path/filepath"
	"sort"
)

const (
	ReportsDir      = "reports_parser"
	RepositoriesDir = "repositories"
	MetricsDir      = "C4Audit_metrics"
	LizardCSVDir    = "Lizard_metrics_csv"
	FunctionsCSV    = "functions.csv"

	MergedCSV          = "merged_lizard_classified.csv"
	MissingReposFile   = "missing_repositories.txt"
	NoCodeReposFile    = "repositories_without_code.txt"
	InvalidCodeCSV     = "invalid_code_classifications.csv"
	MisplacedSolCSV    = "misplaced_sol_files.csv"
	classMetricsSuffix = "_metrics.csv"
)

type Layout struct {
	Root string
}

func New(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: root}
}

func (l Layout) ReportDir(auditID string) string {
	return filepath.Join(l.Root, ReportsDir, auditID)
}

func (l Layout) ReportFile(auditID string) string {
	return filepath.Join(l.ReportDir(auditID), auditID+".json")
}

func (l Layout) AuditRepoDir(auditID string) string {
	return filepath.Join(l.Root, RepositoriesDir, auditID)
}

func (l Layout) RepoDir(auditID, repo string) string {
	return filepath.Join(l.AuditRepoDir(auditID), repo)
}

func (l Layout) MetricsRoot() string {
	return filepath.Join(l.Root, MetricsDir)
}

func (l Layout) FunctionsFile(auditID string) string {
	return filepath.Join(l.MetricsRoot(), LizardCSVDir, auditID, FunctionsCSV)
}

func (l Layout) ClassMetricsFile(class string) string {
	return filepath.Join(l.MetricsRoot(), class+classMetricsSuffix)
}

// ReportIDs lists audit ids that have a parsed report on disk.
func (l Layout) ReportIDs() ([]string, error) {
	return l.subdirsWith(filepath.Join(l.Root, ReportsDir), func(id string) string { return l.ReportFile(id) })
}

// RepositoryIDs lists audit ids that have a repositories directory.
func (l Layout) RepositoryIDs() ([]string, error) {
	return l.subdirsWith(filepath.Join(l.Root, RepositoriesDir), nil)
}

// MetricsIDs lists audit ids that have a functions.csv.
func (l Layout) MetricsIDs() ([]string, error) {
	return l.subdirsWith(filepath.Join(l.MetricsRoot(), LizardCSVDir), l.FunctionsFile)
}

func (l Layout) subdirsWith(dir string, file func(string) string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if file != nil {
			if _, err := os.Stat(file(e.Name())); err != nil {
				continue
			}
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
