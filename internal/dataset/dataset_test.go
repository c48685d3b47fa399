package dataset

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutPaths(t *testing.T) {
	l := New("/data")
	assert.Equal(t, "/data/reports_parser/2022-05-alchemix/2022-05-alchemix.json", l.ReportFile("2022-05-alchemix"))
	assert.Equal(t, "/data/repositories/2022-05-alchemix/v2-foundry", l.RepoDir("2022-05-alchemix", "v2-foundry"))
	assert.Equal(t, "/data/C4Audit_metrics/Lizard_metrics_csv/2022-05-alchemix/functions.csv", l.FunctionsFile("2022-05-alchemix"))
	assert.Equal(t, "/data/C4Audit_metrics/Code_metrics.csv", l.ClassMetricsFile("Code"))
	assert.Equal(t, ".", New("").Root)
}

func TestWriteJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "r.json")
	in := map[string]any{"title": "a <b> & c", "n": 3}
	require.NoError(t, WriteJSON(path, in))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a <b> & c")
	assert.Contains(t, string(raw), "\n  ")

	var out map[string]any
	require.NoError(t, ReadJSON(path, &out))
	assert.Equal(t, "a <b> & c", out["title"])
}

func TestWriteAtomic_KeepsOldFileOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, WriteLines(path, []string{"one", "two"}))

	err := WriteAtomic(path, func(w io.Writer) error {
		_, _ = io.WriteString(w, "partial")
		return errors.New("boom")
	})
	require.Error(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(raw))
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.csv")
	require.NoError(t, WriteCSV(path, []string{"Repo", "LOC"}, [][]string{{"a,b", "3"}}))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Repo,LOC\n\"a,b\",3\n", string(raw))
}

func TestListIDs(t *testing.T) {
	root := t.TempDir()
	l := New(root)
	require.NoError(t, WriteJSON(l.ReportFile("2023-01-b"), map[string]int{}))
	require.NoError(t, WriteJSON(l.ReportFile("2022-01-a"), map[string]int{}))
	require.NoError(t, os.MkdirAll(l.ReportDir("2024-01-empty"), 0o755))
	require.NoError(t, WriteLines(l.FunctionsFile("2022-01-a"), []string{"NLOC"}))

	ids, err := l.ReportIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"2022-01-a", "2023-01-b"}, ids)

	ids, err = l.MetricsIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"2022-01-a"}, ids)

	ids, err = l.RepositoryIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}
