package report

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/model"
)

func TestSaveLoad(t *testing.T) {
	l := dataset.New(t.TempDir())
	rep := parseFixture(t)

	path, err := Save(l, rep)
	require.NoError(t, err)
	assert.Equal(t, l.ReportFile("2022-05-alchemix"), path)

	got, err := Load(l, "2022-05-alchemix")
	require.NoError(t, err)
	assert.Equal(t, rep, got)
}

func TestLoad_LegacyFileWithoutID(t *testing.T) {
	l := dataset.New(t.TempDir())
	require.NoError(t, os.MkdirAll(l.ReportDir("2021-06-gro"), 0o755))
	legacy := `{"report_title": "Gro", "scope": {"repository": null, "contracts": 4, "lines_solidity": 900}, "issues": [{"issue_id": "H-01", "title": "t", "severity": "High", "description": "d", "vulnerable_code_links": []}]}`
	require.NoError(t, os.WriteFile(l.ReportFile("2021-06-gro"), []byte(legacy), 0o644))

	got, err := Load(l, "2021-06-gro")
	require.NoError(t, err)
	assert.Equal(t, "2021-06-gro", got.AuditID)
	assert.Equal(t, "2021-06", got.Date)
	assert.Equal(t, 4, got.Scope.Contracts)
	assert.Equal(t, model.SeverityHigh, got.Issues[0].Severity)
}

func TestSave_RejectsInvalidID(t *testing.T) {
	l := dataset.New(t.TempDir())
	_, err := Save(l, &model.AuditReport{AuditID: "../escape"})
	assert.Error(t, err)
}
