package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucianasi/C4Audit/internal/model"
)

const alchemixURL = "https://code4rena.com/reports/2022-05-alchemix"

func parseFixture(t *testing.T) *model.AuditReport {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", "report.html"))
	require.NoError(t, err)
	defer f.Close()

	rep, err := Parse(f, alchemixURL)
	require.NoError(t, err)
	return rep
}

func TestParse_Metadata(t *testing.T) {
	rep := parseFixture(t)

	assert.Equal(t, "2022-05-alchemix", rep.AuditID)
	assert.Equal(t, "2022-05", rep.Date)
	assert.Equal(t, alchemixURL, rep.SourceURL)
	require.NotNil(t, rep.ReportTitle)
	assert.Equal(t, "Alchemix contest Findings & Analysis Report", *rep.ReportTitle)
}

func TestParse_Scope(t *testing.T) {
	rep := parseFixture(t)

	require.NotNil(t, rep.Scope.Repository)
	assert.Equal(t, "https://github.com/code-423n4/2022-05-alchemix", *rep.Scope.Repository)
	assert.Equal(t, 1234, rep.Scope.Contracts)
	assert.Equal(t, 2450, rep.Scope.LinesSolidity)
}

func TestParse_Issues(t *testing.T) {
	rep := parseFixture(t)

	var ids []string
	for _, is := range rep.Issues {
		ids = append(ids, is.IssueID)
	}
	assert.Equal(t, []string{"H-01", "H-02", "M-01", "L-07", "L-02", "L-03", "N-01"}, ids)

	h1 := rep.Issues[0]
	assert.Equal(t, "Reentrancy in withdraw", h1.Title)
	assert.Equal(t, model.SeverityHigh, h1.Severity)
	assert.Equal(t, "Submitted by alice See Vault.sol#L10 and again .", h1.Description)
	assert.Equal(t, []string{"https://github.com/code-423n4/2022-05-alchemix/blob/main/src/Vault.sol#L10"}, h1.VulnerableCodeLinks)

	h2 := rep.Issues[1]
	assert.Equal(t, "Oracle at Oracle.sol#L42", h2.Description, "description stops at the next section")

	m1 := rep.Issues[2]
	assert.Equal(t, model.SeverityMedium, m1.Severity)
	assert.Empty(t, m1.VulnerableCodeLinks)
	assert.NotNil(t, m1.VulnerableCodeLinks)

	l7 := rep.Issues[3]
	assert.Equal(t, "Floating pragma", l7.Title)
	assert.Equal(t, "Floating pragma. bob", l7.Description)
	assert.Equal(t, []string{"https://github.com/code-423n4/2022-05-alchemix-findings/issues/5"}, l7.VulnerableCodeLinks)

	l2 := rep.Issues[4]
	assert.Equal(t, "Events not indexed", l2.Title)
	assert.Equal(t, "Events not indexed.", l2.Description)

	l3 := rep.Issues[5]
	assert.Equal(t, "Unchecked return value", l3.Title)
	assert.Equal(t, "Transfer result ignored Token.sol#L7", l3.Description)
	assert.Equal(t, model.SeverityLow, l3.Severity)

	n1 := rep.Issues[6]
	assert.Equal(t, model.SeverityLow, n1.Severity, "QA section issues are always Low")
	assert.Equal(t, "Use named constants", n1.Title)
	assert.Equal(t, "Magic numbers.", n1.Description)
}

func TestParse_SkipsReportsWithoutScope(t *testing.T) {
	_, err := Parse(strings.NewReader(`<html><body><h1 id="summary">Summary</h1><p>Solidity</p></body></html>`), alchemixURL)
	assert.ErrorIs(t, err, ErrNoScope)
	assert.True(t, IsSkip(err))
}

func TestParse_SkipsNonSolidity(t *testing.T) {
	page := `<html><body>
<h1 id="scope">Scope</h1><p>12 contracts written in Rust, 900 source lines.</p>
<h1 id="high-risk-findings">High</h1><h2>[H-01] bug</h2>
</body></html>`
	_, err := Parse(strings.NewReader(page), alchemixURL)
	assert.ErrorIs(t, err, ErrNotSolidity)
	assert.True(t, IsSkip(err))
}

func TestParse_NoRepositoryLink(t *testing.T) {
	page := `<html><body><h1 id="scope">Scope</h1><p>3 contracts, 120 lines of Solidity</p></body></html>`
	rep, err := Parse(strings.NewReader(page), "https://code4rena.com/reports/2021-02-tiny")
	require.NoError(t, err)
	assert.Nil(t, rep.Scope.Repository)
	assert.Equal(t, 3, rep.Scope.Contracts)
	assert.Equal(t, 120, rep.Scope.LinesSolidity)
	assert.NotNil(t, rep.Issues)
	assert.Empty(t, rep.Issues)
}

func TestNormalizeNumber(t *testing.T) {
	assert.Equal(t, 1234, normalizeNumber("1,234"))
	assert.Equal(t, 2450, normalizeNumber("~2,450"))
	assert.Equal(t, 0, normalizeNumber("~"))
	assert.Equal(t, 0, normalizeNumber(""))
}

func TestScopeNumbers(t *testing.T) {
	cases := []struct {
		text      string
		contracts int
		lines     int
	}{
		{"8 contracts and 1,200 lines of Solidity", 8, 1200},
		{"1 smart contract with 95 lines of code written in Solidity", 1, 95},
		{"14 Contracts, ~3,000 Source Lines", 14, 3000},
		{"no numbers here", 0, 0},
	}
	for _, c := range cases {
		contracts, lines := scopeNumbers(c.text)
		assert.Equal(t, c.contracts, contracts, c.text)
		assert.Equal(t, c.lines, lines, c.text)
	}
}
