package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuditIDFromURL(t *testing.T) {
	cases := map[string]string{
		"https://code4rena.com/reports/2022-05-alchemix":   "2022-05-alchemix",
		"https://code4rena.com/reports/2022-05-alchemix/":  "2022-05-alchemix",
		"https://code4rena.com/reports/2024-01-foo?tab=x":  "2024-01-foo",
		"  https://code4rena.com/reports/2023-11-bar#h-01": "2023-11-bar",
		"2021-04-meebits": "2021-04-meebits",
	}
	for in, want := range cases {
		assert.Equal(t, want, AuditIDFromURL(in), in)
	}
}

func TestAuditDate(t *testing.T) {
	assert.Equal(t, "2022-05", AuditDate("2022-05-alchemix"))
	assert.Equal(t, "2025-03", AuditDate("2025-03-silo-finance"))
	assert.Equal(t, "", AuditDate("alchemix"))
}

func TestSeverityFromPrefix(t *testing.T) {
	assert.Equal(t, SeverityHigh, SeverityFromPrefix("H"))
	assert.Equal(t, SeverityMedium, SeverityFromPrefix("M"))
	assert.Equal(t, SeverityLow, SeverityFromPrefix("L"))
	assert.Equal(t, SeverityNonCritical, SeverityFromPrefix("N"))
	assert.Equal(t, SeverityGas, SeverityFromPrefix("G"))
	assert.Equal(t, SeverityInfo, SeverityFromPrefix("Q"))
}

func TestValidate(t *testing.T) {
	r := &AuditReport{AuditID: "2022-05-alchemix", Issues: []Issue{{IssueID: "H-01", Severity: SeverityHigh}}}
	assert.NoError(t, r.Validate())

	r.AuditID = "../etc"
	assert.Error(t, r.Validate())

	r.AuditID = "2022-05-alchemix"
	r.Issues = append(r.Issues, Issue{IssueID: "M-01", Severity: "Critical"})
	assert.Error(t, r.Validate())
}

func TestSeverityCounts(t *testing.T) {
	r := &AuditReport{Issues: []Issue{
		{IssueID: "H-01", Severity: SeverityHigh},
		{IssueID: "M-01", Severity: SeverityMedium},
		{IssueID: "M-02", Severity: SeverityMedium},
		{IssueID: "L-01", Severity: SeverityLow},
		{IssueID: "G-01", Severity: SeverityGas},
	}}
	s := r.SeverityCounts()
	assert.Equal(t, Summary{Total: 5, High: 1, Medium: 2, Low: 1, Other: 1}, s)
}
