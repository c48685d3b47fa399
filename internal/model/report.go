package model

import (
	"fmt"
	"regexp"
	"strings"
)

type Severity string

const (
	SeverityHigh        Severity = "High"
	SeverityMedium      Severity = "Medium"
	SeverityLow         Severity = "Low"
	SeverityNonCritical Severity = "Non-Critical"
	SeverityGas         Severity = "Gas"
	SeverityInfo        Severity = "Info"
)

// SeverityFromPrefix maps the letter in an issue id such as "H-01".
func SeverityFromPrefix(prefix string) Severity {
	switch prefix {
	case "H":
		return SeverityHigh
	case "M":
		return SeverityMedium
	case "L":
		return SeverityLow
	case "N":
		return SeverityNonCritical
	case "G":
		return SeverityGas
	default:
		return SeverityInfo
	}
}

func (s Severity) IsValid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow, SeverityNonCritical, SeverityGas, SeverityInfo:
		return true
	default:
		return false
	}
}

type AuditReport struct {
	AuditID     string  `json:"audit_id"`
	SourceURL   string  `json:"source_url,omitempty"`
	Date        string  `json:"date,omitempty"`
	ReportTitle *string `json:"report_title"`
	Scope       Scope   `json:"scope"`
	Issues      []Issue `json:"issues"`
}

type Scope struct {
	Repository    *string `json:"repository"`
	Contracts     int     `json:"contracts"`
	LinesSolidity int     `json:"lines_solidity"`
}

type Issue struct {
	IssueID             string   `json:"issue_id"`
	Title               string   `json:"title"`
	Severity            Severity `json:"severity"`
	Description         string   `json:"description"`
	VulnerableCodeLinks []string `json:"vulnerable_code_links"`
}

var auditIDPattern = regexp.MustCompile(`^(\d{4}-\d{2})-[a-z0-9][a-z0-9._-]*$`)

// AuditIDFromURL returns the last path segment of a report URL.
func AuditIDFromURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if i := strings.LastIndex(u, "/"); i >= 0 {
		u = u[i+1:]
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}

// AuditDate extracts the YYYY-MM prefix of an audit id, or "".
func AuditDate(auditID string) string {
	m := auditIDPattern.FindStringSubmatch(strings.ToLower(auditID))
	if m == nil {
		return ""
	}
	return m[1]
}

// Validate checks the invariants every stored report must satisfy.
func (r *AuditReport) Validate() error {
	if strings.TrimSpace(r.AuditID) == "" {
		return fmt.Errorf("audit id cannot be empty")
	}
	if strings.ContainsAny(r.AuditID, `/\`) || r.AuditID == "." || r.AuditID == ".." {
		return fmt.Errorf("invalid audit id: %q", r.AuditID)
	}
	for _, is := range r.Issues {
		if is.IssueID == "" {
			return fmt.Errorf("issue with empty id in %s", r.AuditID)
		}
		if !is.Severity.IsValid() {
			return fmt.Errorf("issue %s: invalid severity %q", is.IssueID, is.Severity)
		}
	}
	return nil
}

// SeverityCounts tallies issues per severity.
func (r *AuditReport) SeverityCounts() Summary {
	s := Summary{Total: len(r.Issues)}
	for _, is := range r.Issues {
		switch is.Severity {
		case SeverityHigh:
			s.High++
		case SeverityMedium:
			s.Medium++
		case SeverityLow:
			s.Low++
		default:
			s.Other++
		}
	}
	return s
}
