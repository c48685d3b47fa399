// Package report turns Code4rena audit report pages into AuditReport records.
package report

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/lucianasi/C4Audit/internal/model"
)

var (
	// ErrNoScope is returned for pages without an <h1 id="scope"> section.
	ErrNoScope = errors.New("report: no scope section")
	// ErrNotSolidity is returned when the scope section never mentions Solidity.
	ErrNotSolidity = errors.New("report: scope does not mention Solidity")
)

// IsSkip reports whether err means the page is valid but out of the dataset.
func IsSkip(err error) bool {
	return errors.Is(err, ErrNoScope) || errors.Is(err, ErrNotSolidity)
}

var (
	issueHeading    = regexp.MustCompile(`^\[(H|M|L|N|G)-\d+\]`)
	numberedHeading = regexp.MustCompile(`^\[\d+\]`)
	listIssueID     = regexp.MustCompile(`^\[(L-\d+)\]`)
	solidityWord    = regexp.MustCompile(`(?i)\bSolidity\b`)
	contractsCount  = regexp.MustCompile(`(?i)([\d,~]+)\s+(?:smart\s+)?contracts?`)
	solidityLines   = regexp.MustCompile(`(?i)([\d,~]+)\s+(?:source\s+lines|lines\s+of\s+Solidity|lines\s+of\s+Solidity\s+code|lines\s+of\s+code\s+written\s+in\s+Solidity)`)
	nonDigits       = regexp.MustCompile(`[^\d]`)
)

// Parse reads one report page. sourceURL names the page and provides the
// audit id; it is not fetched.
func Parse(r io.Reader, sourceURL string) (*model.AuditReport, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	scope, err := parseScope(doc)
	if err != nil {
		return nil, err
	}

	id := model.AuditIDFromURL(sourceURL)
	rep := &model.AuditReport{
		AuditID:   id,
		SourceURL: sourceURL,
		Date:      model.AuditDate(id),
		Scope:     scope,
	}
	if h1 := findFirst(doc, atom.H1); h1 != nil {
		title := textOf(h1)
		rep.ReportTitle = &title
	}
	rep.Issues = append(highMediumIssues(doc), lowIssues(doc)...)
	if rep.Issues == nil {
		rep.Issues = []model.Issue{}
	}
	return rep, nil
}

// normalizeNumber keeps only the digits of s; anything unparsable is 0.
func normalizeNumber(s string) int {
	n, err := strconv.Atoi(nonDigits.ReplaceAllString(s, ""))
	if err != nil {
		return 0
	}
	return n
}

func scopeNumbers(text string) (contracts, lines int) {
	if m := contractsCount.FindStringSubmatch(text); m != nil {
		contracts = normalizeNumber(m[1])
	}
	if m := solidityLines.FindStringSubmatch(text); m != nil {
		lines = normalizeNumber(m[1])
	}
	return contracts, lines
}

// section returns the element siblings following the h1 with the given id,
// up to the next h1.
func section(doc *html.Node, id string) ([]*html.Node, bool) {
	for _, h := range findAll(doc, atom.H1) {
		if v, ok := attr(h, "id"); ok && v == id {
			var out []*html.Node
			for s := nextElement(h); s != nil && !isTag(s, atom.H1); s = nextElement(s) {
				out = append(out, s)
			}
			return out, true
		}
	}
	return nil, false
}

func parseScope(doc *html.Node) (model.Scope, error) {
	nodes, ok := section(doc, "scope")
	if !ok || len(nodes) == 0 {
		return model.Scope{}, ErrNoScope
	}

	var texts []string
	var repo *string
	for _, n := range nodes {
		if t := textOf(n); t != "" {
			texts = append(texts, t)
		}
		if repo != nil {
			continue
		}
		for _, href := range githubLinks(n) {
			if strings.Contains(href, "code-423n4") {
				h := href
				repo = &h
				break
			}
		}
	}
	text := strings.Join(texts, " ")
	if !solidityWord.MatchString(text) {
		return model.Scope{}, ErrNotSolidity
	}

	contracts, lines := scopeNumbers(text)
	return model.Scope{Repository: repo, Contracts: contracts, LinesSolidity: lines}, nil
}

func isIssueHeading(n *html.Node) bool {
	return isTag(n, atom.H2) && issueHeading.MatchString(textOf(n))
}

func titleAfterBracket(text string) string {
	if _, after, ok := strings.Cut(text, "]"); ok {
		return strings.TrimSpace(after)
	}
	return text
}

// issueFromHeading reads an "[H-01] title" heading and the description that
// follows it up to the next issue heading or section.
func issueFromHeading(h *html.Node) (model.Issue, bool) {
	text := textOf(h)
	m := issueHeading.FindStringSubmatch(text)
	if m == nil {
		return model.Issue{}, false
	}

	var desc []string
	var links linkSet
	for s := nextElement(h); s != nil && !isTag(s, atom.H1) && !isIssueHeading(s); s = nextElement(s) {
		if t := textOf(s); t != "" {
			desc = append(desc, t)
		}
		links.add(githubLinks(s)...)
	}

	return model.Issue{
		IssueID:             strings.Trim(m[0], "[]"),
		Title:               titleAfterBracket(text),
		Severity:            model.SeverityFromPrefix(m[1]),
		Description:         strings.TrimSpace(strings.Join(desc, " ")),
		VulnerableCodeLinks: links.list(),
	}, true
}

// numberedIssue handles "[01] title" headings used by some QA reports.
func numberedIssue(h *html.Node, counter int) model.Issue {
	var links linkSet
	links.add(githubLinks(h)...)

	var desc []string
	for s := nextElement(h); s != nil && !isTag(s, atom.H1) && !isTag(s, atom.H2); s = nextElement(s) {
		if t := textOf(s); t != "" {
			desc = append(desc, t)
		}
		links.add(githubLinks(s)...)
	}

	return model.Issue{
		IssueID:             fmt.Sprintf("L-%02d", counter),
		Title:               titleAfterBracket(textOf(h)),
		Severity:            model.SeverityLow,
		Description:         strings.TrimSpace(strings.Join(desc, " ")),
		VulnerableCodeLinks: links.list(),
	}
}

// listIssues handles older QA reports that list findings as <ul><li><a>.
func listIssues(ul *html.Node, counter int) []model.Issue {
	var out []model.Issue
	for li := ul.FirstChild; li != nil; li = li.NextSibling {
		if !isTag(li, atom.Li) {
			continue
		}
		a := findFirst(li, atom.A)
		if a == nil {
			continue
		}
		text := textOf(a)
		id := fmt.Sprintf("L-%02d", counter)
		if m := listIssueID.FindStringSubmatch(text); m != nil {
			id = m[1]
		}
		title := titleAfterBracket(text)

		links := []string{}
		if href, ok := attr(a, "href"); ok && href != "" {
			links = append(links, href)
		}
		author := ""
		if em := findFirst(li, atom.Em); em != nil {
			author = textOf(em)
		}

		out = append(out, model.Issue{
			IssueID:             id,
			Title:               title,
			Severity:            model.SeverityLow,
			Description:         strings.TrimSpace(title + ". " + author),
			VulnerableCodeLinks: links,
		})
		counter++
	}
	return out
}

func highMediumIssues(doc *html.Node) []model.Issue {
	var out []model.Issue
	h1s := findAll(doc, atom.H1)
	for _, prefix := range []string{"high-risk-findings", "medium-risk-findings"} {
		for _, h := range h1s {
			id, ok := attr(h, "id")
			if !ok || !strings.HasPrefix(id, prefix) {
				continue
			}
			for s := nextElement(h); s != nil && !isTag(s, atom.H1); s = nextElement(s) {
				if !isTag(s, atom.H2) {
					continue
				}
				if is, ok := issueFromHeading(s); ok {
					out = append(out, is)
				}
			}
		}
	}
	return out
}

func lowIssues(doc *html.Node) []model.Issue {
	var out []model.Issue
	for _, h := range findAll(doc, atom.H1) {
		id, ok := attr(h, "id")
		if !ok {
			continue
		}
		id = strings.ToLower(id)
		if !strings.Contains(id, "low-risk") && !strings.Contains(id, "non-critical") {
			continue
		}

		counter := 1
		for s := nextElement(h); s != nil && !isTag(s, atom.H1); s = nextElement(s) {
			switch {
			case isTag(s, atom.H2):
				if is, ok := issueFromHeading(s); ok {
					is.Severity = model.SeverityLow
					out = append(out, is)
					counter++
				} else if numberedHeading.MatchString(textOf(s)) {
					out = append(out, numberedIssue(s, counter))
					counter++
				}
			case isTag(s, atom.Ul):
				items := listIssues(s, counter)
				out = append(out, items...)
				counter += len(items)
			}
		}
	}
	return out
}
