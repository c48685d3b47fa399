package report

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"

	"github.com/lucianasi/C4Audit/internal/model"
)

const maxBodyBytes = 64 << 20

// ErrBodyTooLarge is returned instead of parsing a truncated page.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// HTTPError is returned for any non-200 response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d", e.URL, e.StatusCode)
}

// Temporary reports whether retrying the request might help.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Fetcher downloads pages from code4rena.com. All requests share one rate
// limiter so concurrent callers stay polite.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	maxBody   int64
}

func NewFetcher(timeout time.Duration, rps float64, userAgent string) *Fetcher {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		userAgent: userAgent,
		maxBody:   maxBodyBytes,
	}
}

func (f *Fetcher) Get(ctx context.Context, u string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return nil, &HTTPError{URL: u, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", u, ErrBodyTooLarge, f.maxBody)
	}
	return body, nil
}

// FetchReport downloads and parses one report page.
func (f *Fetcher) FetchReport(ctx context.Context, u string) (*model.AuditReport, error) {
	body, err := f.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(body), u)
}

var reportHref = regexp.MustCompile(`^/reports/\d{4}-\d{2}-`)

// ListReportLinks fetches the reports index and returns every report URL on it.
func (f *Fetcher) ListReportLinks(ctx context.Context, indexURL string) ([]string, error) {
	base, err := url.Parse(indexURL)
	if err != nil {
		return nil, fmt.Errorf("parse index url: %w", err)
	}
	body, err := f.Get(ctx, indexURL)
	if err != nil {
		return nil, err
	}
	return ExtractReportLinks(bytes.NewReader(body), base)
}

// ExtractReportLinks collects /reports/YYYY-MM-* anchors, resolved against
// base, sorted and deduplicated.
func ExtractReportLinks(r io.Reader, base *url.URL) ([]string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	seen := map[string]struct{}{}
	var out []string
	for _, a := range findAll(doc, atom.A) {
		href, ok := attr(a, "href")
		if !ok || !reportHref.MatchString(href) {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref).String()
		if _, dup := seen[abs]; dup {
			continue
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	sort.Strings(out)
	return out, nil
}

// LoadURLs reads one URL per line, skipping blank lines and # comments.
func LoadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}
