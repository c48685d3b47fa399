package report

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexPage = `<html><body>
<a href="/reports/2023-01-bravo">Bravo</a>
<a href="/reports/2022-05-alchemix">Alchemix</a>
<a href="/reports/2022-05-alchemix">Alchemix again</a>
<a href="/reports">All reports</a>
<a href="/reports/upcoming">Upcoming</a>
<a href="https://code4rena.com/reports/2021-01-absolute">Absolute</a>
</body></html>`

func TestExtractReportLinks(t *testing.T) {
	base, _ := url.Parse("https://code4rena.com/reports")
	links, err := ExtractReportLinks(strings.NewReader(indexPage), base)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://code4rena.com/reports/2022-05-alchemix",
		"https://code4rena.com/reports/2023-01-bravo",
	}, links)
}

func TestLoadURLs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# reports to parse\nhttps://code4rena.com/reports/2022-05-alchemix\n\n   \n  https://code4rena.com/reports/2023-01-bravo  \n  # indented comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	urls, err := LoadURLs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://code4rena.com/reports/2022-05-alchemix",
		"https://code4rena.com/reports/2023-01-bravo",
	}, urls)

	_, err = LoadURLs(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	page, err := os.ReadFile(filepath.Join("testdata", "report.html"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(indexPage))
	})
	mux.HandleFunc("/reports/2022-05-alchemix", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c4audit-test", r.Header.Get("User-Agent"))
		_, _ = w.Write(page)
	})
	mux.HandleFunc("/reports/2023-01-busy", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcher_FetchReport(t *testing.T) {
	srv := newTestServer(t)
	f := NewFetcher(5*time.Second, 50, "c4audit-test")

	rep, err := f.FetchReport(context.Background(), srv.URL+"/reports/2022-05-alchemix")
	require.NoError(t, err)
	assert.Equal(t, "2022-05-alchemix", rep.AuditID)
	assert.Len(t, rep.Issues, 7)
}

func TestFetcher_HTTPError(t *testing.T) {
	srv := newTestServer(t)
	f := NewFetcher(5*time.Second, 50, "")

	_, err := f.Get(context.Background(), srv.URL+"/reports/2023-01-busy")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.True(t, httpErr.Temporary())

	_, err = f.Get(context.Background(), srv.URL+"/reports/2099-01-missing")
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.False(t, httpErr.Temporary())
}

func TestFetcher_ListReportLinks(t *testing.T) {
	srv := newTestServer(t)
	f := NewFetcher(5*time.Second, 50, "")

	links, err := f.ListReportLinks(context.Background(), srv.URL+"/reports")
	require.NoError(t, err)
	assert.Equal(t, []string{
		srv.URL + "/reports/2022-05-alchemix",
		srv.URL + "/reports/2023-01-bravo",
	}, links)
}

func TestFetcher_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t)
	f := NewFetcher(5*time.Second, 50, "c4audit-test")
	f.maxBody = 64

	_, err := f.FetchReport(context.Background(), srv.URL+"/reports/2022-05-alchemix")
	assert.ErrorIs(t, err, ErrBodyTooLarge)

	f.maxBody = int64(len(indexPage))
	_, err = f.Get(context.Background(), srv.URL+"/reports")
	assert.NoError(t, err, "a body exactly at the limit is accepted")
}

func TestFetcher_CanceledContext(t *testing.T) {
	f := NewFetcher(time.Second, 1, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx, "http://127.0.0.1:1/never")
	assert.Error(t, err)
}
