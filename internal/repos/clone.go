// Package repos snapshots the GitHub repositories referenced by audit reports.
package repos

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lucianasi/C4Audit/internal/dataset"
	"github.com/lucianasi/C4Audit/internal/model"
)

// Remote is a repository to snapshot and the directory it goes to.
type Remote struct {
	URL   string
	Owner string
	Name  string
	Dir   string
}

// parseGitHub returns owner, repo and the remaining path segments of a
// github.com URL.
func parseGitHub(raw string) (owner, name string, rest []string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", nil, false
	}
	host := strings.ToLower(u.Host)
	if host != "github.com" && host != "www.github.com" {
		return "", "", nil, false
	}
	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", "", nil, false
	}
	name = strings.TrimSuffix(parts[1], ".git")
	if name == "" || name == "." || name == ".." {
		return "", "", nil, false
	}
	return parts[0], name, parts[2:], true
}

var (
	codePaths = []string{"blob", "tree", "blame", "raw", "commit"}
	// GitHub pages that look like owner/name but are not repositories.
	reservedOwners = []string{"orgs", "sponsors", "users", "topics", "marketplace", "settings", "features"}
)

// RepoURLs lists the repositories an audit touches: the scope repository
// first, then every repository a vulnerable code link points into (a bare
// repository link, or a blob, tree, blame, raw or commit path). Links to
// issues, pull requests or findings repositories are not code and are ignored.
func RepoURLs(rep *model.AuditReport) []Remote {
	var out []Remote
	byURL := map[string]struct{}{}
	dirs := map[string]struct{}{}

	add := func(owner, name string) {
		u := "https://github.com/" + owner + "/" + name
		key := strings.ToLower(u)
		if _, ok := byURL[key]; ok {
			return
		}
		byURL[key] = struct{}{}
		dir := name
		if _, taken := dirs[strings.ToLower(dir)]; taken {
			dir = owner + "__" + name
		}
		dirs[strings.ToLower(dir)] = struct{}{}
		out = append(out, Remote{URL: u, Owner: owner, Name: name, Dir: dir})
	}

	if rep.Scope.Repository != nil {
		if owner, name, _, ok := parseGitHub(*rep.Scope.Repository); ok {
			add(owner, name)
		}
	}
	for _, is := range rep.Issues {
		for _, link := range is.VulnerableCodeLinks {
			owner, name, rest, ok := parseGitHub(link)
			if !ok || strings.HasSuffix(name, "-findings") || slices.Contains(reservedOwners, strings.ToLower(owner)) {
				continue
			}
			if len(rest) > 0 && !slices.Contains(codePaths, rest[0]) {
				continue
			}
			add(owner, name)
		}
	}
	return out
}

type Cloner struct {
	git    Git
	depth  int
	layout dataset.Layout
	log    zerolog.Logger
}

// NewCloner returns a Cloner. depth 0 means full history.
func NewCloner(gitPath string, depth int, l dataset.Layout, log zerolog.Logger) *Cloner {
	return &Cloner{git: Git{Path: gitPath}, depth: depth, layout: l, log: log}
}

// Clone clones url into dest. It reports false without touching anything
// when dest already holds a clone. The clone goes to a sibling directory
// first so an interrupted run never leaves a half-populated dest.
func (c *Cloner) Clone(ctx context.Context, url, dest string) (bool, error) {
	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}
	tmp := dest + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return false, err
	}

	args := []string{"clone", "--quiet"}
	if c.depth > 0 {
		args = append(args, "--depth", strconv.Itoa(c.depth))
	}
	args = append(args, url, tmp)
	if _, err := c.git.Run(ctx, args...); err != nil {
		_ = os.RemoveAll(tmp)
		return false, err
	}
	if err := os.RemoveAll(dest); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return false, fmt.Errorf("move clone into place: %w", err)
	}
	return true, nil
}

// CloneAudit clones every repository of rep into repositories/<id>/. A
// failing repository does not stop the others; all failures are joined.
func (c *Cloner) CloneAudit(ctx context.Context, rep *model.AuditReport) ([]Remote, error) {
	remotes := RepoURLs(rep)
	if len(remotes) == 0 {
		c.log.Warn().Str("audit", rep.AuditID).Msg("no repositories referenced")
		return nil, nil
	}

	var errs []error
	var done []Remote
	for _, r := range remotes {
		dest := c.layout.RepoDir(rep.AuditID, r.Dir)
		cloned, err := c.Clone(ctx, r.URL, dest)
		if err != nil {
			c.log.Error().Err(err).Str("audit", rep.AuditID).Str("repo", r.URL).Msg("clone failed")
			errs = append(errs, fmt.Errorf("%s: %w", r.URL, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if cloned {
			c.log.Info().Str("audit", rep.AuditID).Str("repo", r.URL).Str("dir", dest).Msg("cloned")
		} else {
			c.log.Debug().Str("audit", rep.AuditID).Str("repo", r.URL).Msg("already present")
		}
		done = append(done, r)
	}
	return done, errors.Join(errs...)
}
