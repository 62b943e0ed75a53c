// Package source prepares host checkouts of framework repositories so every
// run of a framework starts from the same commit without cloning again.
package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/stepbench/internal/models"
)

// Resolver clones framework repositories into a cache directory.
type Resolver struct {
	baseDir string
	// Output receives git's progress output. Defaults to io.Discard.
	Output io.Writer
}

// NewResolver creates the cache directory if needed.
func NewResolver(baseDir string) (*Resolver, error) {
	slog.Debug("creating source cache directory", "path", baseDir)
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating source cache directory: %w", err)
	}
	return &Resolver{baseDir: baseDir, Output: io.Discard}, nil
}

// BaseDir returns the cache directory.
func (r *Resolver) BaseDir() string {
	return r.baseDir
}

// cloneKey identifies a repository at a specific commit.
type cloneKey struct {
	URL    string
	Commit string // empty means HEAD
}

// Resolve returns the checkout directory for every framework that names a
// repo_url, keyed by framework name. Repositories shared by several
// frameworks are cloned once; distinct repositories are cloned in parallel.
func (r *Resolver) Resolve(ctx context.Context, frameworks map[string]models.FrameworkConfig) (map[string]string, error) {
	groups := make(map[cloneKey][]string)
	for name, fw := range frameworks {
		if fw.RepoURL == "" {
			continue
		}
		key := cloneKey{URL: fw.RepoURL, Commit: fw.CommitHash}
		groups[key] = append(groups[key], name)
	}

	slog.Debug("resolving framework sources", "frameworks", len(frameworks), "unique_repos", len(groups))

	dirs := make(map[string]string)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for key, names := range groups {
		g.Go(func() error {
			path, err := r.clone(ctx, key)
			if err != nil {
				return fmt.Errorf("cloning %s for %s: %w", key.URL, strings.Join(names, ", "), err)
			}
			mu.Lock()
			for _, n := range names {
				dirs[n] = path
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dirs, nil
}

// clone checks the repository out into the cache. The checkout is built in
// a temporary directory and renamed into place, so a present directory is
// always complete.
func (r *Resolver) clone(ctx context.Context, key cloneKey) (string, error) {
	path := filepath.Join(r.baseDir, cloneDirName(key))
	if _, err := os.Stat(path); err == nil {
		slog.Debug("repository already cloned", "url", key.URL, "path", path)
		return path, nil
	}

	tmp, err := os.MkdirTemp(r.baseDir, ".clone-")
	if err != nil {
		return "", fmt.Errorf("creating clone directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if key.Commit == "" {
		slog.Debug("cloning repository (shallow)", "url", key.URL, "dest", path)
		if err := r.git(ctx, "", "clone", "--depth", "1", key.URL, tmp); err != nil {
			return "", err
		}
	} else {
		slog.Debug("cloning repository (full)", "url", key.URL, "commit", key.Commit, "dest", path)
		if err := r.git(ctx, "", "clone", key.URL, tmp); err != nil {
			return "", err
		}
		if err := r.git(ctx, tmp, "checkout", "--quiet", key.Commit); err != nil {
			return "", err
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		// another process finished the same checkout first
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
		return "", fmt.Errorf("moving clone into place: %w", err)
	}
	slog.Debug("repository cloned", "url", key.URL, "path", path)
	return path, nil
}

func (r *Resolver) git(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stdout = r.Output
	cmd.Stderr = io.MultiWriter(r.Output, &stderr)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// cloneDirName returns a short filesystem-safe name for key.
func cloneDirName(key cloneKey) string {
	h := sha256.Sum256([]byte(key.URL))
	urlHash := fmt.Sprintf("%x", h[:8])

	commitPart := "HEAD"
	if key.Commit != "" {
		commitPart = key.Commit
		if len(commitPart) > 12 {
			commitPart = commitPart[:12]
		}
	}

	repoName := filepath.Base(strings.TrimSuffix(strings.TrimRight(key.URL, "/"), ".git"))
	return fmt.Sprintf("%s-%s-%s", repoName, urlHash, commitPart)
}
