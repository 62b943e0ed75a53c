package source

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spachava753/stepbench/internal/models"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// testRepo creates a repository with two commits and returns its path and
// the first commit's hash.
func testRepo(t *testing.T) (string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run(t, dir, "init", "--quiet")
	os.WriteFile(filepath.Join(dir, "VERSION"), []byte("one\n"), 0644)
	run(t, dir, "add", "VERSION")
	run(t, dir, "commit", "--quiet", "-m", "first")
	first := run(t, dir, "rev-parse", "HEAD")
	os.WriteFile(filepath.Join(dir, "VERSION"), []byte("two\n"), 0644)
	run(t, dir, "commit", "--quiet", "-am", "second")
	return dir, first
}

func TestResolveClonesOncePerCommit(t *testing.T) {
	repo, first := testRepo(t)
	r, err := NewResolver(filepath.Join(t.TempDir(), "sources"))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	dirs, err := r.Resolve(context.Background(), map[string]models.FrameworkConfig{
		"pinned-a": {RepoURL: repo, CommitHash: first},
		"pinned-b": {RepoURL: repo, CommitHash: first},
		"latest":   {RepoURL: repo},
		"prebuilt": {},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if dirs["pinned-a"] == "" || dirs["pinned-a"] != dirs["pinned-b"] {
		t.Fatalf("pinned frameworks should share one checkout: %v", dirs)
	}
	if _, ok := dirs["prebuilt"]; ok {
		t.Errorf("framework without repo_url got a checkout: %v", dirs)
	}

	read := func(dir string) string {
		b, err := os.ReadFile(filepath.Join(dir, "VERSION"))
		if err != nil {
			t.Fatalf("reading VERSION: %v", err)
		}
		return strings.TrimSpace(string(b))
	}
	if got := read(dirs["pinned-a"]); got != "one" {
		t.Errorf("pinned checkout VERSION = %q, want one", got)
	}
	if got := read(dirs["latest"]); got != "two" {
		t.Errorf("HEAD checkout VERSION = %q, want two", got)
	}

	entries, err := os.ReadDir(r.BaseDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("cache holds %d entries, want 2 (no leftover temp dirs)", len(entries))
	}

	again, err := r.Resolve(context.Background(), map[string]models.FrameworkConfig{
		"pinned-a": {RepoURL: repo, CommitHash: first},
	})
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again["pinned-a"] != dirs["pinned-a"] {
		t.Errorf("second resolve used %q, want cached %q", again["pinned-a"], dirs["pinned-a"])
	}
}

func TestResolveBadCommit(t *testing.T) {
	repo, _ := testRepo(t)
	r, err := NewResolver(t.TempDir())
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	_, err = r.Resolve(context.Background(), map[string]models.FrameworkConfig{
		"broken": {RepoURL: repo, CommitHash: "0123456789abcdef0123456789abcdef01234567"},
	})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected checkout error naming the framework, got %v", err)
	}
}

func TestCloneDirName(t *testing.T) {
	tests := []struct {
		name     string
		key      cloneKey
		wantPart string
	}{
		{"with commit", cloneKey{URL: "https://github.com/example/repo.git", Commit: "abc123def456789"}, "repo-"},
		{"commit truncated", cloneKey{URL: "https://github.com/example/repo.git", Commit: "abc123def456789"}, "-abc123def456"},
		{"HEAD", cloneKey{URL: "https://github.com/example/repo.git"}, "-HEAD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cloneDirName(tt.key)
			if !strings.Contains(got, tt.wantPart) {
				t.Errorf("cloneDirName = %q, want it to contain %q", got, tt.wantPart)
			}
		})
	}
	if cloneDirName(cloneKey{URL: "a/repo"}) == cloneDirName(cloneKey{URL: "b/repo"}) {
		t.Error("different URLs with the same base name collide")
	}
}
