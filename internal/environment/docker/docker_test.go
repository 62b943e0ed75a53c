package docker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spachava753/stepbench/internal/environment"
)

func TestRunArgs(t *testing.T) {
	args := runArgs("bench-1", "/ws", environment.CreateEnvironmentOptions{
		ImageRef: "python:3.12",
		CPUs:     2,
		MemoryMB: 4096,
		Ports:    []int{8000, 3000},
		Env:      map[string]string{"B": "2", "A": "1"},
	})
	got := strings.Join(args, " ")
	want := "run -d --name bench-1 -w /ws --cpus 2 --memory 4096m -p 8000:8000 -p 3000:3000 -e A=1 -e B=2 python:3.12 sleep infinity"
	if got != want {
		t.Errorf("runArgs =\n%s\nwant\n%s", got, want)
	}
}

func TestExecArgs(t *testing.T) {
	e := &DockerEnvironment{containerID: "c1", workDir: "/ws"}

	got := strings.Join(e.execArgs("echo hi", environment.ExecOptions{WorkDir: "sub"}), " ")
	if got != "exec -w /ws/sub c1 bash -c echo hi" {
		t.Errorf("execArgs = %q", got)
	}

	got = strings.Join(e.execArgs("cat", environment.ExecOptions{Stdin: strings.NewReader("x")}), " ")
	if !strings.HasPrefix(got, "exec -i ") {
		t.Errorf("stdin should add -i: %q", got)
	}
}

// fakeDocker writes a script that records its arguments and returns the
// provider configured to call it.
func fakeDocker(t *testing.T) (*Provider, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n"
	bin := filepath.Join(dir, "docker")
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return &Provider{Binary: bin}, logPath
}

func TestLifecycleWithFakeBinary(t *testing.T) {
	p, logPath := fakeDocker(t)
	ctx := context.Background()

	env, err := p.CreateEnvironment(ctx, environment.CreateEnvironmentOptions{Name: "bench-2", ImageRef: "alpine"})
	if err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	if env.WorkDir() != DefaultWorkDir {
		t.Errorf("workdir = %q", env.WorkDir())
	}
	code, err := env.Exec(ctx, "true", nil, nil, environment.ExecOptions{})
	if err != nil || code != 0 {
		t.Fatalf("Exec = %d, %v", code, err)
	}
	if err := env.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	calls := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(calls) != 3 {
		t.Fatalf("expected 3 docker calls, got %q", calls)
	}
	if !strings.HasPrefix(calls[0], "run -d --name bench-2") {
		t.Errorf("first call = %q", calls[0])
	}
	if calls[2] != "rm -f bench-2" {
		t.Errorf("last call = %q", calls[2])
	}
}
