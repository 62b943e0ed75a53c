package adapter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// PortGuard makes sure a run's ports are not held by a leftover process
// before the framework starts.
type PortGuard struct {
	// Holders returns the pids listening on port.
	Holders func(ctx context.Context, port int) ([]int, error)
	// Kill terminates pid.
	Kill func(pid int) error
	// Wait bounds how long a killed holder has to release the port.
	Wait time.Duration
}

// NewPortGuard returns a guard that finds holders with lsof and kills them
// with SIGKILL.
func NewPortGuard() *PortGuard {
	return &PortGuard{
		Holders: lsofHolders,
		Kill: func(pid int) error {
			return syscall.Kill(pid, syscall.SIGKILL)
		},
		Wait: 5 * time.Second,
	}
}

// PortFree reports whether port can be bound on all interfaces.
func PortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// EnsureFree frees every busy port in ports. A port that stays busy yields
// a *SetupError naming it.
func (g *PortGuard) EnsureFree(ctx context.Context, framework string, ports []int) error {
	for _, port := range ports {
		if PortFree(port) {
			continue
		}

		pids, err := g.Holders(ctx, port)
		if err != nil {
			return &SetupError{Framework: framework, Err: fmt.Errorf("finding holder of port %d: %w", port, err)}
		}
		slog.Warn("port busy, killing holders", "framework", framework, "port", port, "pids", pids)
		for _, pid := range pids {
			if err := g.Kill(pid); err != nil {
				slog.Debug("kill failed", "pid", pid, "error", err)
			}
		}

		if !g.waitFree(ctx, port) {
			return &SetupError{Framework: framework, Err: fmt.Errorf("port %d still in use", port)}
		}
	}
	return nil
}

func (g *PortGuard) waitFree(ctx context.Context, port int) bool {
	deadline := time.Now().Add(g.Wait)
	for {
		if PortFree(port) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func lsofHolders(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-ti", fmt.Sprintf("tcp:%d", port))
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		// lsof exits 1 when nothing matches
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("running lsof: %w", err)
	}
	return parsePids(stdout.String()), nil
}

func parsePids(out string) []int {
	var pids []int
	for _, field := range strings.Fields(out) {
		if pid, err := strconv.Atoi(field); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}
