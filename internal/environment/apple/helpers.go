package apple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// validatePath rejects paths with ".." segments.
func validatePath(path string) error {
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("invalid path: contains directory traversal: %q", path)
		}
	}
	return nil
}

// runPipeline connects producer's stdout to consumer's stdin and waits for both.
func runPipeline(producer, consumer *exec.Cmd) error {
	r, w := io.Pipe()
	producer.Stdout = w
	consumer.Stdin = r

	var stderr1, stderr2 bytes.Buffer
	producer.Stderr = &stderr1
	consumer.Stderr = &stderr2

	if err := producer.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", producer.Path, err)
	}
	if err := consumer.Start(); err != nil {
		producer.Process.Kill()
		producer.Wait()
		return fmt.Errorf("starting %s: %w", consumer.Path, err)
	}

	errCh := make(chan error, 1)
	go func() {
		err := producer.Wait()
		w.CloseWithError(err)
		errCh <- err
	}()

	err2 := consumer.Wait()
	r.Close()
	err1 := <-errCh

	var errs []string
	if err1 != nil {
		errs = append(errs, fmt.Sprintf("producer failed: %v: %s", err1, stderr1.String()))
	}
	if err2 != nil {
		errs = append(errs, fmt.Sprintf("consumer failed: %v: %s", err2, stderr2.String()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// detectRuntimeUID determines the UID and GID used for exec.
// Order: explicit config, image user from inspect, `id` in the container, 1000.
func detectRuntimeUID(ctx context.Context, bin, containerID string, cfg ProviderConfig) (uid, gid string) {
	if cfg.RuntimeUser != "" {
		uid, gid = cfg.RuntimeUser, cfg.RuntimeGroup
		if gid == "" {
			gid = uid
		}
		return uid, gid
	}

	if out, err := exec.CommandContext(ctx, bin, "inspect", containerID).Output(); err == nil {
		if user, ok := parseInspectUser(out); ok {
			uid, gid = splitUser(user)
			if uid != "" && !isNumeric(uid) {
				uid = idInContainer(ctx, bin, containerID, "-u", uid)
			}
			if !isNumeric(gid) {
				gid = uid
			}
			if uid != "" {
				return uid, gid
			}
		}
	} else {
		slog.Debug("container inspect failed", "error", err)
	}

	if uid = idInContainer(ctx, bin, containerID, "-u"); uid != "" {
		gid = idInContainer(ctx, bin, containerID, "-g")
		if gid == "" {
			gid = uid
		}
		return uid, gid
	}

	slog.Warn("could not detect runtime UID, defaulting to 1000", "container_id", containerID)
	return "1000", "1000"
}

// parseInspectUser returns the image's configured user. An empty user means root.
func parseInspectUser(out []byte) (string, bool) {
	var data []struct {
		Config struct {
			User string `json:"User"`
		} `json:"Config"`
	}
	if err := json.Unmarshal(out, &data); err != nil || len(data) == 0 {
		return "", false
	}
	if data[0].Config.User == "" {
		return "0", true
	}
	return data[0].Config.User, true
}

// splitUser splits "uid", "uid:gid" or "name" into uid and gid.
func splitUser(user string) (uid, gid string) {
	if u, g, ok := strings.Cut(user, ":"); ok {
		return u, g
	}
	return user, user
}

func idInContainer(ctx context.Context, bin, containerID string, args ...string) string {
	out, err := exec.CommandContext(ctx, bin, append([]string{"exec", containerID, "id"}, args...)...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
