package userenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultShellEnvTimeout = 10 * time.Second

// ShellEnvResolver runs the user's login shell once and captures the
// environment it produces.
type ShellEnvResolver struct {
	Logger              *slog.Logger
	Shell               string
	Timeout             time.Duration
	ForceDisableUserEnv bool
	ForceUserEnv        bool

	once sync.Once
	env  map[string]string
}

func (r *ShellEnvResolver) Resolve(ctx context.Context) map[string]string {
	r.once.Do(func() {
		r.env = map[string]string{}
		if !r.shouldResolve() {
			return
		}
		env, err := r.resolve(ctx)
		if err != nil {
			r.logger().Error("unable to resolve the user shell environment", "err", err)
			return
		}
		r.env = env
	})
	out := make(map[string]string, len(r.env))
	for k, v := range r.env {
		out[k] = v
	}
	return out
}

func (r *ShellEnvResolver) shouldResolve() bool {
	if runtime.GOOS == "windows" || r.ForceDisableUserEnv {
		return false
	}
	if os.Getenv("VSCODE_SKIP_RESOLVING_SHELL_ENV") != "" {
		return false
	}
	// Started from a terminal: the environment is already the shell's.
	if os.Getenv("VSCODE_CLI") == "1" && !r.ForceUserEnv {
		return false
	}
	return true
}

func (r *ShellEnvResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *ShellEnvResolver) resolve(ctx context.Context) (map[string]string, error) {
	shell := r.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultShellEnvTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	mark := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	script := fmt.Sprintf("printf '%%s' '%s'; command env -0; printf '%%s' '%s'", mark, mark)
	cmd := exec.CommandContext(ctx, shell, "-ilc", script)
	cmd.Env = append(os.Environ(), "VSCODE_RESOLVING_ENVIRONMENT=1")
	cmd.Stdin = nil
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("shell %s did not return within %s", shell, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("run %s: %w (stderr: %s)", shell, err, strings.TrimSpace(stderr.String()))
	}
	env, err := parseMarkedEnv(out, mark)
	if err != nil {
		return nil, err
	}
	r.logger().Debug("resolved user shell environment", "shell", shell, "vars", len(env))
	return env, nil
}

func parseMarkedEnv(out []byte, mark string) (map[string]string, error) {
	start := bytes.Index(out, []byte(mark))
	if start < 0 {
		return nil, errors.New("shell environment marker not found")
	}
	rest := out[start+len(mark):]
	end := bytes.LastIndex(rest, []byte(mark))
	if end < 0 {
		return nil, errors.New("shell environment end marker not found")
	}
	env := map[string]string{}
	for _, entry := range bytes.Split(rest[:end], []byte{0}) {
		k, v, ok := strings.Cut(string(entry), "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	delete(env, "VSCODE_RESOLVING_ENVIRONMENT")
	return env, nil
}

// RandomIPCHandle returns a fresh unix socket path for a local IPC server.
func RandomIPCHandle() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "vscode-ipc-"+uuid.NewString()+".sock")
}
