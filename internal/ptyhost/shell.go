package ptyhost

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

const shellsFile = "/etc/shells"

// defaultShell is the user's shell, taken from env first.
func defaultShell(env map[string]string) string {
	if runtime.GOOS == "windows" {
		if c := os.Getenv("COMSPEC"); c != "" {
			return c
		}
		return "cmd.exe"
	}
	if sh := env["SHELL"]; sh != "" {
		return sh
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func defaultSystemShell(osOverride string) string {
	if osOverride == "windows" || (osOverride == "" && runtime.GOOS == "windows") {
		if c := os.Getenv("COMSPEC"); c != "" {
			return c
		}
		return `C:\Windows\System32\cmd.exe`
	}
	return defaultShell(nil)
}

func processCwd(pid int) (string, error) {
	if runtime.GOOS == "linux" {
		return os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
	}
	out, err := exec.Command("lsof", "-a", "-d", "cwd", "-p", strconv.Itoa(pid), "-Fn").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return line[1:], nil
		}
	}
	return "", errors.New("cwd not reported")
}

// detectProfiles lists the shells of path, one profile per distinct name.
func detectProfiles(path, defaultProfile string) ([]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def := defaultShell(nil)
	seen := make(map[string]bool)
	var out []Profile
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := os.Stat(line); err != nil {
			continue
		}
		name := filepath.Base(line)
		if seen[name] {
			continue
		}
		seen[name] = true
		isDefault := name == defaultProfile || (defaultProfile == "" && line == def)
		out = append(out, Profile{ProfileName: name, Path: line, IsDefault: isDefault})
	}
	return out, sc.Err()
}

var errNoListener = errors.New("no process is listening on the port")

// killPortListener terminates the process listening on a local TCP port.
func killPortListener(ctx context.Context, port int) (int, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-nP", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN").Output()
	if err != nil && len(out) == 0 {
		return 0, errNoListener
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, errNoListener
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("unexpected lsof output %q", fields[0])
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("kill %d: %w", pid, err)
	}
	return pid, nil
}
