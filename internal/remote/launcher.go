package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/antonkrylov/xragent/internal/procipc"
)

// IPCChannel is the parent side of a child's message channel.
type IPCChannel interface {
	Send(v any) error
	SendWithFile(v any, f *os.File) error
	Receive() (*procipc.Message, error)
	Close() error
}

// LaunchSpec describes a child process.
type LaunchSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// WithIPC attaches a procipc channel as the child's descriptor 3.
	WithIPC bool
}

// Process is a launched child.
type Process interface {
	Pid() int
	// IPC is nil unless LaunchSpec.WithIPC was set.
	IPC() IPCChannel
	// Kill asks the process to terminate.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitStatus is valid after Done: exit code, terminating signal, and the
	// wait error if the process could not be waited on.
	ExitStatus() (code int, signal string, err error)
}

// Launcher starts child processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// outputWaitDelay bounds how long exit detection waits for the child's
// output once it has exited. Grandchildren may keep the pipes open.
const outputWaitDelay = 2 * time.Second

// ExecLauncher runs real processes and logs their output line by line.
type ExecLauncher struct {
	Logger *slog.Logger
}

func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.WaitDelay = outputWaitDelay

	var ipcCh *procipc.Channel
	var childEnd *os.File
	var err error
	if spec.WithIPC {
		ipcCh, childEnd, err = procipc.NewPair()
		if err != nil {
			return nil, err
		}
		cmd.ExtraFiles = []*os.File{childEnd}
	}

	cmd.Stdout = &lineLogger{logger: logger, level: slog.LevelInfo}
	cmd.Stderr = &lineLogger{logger: logger.With("stream", "stderr"), level: slog.LevelWarn}
	if err := cmd.Start(); err != nil {
		if ipcCh != nil {
			_ = ipcCh.Close()
			_ = childEnd.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	if childEnd != nil {
		_ = childEnd.Close()
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	if ipcCh != nil {
		p.ipc = ipcCh
	}
	go p.wait()
	return p, nil
}

// lineLogger logs each complete line of child output.
type lineLogger struct {
	logger *slog.Logger
	level  slog.Level

	mu  sync.Mutex
	buf []byte
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Log(context.Background(), w.level, string(bytes.TrimRight(w.buf[:i], "\r")))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

type execProcess struct {
	cmd *exec.Cmd
	ipc IPCChannel

	done     chan struct{}
	mu       sync.Mutex
	code     int
	signal   string
	waitErr  error
	killOnce sync.Once
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) IPC() IPCChannel { return p.ipc }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if err = p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			err = p.cmd.Process.Kill()
		}
	})
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.code = -1
	if st := p.cmd.ProcessState; st != nil {
		p.code = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.signal = ws.Signal().String()
		}
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		p.waitErr = err
	}
	p.mu.Unlock()
	if p.ipc != nil {
		_ = p.ipc.Close()
	}
	close(p.done)
}

func (p *execProcess) ExitStatus() (int, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.signal, p.waitErr
}
