package ptyhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antonkrylov/xragent/internal/events"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMaxRestarts       = 5
	defaultStartTimeout      = 10 * time.Second
	// unresponsiveAfter consecutive missed heartbeats mark the host unresponsive.
	unresponsiveAfter = 2
)

// HostEventKind classifies supervisor events.
type HostEventKind int

const (
	HostTerminal HostEventKind = iota
	HostStart
	HostExit
	HostUnresponsive
	HostResponsive
)

// HostEvent is a pty host lifecycle change or a forwarded terminal event.
type HostEvent struct {
	Kind     HostEventKind
	Terminal *Event
	ExitCode int
}

type SupervisorConfig struct {
	// Command defaults to this executable running Args, or "ptyhost".
	Command string
	Args    []string
	Env     []string

	GraceTime         time.Duration
	ShortGraceTime    time.Duration
	HeartbeatInterval time.Duration
	MaxRestarts       int
	StartTimeout      time.Duration

	Logger *slog.Logger
	Events events.Publisher
}

// Supervisor runs the pty host on demand and restarts it when it dies.
type Supervisor struct {
	cfg    SupervisorConfig
	logger *slog.Logger

	mu        sync.Mutex
	client    *Client
	parent    io.WriteCloser
	proc      *os.Process
	done      chan struct{}
	restarts  int
	closed    bool
	listeners map[int]func(HostEvent)
	nextL     int
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Supervisor{cfg: cfg, logger: cfg.Logger.With("component", "ptyhost"), listeners: make(map[int]func(HostEvent))}
}

// OnEvent registers fn for every host event until the returned func is called.
func (s *Supervisor) OnEvent(fn func(HostEvent)) func() {
	s.mu.Lock()
	s.nextL++
	id := s.nextL
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Supervisor) fire(ev HostEvent) {
	s.mu.Lock()
	fns := make([]func(HostEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Client returns a client of the running pty host, starting it first if
// needed.
func (s *Supervisor) Client(ctx context.Context) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("ptyhost: supervisor closed")
	}
	if s.client != nil {
		return s.client, nil
	}
	if err := s.startLocked(ctx); err != nil {
		return nil, err
	}
	return s.client, nil
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	path, args := s.cfg.Command, s.cfg.Args
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
		if len(args) == 0 {
			args = []string{"ptyhost"}
		}
	}
	dir, err := os.MkdirTemp("", "xragent-ptyhost-")
	if err != nil {
		return err
	}
	sock := filepath.Join(dir, "pty.sock")

	cmd := exec.Command(path, append(append([]string{}, args...), "--socket", sock)...)
	env := s.cfg.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string{}, env...),
		GraceTimeEnv+"="+strconv.FormatInt(s.cfg.GraceTime.Milliseconds(), 10),
		ShortGraceTimeEnv+"="+strconv.FormatInt(s.cfg.ShortGraceTime.Milliseconds(), 10),
	)
	parent, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return err
	}
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdout = &lineWriter{logger: s.logger, level: slog.LevelInfo}
	cmd.Stderr = &lineWriter{logger: s.logger.With("stream", "stderr"), level: slog.LevelWarn}
	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return fmt.Errorf("start pty host: %w", err)
	}
	pid := cmd.Process.Pid
	logger := s.logger.With("pid", pid)

	client, err := Dial(sock)
	if err == nil {
		err = waitReady(ctx, client, s.cfg.StartTimeout)
	}
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		_ = os.RemoveAll(dir)
		if client != nil {
			_ = client.Close()
		}
		return fmt.Errorf("pty host did not become ready: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.client, s.parent, s.done, s.proc = client, parent, done, cmd.Process
	logger.Info("pty host started", "socket", sock)
	s.cfg.Events.Publish(ctx, events.Event{Kind: events.PtyHostStarted, Pid: pid})
	go s.fire(HostEvent{Kind: HostStart})

	go func() {
		defer close(done)
		code := s.run(runCtx, cmd, client)
		cancel()
		_ = client.Close()
		_ = os.RemoveAll(dir)
		s.exited(client, pid, code)
	}()
	return nil
}

func waitReady(ctx context.Context, c *Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		hctx, hcancel := context.WithTimeout(ctx, time.Second)
		err := c.Heartbeat(hctx)
		hcancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(50 * time.Millisecond):
		}
	}
}

var errHostExited = errors.New("pty host exited")

// run supervises one pty host process and returns its exit code.
func (s *Supervisor) run(ctx context.Context, cmd *exec.Cmd, client *Client) int {
	code := 0
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := cmd.Wait()
		code = -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		} else if err == nil {
			code = 0
		}
		return errHostExited
	})
	g.Go(func() error { return s.heartbeat(gctx, client, cmd.Process.Pid) })
	g.Go(func() error { return s.pump(gctx, client) })
	_ = g.Wait()
	return code
}

func (s *Supervisor) heartbeat(ctx context.Context, client *Client, pid int) error {
	t := time.NewTicker(s.cfg.HeartbeatInterval)
	defer t.Stop()
	missed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
		err := client.Heartbeat(hctx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			missed++
			if missed == unresponsiveAfter {
				s.logger.Warn("pty host is unresponsive", "pid", pid, "err", err)
				s.cfg.Events.Publish(ctx, events.Event{Kind: events.PtyHostUnresponsive, Pid: pid})
				s.fire(HostEvent{Kind: HostUnresponsive})
			}
			continue
		}
		if missed >= unresponsiveAfter {
			s.logger.Info("pty host is responsive again", "pid", pid)
			s.cfg.Events.Publish(ctx, events.Event{Kind: events.PtyHostResponsive, Pid: pid})
			s.fire(HostEvent{Kind: HostResponsive})
		}
		missed = 0
	}
}

// pump forwards terminal events, resubscribing after transient failures.
func (s *Supervisor) pump(ctx context.Context, client *Client) error {
	for ctx.Err() == nil {
		stream, err := client.Events(ctx)
		if err == nil {
			for {
				var ev *Event
				ev, err = stream.Recv()
				if err != nil {
					break
				}
				s.fire(HostEvent{Kind: HostTerminal, Terminal: ev})
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Debug("pty host event stream interrupted", "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

func (s *Supervisor) exited(client *Client, pid, code int) {
	s.logger.Warn("pty host exited", "pid", pid, "code", code)
	s.cfg.Events.Publish(context.Background(), events.Event{Kind: events.PtyHostExited, Pid: pid, ExitCode: code})
	s.fire(HostEvent{Kind: HostExit, ExitCode: code})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == client {
		s.client, s.parent, s.proc = nil, nil, nil
	}
	if s.closed {
		return
	}
	if s.restarts >= s.cfg.MaxRestarts {
		s.logger.Error("pty host restarted too many times, giving up", "restarts", s.restarts)
		return
	}
	s.restarts++
	s.logger.Info("restarting pty host", "attempt", s.restarts)
	if err := s.startLocked(context.Background()); err != nil {
		s.logger.Error("unable to restart pty host", "err", err)
	}
}

// Close stops the pty host and waits for it to exit.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	parent, proc, done := s.parent, s.proc, s.done
	s.mu.Unlock()
	if parent != nil {
		_ = parent.Close()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if proc != nil {
			_ = proc.Kill()
		}
		<-done
	}
}

// lineWriter logs each complete line written to it.
type lineWriter struct {
	logger *slog.Logger
	level  slog.Level

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
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
