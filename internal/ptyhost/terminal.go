package ptyhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
)

const (
	replayLimit = 256 * 1024

	// Flow control in characters sent but not yet acknowledged by the client.
	highWatermarkChars = 100000
	lowWatermarkChars  = 5000

	dataFlushTimeout      = 250 * time.Millisecond
	maxShutdownTime       = 5 * time.Second
	orphanQuestionTimeout = 4 * time.Second
)

// terminal is one pty process and the state that outlives its clients.
type terminal struct {
	id     int
	req    CreateProcessRequest
	logger *slog.Logger
	emit   func(Event)
	onExit func(*terminal)

	graceTime      time.Duration
	shortGraceTime time.Duration

	mu             sync.Mutex
	cond           *sync.Cond
	cmd            *exec.Cmd
	f              *os.File
	cols, rows     int
	title          string
	titleSource    int
	icon           json.RawMessage
	color          string
	unicodeVersion string
	replay         []byte
	unacked        int
	paused         bool
	started        bool
	procExited     bool
	interacted     bool
	wasRevived     bool
	lastData       time.Time
	orphanReply    chan struct{}
	disconnect     *time.Timer
	shortened      *time.Timer
	timerGen       uint64
	done           chan struct{}
}

func newTerminal(id int, req CreateProcessRequest, logger *slog.Logger, grace, short time.Duration, emit func(Event), onExit func(*terminal)) *terminal {
	t := &terminal{
		id:             id,
		req:            req,
		logger:         logger.With("terminal", id),
		emit:           emit,
		onExit:         onExit,
		graceTime:      grace,
		shortGraceTime: short,
		cols:           req.Cols,
		rows:           req.Rows,
		title:          req.ShellLaunchConfig.Name,
		icon:           req.ShellLaunchConfig.Icon,
		color:          req.ShellLaunchConfig.Color,
		unicodeVersion: req.UnicodeVersion,
		done:           make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *terminal) executable() string {
	if exe := t.req.ShellLaunchConfig.Executable; exe != "" {
		return exe
	}
	return defaultShell(t.req.Env)
}

func (t *terminal) initialCwd() string {
	if t.req.Cwd != "" {
		return t.req.Cwd
	}
	home, _ := os.UserHomeDir()
	return home
}

// start launches the process. A non-nil LaunchError means the terminal did
// not start and stays unstarted.
func (t *terminal) start() *LaunchError {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	cwd := t.initialCwd()
	if st, err := os.Stat(cwd); err != nil || !st.IsDir() {
		return &LaunchError{Message: fmt.Sprintf("Starting directory (cwd) %q does not exist", cwd)}
	}
	exe := t.executable()
	if _, err := exec.LookPath(exe); err != nil {
		return &LaunchError{Message: fmt.Sprintf("Path to shell executable %q does not exist", exe), Code: 2}
	}

	ws := winsize(t.cols, t.rows)
	build := func() *exec.Cmd {
		cmd := exec.Command(exe, t.req.ShellLaunchConfig.Args...)
		cmd.Dir = cwd
		env := make([]string, 0, len(t.req.Env))
		for k, v := range t.req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
		return cmd
	}
	cmd := build()
	f, err := startPTY(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms reject Setctty; a pty without a controlling terminal
		// still carries interactive I/O.
		cmd = build()
		f, err = startPTY(cmd, ws, false)
	}
	if err != nil {
		return &LaunchError{Message: err.Error()}
	}

	t.mu.Lock()
	t.cmd, t.f, t.started = cmd, f, true
	t.mu.Unlock()

	t.logger.Info("terminal started", "pid", cmd.Process.Pid, "executable", exe, "cwd", cwd)
	t.emit(Event{Type: EventReady, ID: t.id, Pid: cmd.Process.Pid, Cwd: cwd})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readLoop(f)
	}()
	go t.wait(cmd, f, readDone)
	return nil
}

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

func winsize(cols, rows int) *pty.Winsize {
	ws := &pty.Winsize{Cols: 80, Rows: 30}
	if cols > 0 {
		ws.Cols = uint16(cols)
	}
	if rows > 0 {
		ws.Rows = uint16(rows)
	}
	return ws
}

func (t *terminal) readLoop(f *os.File) {
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		t.mu.Lock()
		for t.paused && !t.procExited {
			t.cond.Wait()
		}
		t.mu.Unlock()

		n, err := f.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			var valid []byte
			valid, carry = splitUTF8(data)
			if len(valid) > 0 {
				t.onData(string(valid))
			}
			carry = append([]byte(nil), carry...)
		}
		if err != nil {
			if len(carry) > 0 {
				t.onData(string(carry))
			}
			return
		}
	}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte sequence, and the rest.
func splitUTF8(b []byte) ([]byte, []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}

func (t *terminal) onData(data string) {
	t.mu.Lock()
	t.replay = append(t.replay, data...)
	if over := len(t.replay) - replayLimit; over > 0 {
		t.replay = append([]byte(nil), t.replay[over:]...)
	}
	t.unacked += utf8.RuneCountInString(data)
	if !t.paused && t.unacked > highWatermarkChars {
		t.paused = true
	}
	t.lastData = time.Now()
	t.mu.Unlock()
	t.emit(Event{Type: EventData, ID: t.id, Data: data})
}

func (t *terminal) wait(cmd *exec.Cmd, f *os.File, readDone <-chan struct{}) {
	err := cmd.Wait()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = -1
	}
	t.mu.Lock()
	t.procExited = true
	t.cond.Broadcast()
	t.mu.Unlock()

	// Background jobs may keep the tty open; stop reading shortly after the
	// shell itself is gone.
	_ = f.SetReadDeadline(time.Now().Add(dataFlushTimeout))
	<-readDone
	_ = f.Close()

	t.logger.Info("terminal exited", "pid", cmd.Process.Pid, "code", code)
	t.dispose()
	t.emit(Event{Type: EventExit, ID: t.id, ExitCode: &code})
	t.onExit(t)
}

func (t *terminal) dispose() {
	t.mu.Lock()
	t.stopTimersLocked()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	t.mu.Unlock()
}

func (t *terminal) input(data []byte) error {
	t.mu.Lock()
	f, ok := t.f, t.started && !t.procExited
	t.interacted = true
	t.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := f.Write(data)
	return err
}

func (t *terminal) resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return nil
	}
	t.mu.Lock()
	t.cols, t.rows = cols, rows
	f, ok := t.f, t.started && !t.procExited
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return pty.Setsize(f, winsize(cols, rows))
}

func (t *terminal) clearBuffer() {
	t.mu.Lock()
	t.replay = nil
	t.mu.Unlock()
}

func (t *terminal) acknowledge(charCount int) {
	t.mu.Lock()
	t.unacked = max(t.unacked-charCount, 0)
	if t.paused && t.unacked < lowWatermarkChars {
		t.paused = false
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// shutdown terminates the process. Unless immediate, pending output is
// given a moment to flush first.
func (t *terminal) shutdown(immediate bool) {
	t.mu.Lock()
	started, cmd := t.started, t.cmd
	t.mu.Unlock()
	if !started {
		t.dispose()
		t.onExit(t)
		return
	}
	if immediate {
		t.kill(cmd)
		return
	}
	go func() {
		deadline := time.Now().Add(maxShutdownTime)
		for time.Now().Before(deadline) {
			t.mu.Lock()
			quiet := time.Since(t.lastData) >= dataFlushTimeout
			t.mu.Unlock()
			if quiet {
				break
			}
			select {
			case <-t.done:
				return
			case <-time.After(dataFlushTimeout):
			}
		}
		t.kill(cmd)
	}()
}

func (t *terminal) kill(cmd *exec.Cmd) {
	if err := cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Process.Kill()
	}
}

func (t *terminal) pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// attach cancels a pending orphan kill and replays recent output.
func (t *terminal) attach() {
	t.mu.Lock()
	t.stopTimersLocked()
	replay := ReplayEvent{Events: []ReplayChunk{{Cols: t.cols, Rows: t.rows, Data: string(t.replay)}}}
	t.mu.Unlock()
	t.emit(Event{Type: EventReplay, ID: t.id, Replay: &replay})
}

// detach keeps an interacted persistent terminal alive for the grace time
// and shuts down everything else.
func (t *terminal) detach(forcePersist bool) {
	t.mu.Lock()
	keep := t.req.ShouldPersist && (t.interacted || t.wasRevived || forcePersist)
	if keep {
		t.scheduleLocked(&t.disconnect, t.graceTime)
	}
	t.mu.Unlock()
	if !keep {
		t.shutdown(true)
	}
}

func (t *terminal) reduceGraceTime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shortened != nil || t.disconnect == nil {
		return
	}
	t.scheduleLocked(&t.shortened, t.shortGraceTime)
}

func (t *terminal) scheduleLocked(slot **time.Timer, d time.Duration) {
	if *slot != nil {
		(*slot).Stop()
	}
	gen := t.timerGen
	*slot = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.timerGen {
			t.mu.Unlock()
			return
		}
		t.stopTimersLocked()
		t.mu.Unlock()
		t.logger.Info("orphaned terminal reached its grace time, shutting down")
		t.shutdown(true)
	})
}

func (t *terminal) stopTimersLocked() {
	for _, tm := range []*time.Timer{t.disconnect, t.shortened} {
		if tm != nil {
			tm.Stop()
		}
	}
	t.disconnect, t.shortened = nil, nil
	t.timerGen++
}

// isOrphaned asks clients whether anyone still shows this terminal.
func (t *terminal) isOrphaned(ctx context.Context) bool {
	t.mu.Lock()
	if t.orphanReply == nil {
		t.orphanReply = make(chan struct{})
	}
	reply := t.orphanReply
	t.mu.Unlock()

	t.emit(Event{Type: EventOrphanQuestion, ID: t.id})
	timer := time.NewTimer(orphanQuestionTimeout)
	defer timer.Stop()
	select {
	case <-reply:
		return false
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *terminal) orphanQuestionReply() {
	t.mu.Lock()
	if t.orphanReply != nil {
		close(t.orphanReply)
		t.orphanReply = nil
	}
	t.mu.Unlock()
}

func (t *terminal) cwd() string {
	if pid := t.pid(); pid > 0 {
		if dir, err := processCwd(pid); err == nil {
			return dir
		}
	}
	return t.initialCwd()
}

func (t *terminal) setTitle(title string, source int) {
	t.mu.Lock()
	t.title, t.titleSource = title, source
	t.mu.Unlock()
	t.emit(Event{Type: EventProperty, ID: t.id, Property: &Property{Type: PropertyTitle, Value: title}})
}

func (t *terminal) setIcon(icon json.RawMessage, color string) {
	t.mu.Lock()
	t.icon, t.color = icon, color
	t.mu.Unlock()
	t.emit(Event{Type: EventProperty, ID: t.id, Property: &Property{
		Type:  PropertyIcon,
		Value: map[string]any{"icon": icon, "color": color},
	}})
}

func (t *terminal) setUnicodeVersion(v string) {
	t.mu.Lock()
	t.unicodeVersion = v
	t.mu.Unlock()
}

func (t *terminal) details(isOrphan bool) ProcessDetails {
	pid := t.pid()
	t.mu.Lock()
	defer t.mu.Unlock()
	return ProcessDetails{
		ID:                t.id,
		Pid:               pid,
		Title:             t.title,
		TitleSource:       t.titleSource,
		Cwd:               t.initialCwd(),
		WorkspaceID:       t.req.WorkspaceID,
		WorkspaceName:     t.req.WorkspaceName,
		IsOrphan:          isOrphan,
		Icon:              t.icon,
		Color:             t.color,
		HideFromUser:      t.req.ShellLaunchConfig.HideFromUser,
		IsFeatureTerminal: t.req.ShellLaunchConfig.IsFeatureTerminal,
	}
}
