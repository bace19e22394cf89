package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/antonkrylov/xragent/internal/events"
	"github.com/antonkrylov/xragent/internal/procipc"
	"github.com/antonkrylov/xragent/internal/protocol"
	"github.com/antonkrylov/xragent/internal/userenv"
)

// ExtensionHostConfig describes how extension host processes are launched.
type ExtensionHostConfig struct {
	// Command defaults to this executable running Args, or "exthost" when
	// Args is empty as well.
	Command  string
	Args     []string
	ExecArgv []string
	Entry    string
	AppRoot  string

	UseHostProxy         bool
	WithoutBrowserEnvVar bool
	// DisableSocketHandoff forces the named pipe transport.
	DisableSocketHandoff bool

	ShellEnv userenv.ShellEnvProvider
	// BaseEnv replaces the agent's own environment when non-nil.
	BaseEnv map[string]string
}

var inspectFlag = regexp.MustCompile(`^--inspect(-brk)?=`)

// connectionData is a client socket waiting for its consumer, together with
// the bytes the handshake already read past its last message.
type connectionData struct {
	socket  protocol.Socket
	initial []byte
}

func (d *connectionData) socketMessage() procipc.SocketMessage {
	meta := d.socket.Metadata()
	return procipc.SocketMessage{
		Type:                procipc.TypeSocket,
		InitialDataChunk:    base64.StdEncoding.EncodeToString(d.initial),
		SkipWebSocketFrames: meta.SkipWebSocketFrames,
		PermessageDeflate:   meta.PermessageDeflate,
		InflateBytes:        base64.StdEncoding.EncodeToString(meta.InflateBytes),
	}
}

// ExtensionHostConnection supervises one extension host process and feeds it
// the client socket of its session, across reconnections.
type ExtensionHostConnection struct {
	token     string
	logger    *slog.Logger
	publisher events.Publisher
	launcher  Launcher
	cfg       ExtensionHostConfig
	built     bool
	handoff   bool

	graceTime      time.Duration
	shortGraceTime time.Duration
	disconnect     *runOnceScheduler
	shortened      *runOnceScheduler

	mu          sync.Mutex
	remote      string
	pending     *connectionData
	relay       *relay
	waitingPipe net.Conn
	proc        Process
	ready       bool
	pipe        net.Listener
	pipePath    string
	disposed    bool
	onClose     func()
}

type extHostOptions struct {
	token        string
	remote       string
	socket       protocol.Socket
	initialChunk []byte
	graceTime    time.Duration
	built        bool
	cfg          ExtensionHostConfig
	launcher     Launcher
	logger       *slog.Logger
	publisher    events.Publisher
	onClose      func()
}

func newExtensionHostConnection(opts extHostOptions) *ExtensionHostConnection {
	c := &ExtensionHostConnection{
		token:     opts.token,
		remote:    opts.remote,
		publisher: opts.publisher,
		launcher:  opts.launcher,
		cfg:       opts.cfg,
		built:     opts.built,
		handoff:   procipc.Supported && !opts.cfg.DisableSocketHandoff,
		graceTime: opts.graceTime,
		pending:   &connectionData{socket: opts.socket, initial: opts.initialChunk},
		onClose:   opts.onClose,
	}
	c.logger = connectionLogger(opts.logger, opts.remote, opts.token, "ExtensionHost")
	if opts.graceTime > 0 {
		c.shortGraceTime = min(MaxShortGraceTime, opts.graceTime)
	}
	c.disconnect = newRunOnceScheduler(func() {
		c.logger.Info("the reconnection grace time has expired, terminating the extension host", "graceTime", c.graceTime)
		c.cleanResources()
	}, c.graceTime)
	c.shortened = newRunOnceScheduler(func() {
		c.logger.Info("the reconnection short grace time has expired, terminating the extension host", "graceTime", c.shortGraceTime)
		c.cleanResources()
	}, c.shortGraceTime)
	c.logger.Info("new connection established")
	return c
}

func (c *ExtensionHostConnection) Token() string { return c.token }

// Pid returns the extension host's pid, or 0 before it was launched.
func (c *ExtensionHostConnection) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proc == nil {
		return 0
	}
	return c.proc.Pid()
}

// start launches the extension host. Failures dispose the connection.
func (c *ExtensionHostConnection) start(ctx context.Context, params *protocol.ExtensionHostStartParams) error {
	var pipePath string
	if !c.handoff {
		pipePath = userenv.RandomIPCHandle()
		l, err := net.Listen("unix", pipePath)
		if err != nil {
			c.logger.Error("unable to listen on the extension host pipe", "path", pipePath, "err", err)
			c.cleanResources()
			return fmt.Errorf("listen on %s: %w", pipePath, err)
		}
		c.mu.Lock()
		c.pipe, c.pipePath = l, pipePath
		c.mu.Unlock()
	}

	spec, err := c.launchSpec(ctx, params, pipePath)
	if err != nil {
		c.logger.Error("unable to prepare the extension host", "err", err)
		c.cleanResources()
		return err
	}
	proc, err := c.launcher.Launch(ctx, spec)
	if err != nil {
		c.logger.Error("extension host process had an error", "err", err)
		c.publisher.Publish(ctx, events.Event{Kind: events.ExtHostExited, Token: c.token, Reason: err.Error()})
		c.cleanResources()
		return err
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = proc.Kill()
		return errConnectionDisposed
	}
	c.proc = proc
	listener := c.pipe
	c.mu.Unlock()

	c.logger.Info("launched extension host process", "pid", proc.Pid(), "handoff", c.handoff)
	c.publisher.Publish(ctx, events.Event{Kind: events.ExtHostStarted, Token: c.token, Remote: c.RemoteAddr(), Pid: proc.Pid()})

	go c.watchExit(proc)
	if c.handoff {
		go c.readMessages(proc)
	} else {
		go c.acceptPipes(listener)
	}
	return nil
}

func (c *ExtensionHostConnection) launchSpec(ctx context.Context, params *protocol.ExtensionHostStartParams, pipePath string) (LaunchSpec, error) {
	execArgv := make([]string, 0, len(c.cfg.ExecArgv))
	for _, a := range c.cfg.ExecArgv {
		if !inspectFlag.MatchString(a) {
			execArgv = append(execArgv, a)
		}
	}
	if params.Port > 0 {
		brk := ""
		if params.Break {
			brk = "-brk"
		}
		execArgv = []string{fmt.Sprintf("--inspect%s=%d", brk, params.Port)}
	}

	env := userenv.Build(ctx, userenv.Params{
		Language:             params.Language,
		AppRoot:              c.cfg.AppRoot,
		Built:                c.built,
		WithoutBrowserEnvVar: c.cfg.WithoutBrowserEnvVar,
		Base:                 c.cfg.BaseEnv,
		ShellEnv:             c.cfg.ShellEnv,
		Overrides:            params.Env,
	})
	userenv.RemoveDangerousEnvVariables(env)
	env["VSCODE_IPC_HOOK_CLI"] = userenv.RandomIPCHandle()
	env["VSCODE_RECONNECTION_GRACE_TIME"] = strconv.FormatInt(c.graceTime.Milliseconds(), 10)
	if c.handoff {
		env["VSCODE_EXTHOST_WILL_SEND_SOCKET"] = "true"
		env[procipc.FDEnv] = "3"
	} else {
		env["VSCODE_IPC_HOOK_EXTHOST"] = pipePath
	}

	path, args := c.cfg.Command, c.cfg.Args
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return LaunchSpec{}, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
		if len(args) == 0 {
			args = []string{"exthost"}
		}
	}
	argv := append(append([]string{}, args...), execArgv...)
	argv = append(argv, "--dns-result-order=ipv4first")
	if c.cfg.Entry != "" {
		argv = append(argv, c.cfg.Entry)
	}
	argv = append(argv, "--type=extensionHost", "--transformURIs", fmt.Sprintf("--useHostProxy=%t", c.cfg.UseHostProxy))
	return LaunchSpec{Path: path, Args: argv, Env: userenv.ToEnviron(env), WithIPC: c.handoff}, nil
}

func (c *ExtensionHostConnection) watchExit(proc Process) {
	<-proc.Done()
	code, signal, err := proc.ExitStatus()
	if err != nil {
		c.logger.Error("extension host process had an error", "pid", proc.Pid(), "err", err)
	} else {
		c.logger.Info("extension host process exited", "pid", proc.Pid(), "code", code, "signal", signal)
	}
	c.publisher.Publish(context.Background(), events.Event{
		Kind: events.ExtHostExited, Token: c.token, Pid: proc.Pid(), ExitCode: code, Signal: signal,
	})
	c.cleanResources()
}

func (c *ExtensionHostConnection) readMessages(proc Process) {
	ch := proc.IPC()
	if ch == nil {
		c.logger.Error("extension host has no ipc channel")
		return
	}
	for {
		msg, err := ch.Receive()
		if err != nil {
			c.logger.Debug("extension host ipc channel closed", "err", err)
			return
		}
		if msg.File != nil {
			_ = msg.File.Close()
		}
		switch msg.Type {
		case procipc.TypeReady:
			c.mu.Lock()
			c.ready = true
			cd := c.pending
			c.pending = nil
			c.mu.Unlock()
			if cd != nil {
				c.sendSocket(proc, cd)
			}
		case procipc.TypeSocketClosed:
			c.socketLost()
		default:
			c.logger.Debug("ignoring extension host message", "type", msg.Type)
		}
	}
}

// sendSocket hands the client socket to the process. Sockets whose
// descriptor cannot be passed as is are relayed through a socketpair.
func (c *ExtensionHostConnection) sendSocket(proc Process, cd *connectionData) {
	ch := proc.IPC()
	if ch == nil {
		_ = cd.socket.End()
		return
	}
	if err := cd.socket.Drain(); err != nil {
		c.logger.Debug("drain before handoff", "err", err)
	}
	msg := cd.socketMessage()

	if fs, ok := cd.socket.(protocol.FileSocket); ok {
		f, err := fs.File()
		if err == nil {
			err = ch.SendWithFile(msg, f)
			_ = f.Close()
			if err == nil {
				_ = cd.socket.Close()
				c.closeRelay()
				return
			}
		}
		if !errors.Is(err, protocol.ErrPendingBytes) {
			c.logger.Warn("direct socket handoff failed, relaying", "err", err)
		}
	}

	remoteEnd, local, err := procipc.SocketPair()
	if err != nil {
		c.logger.Error("unable to create a relay for the extension host", "err", err)
		_ = cd.socket.End()
		c.socketLost()
		return
	}
	msg.SkipWebSocketFrames = true
	msg.PermessageDeflate = false
	msg.InflateBytes = ""
	err = ch.SendWithFile(msg, remoteEnd)
	_ = remoteEnd.Close()
	if err != nil {
		c.logger.Error("unable to send the socket to the extension host", "err", err)
		_ = local.Close()
		_ = cd.socket.End()
		return
	}
	c.startRelay(local, cd.socket, nil)
}

func (c *ExtensionHostConnection) startRelay(backend net.Conn, client protocol.Socket, initial []byte) {
	r := newRelay(client, backend)
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		r.close()
		return
	}
	old := c.relay
	c.relay = r
	c.mu.Unlock()
	if old != nil {
		old.close()
	}

	go func() {
		clientEnded := r.run(initial)
		c.mu.Lock()
		current := c.relay == r
		if current {
			c.relay = nil
		}
		c.mu.Unlock()
		if current && clientEnded {
			c.socketLost()
		}
	}()
}

func (c *ExtensionHostConnection) closeRelay() {
	c.mu.Lock()
	r := c.relay
	c.relay = nil
	c.mu.Unlock()
	if r != nil {
		r.close()
	}
}

// acceptPipes pairs each pipe connection from the process with the
// current client socket.
func (c *ExtensionHostConnection) acceptPipes(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		cd := c.pending
		c.pending = nil
		if cd == nil {
			if c.waitingPipe != nil {
				_ = c.waitingPipe.Close()
			}
			c.waitingPipe = conn
			c.mu.Unlock()
			continue
		}
		c.mu.Unlock()
		c.startRelay(conn, cd.socket, cd.initial)
	}
}

func (c *ExtensionHostConnection) socketLost() {
	c.mu.Lock()
	disposed := c.disposed
	c.mu.Unlock()
	if disposed || c.disconnect.IsScheduled() {
		return
	}
	c.logger.Info("the client has disconnected, waiting for reconnection", "graceTime", c.graceTime)
	c.disconnect.Schedule()
}

// ShortenReconnectionGraceTimeIfNecessary forwards the request to the
// process and arms the short timer while waiting for a reconnection.
func (c *ExtensionHostConnection) ShortenReconnectionGraceTimeIfNecessary() {
	c.mu.Lock()
	proc := c.proc
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return
	}
	if proc != nil && c.handoff {
		if ch := proc.IPC(); ch != nil {
			if err := ch.Send(&procipc.ReduceGraceTimeMessage{Type: procipc.TypeReduceGraceTime}); err != nil {
				c.logger.Debug("unable to forward grace time reduction", "err", err)
			}
		}
	}
	if c.shortened.IsScheduled() {
		return
	}
	if c.disconnect.IsScheduled() {
		c.logger.Info("another client has connected, shortening the wait for reconnection", "graceTime", c.shortGraceTime)
		c.shortened.Schedule()
	}
}

// AcceptReconnection routes socket to the process, or keeps it until the
// process is ready for it.
func (c *ExtensionHostConnection) AcceptReconnection(remote string, socket protocol.Socket, initialChunk []byte) error {
	cd := &connectionData{socket: socket, initial: initialChunk}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errConnectionDisposed
	}
	c.remote = remote
	c.disconnect.Cancel()
	c.shortened.Cancel()
	var replaced *connectionData
	var pipe net.Conn
	var proc Process
	switch {
	case c.proc == nil || (c.handoff && !c.ready):
		replaced, c.pending = c.pending, cd
	case c.handoff:
		proc = c.proc
	default:
		if r := c.relay; r != nil {
			c.relay = nil
			defer r.close()
		}
		if c.waitingPipe != nil {
			pipe, c.waitingPipe = c.waitingPipe, nil
		} else {
			replaced, c.pending = c.pending, cd
		}
	}
	c.mu.Unlock()

	c.logger.Info("the client has reconnected", "newRemote", remote)
	if replaced != nil {
		_ = replaced.socket.Close()
	}
	switch {
	case proc != nil:
		c.sendSocket(proc, cd)
	case pipe != nil:
		c.startRelay(pipe, cd.socket, cd.initial)
	}
	c.publisher.Publish(context.Background(), events.Event{
		Kind: events.ConnectionReconnected, Token: c.token, Remote: remote, ConnectionType: "ExtensionHost",
	})
	return nil
}

func (c *ExtensionHostConnection) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// Dispose terminates the extension host and ends the session.
func (c *ExtensionHostConnection) Dispose() { c.cleanResources() }

func (c *ExtensionHostConnection) cleanResources() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	pending, r, waiting := c.pending, c.relay, c.waitingPipe
	c.pending, c.relay, c.waitingPipe = nil, nil, nil
	proc, pipe, pipePath := c.proc, c.pipe, c.pipePath
	onClose := c.onClose
	c.mu.Unlock()

	c.disconnect.Dispose()
	c.shortened.Dispose()
	if pending != nil {
		_ = pending.socket.End()
	}
	if r != nil {
		r.close()
	}
	if waiting != nil {
		_ = waiting.Close()
	}
	if pipe != nil {
		_ = pipe.Close()
		_ = os.Remove(pipePath)
	}
	if proc != nil {
		select {
		case <-proc.Done():
		default:
			if err := proc.Kill(); err != nil {
				c.logger.Warn("unable to kill the extension host", "pid", proc.Pid(), "err", err)
			}
		}
	}
	c.publisher.Publish(context.Background(), events.Event{
		Kind: events.ConnectionClosed, Token: c.token, Remote: c.RemoteAddr(), ConnectionType: "ExtensionHost",
	})
	if onClose != nil {
		onClose()
	}
}
