// Package exthost is the built-in extension host: the child process the
// agent launches per client window. It picks up the client socket from its
// parent, keeps the persistent protocol alive across reconnections and
// serves the extensionHost channel.
package exthost

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/antonkrylov/xragent/internal/ipc"
	"github.com/antonkrylov/xragent/internal/procipc"
	"github.com/antonkrylov/xragent/internal/protocol"
)

const (
	WillSendSocketEnv = "VSCODE_EXTHOST_WILL_SEND_SOCKET"
	PipeEnv           = "VSCODE_IPC_HOOK_EXTHOST"
	GraceTimeEnv      = "VSCODE_RECONNECTION_GRACE_TIME"

	DefaultGraceTime   = 3 * time.Hour
	maxShortGraceTime  = 5 * time.Minute
	parentPollInterval = 5 * time.Second
)

var errNoTransport = errors.New("exthost: neither a parent channel nor a pipe was provided")

// Options configure a Host. Exactly one of Parent and PipePath is set.
type Options struct {
	Logger *slog.Logger
	// Parent is the descriptor passing channel to the agent.
	Parent *procipc.Channel
	// PipePath is dialled for every client socket when descriptors cannot be
	// passed.
	PipePath  string
	GraceTime time.Duration
	Protocol  protocol.Options
	// Channels are served next to the extensionHost channel.
	Channels map[string]ipc.Channel
}

// OptionsFromEnv reads the transport the agent announced in the environment.
func OptionsFromEnv(getenv func(string) string) (Options, error) {
	var opts Options
	if ms, err := strconv.ParseInt(getenv(GraceTimeEnv), 10, 64); err == nil && ms > 0 {
		opts.GraceTime = time.Duration(ms) * time.Millisecond
	}
	if getenv(WillSendSocketEnv) == "true" {
		fd, err := strconv.ParseUint(getenv(procipc.FDEnv), 10, 32)
		if err != nil {
			return opts, fmt.Errorf("exthost: %s: %w", procipc.FDEnv, err)
		}
		ch, err := procipc.FromFD(uintptr(fd))
		if err != nil {
			return opts, err
		}
		opts.Parent = ch
		return opts, nil
	}
	if p := getenv(PipeEnv); p != "" {
		opts.PipePath = p
		return opts, nil
	}
	return opts, errNoTransport
}

// Host is the running extension host.
type Host struct {
	opts   Options
	logger *slog.Logger
	ipc    *ipc.Server

	shortGraceTime time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	proto   *protocol.PersistentProtocol
	conn    *ipc.Conn
	timer   *time.Timer
	reduced bool
	reason  string
}

func New(opts Options) (*Host, error) {
	if opts.Parent == nil && opts.PipePath == "" {
		return nil, errNoTransport
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GraceTime <= 0 {
		opts.GraceTime = DefaultGraceTime
	}
	if opts.Protocol.Logger == nil {
		opts.Protocol.Logger = opts.Logger
	}
	h := &Host{
		opts:           opts,
		logger:         opts.Logger,
		ipc:            ipc.NewServer(opts.Logger),
		shortGraceTime: min(maxShortGraceTime, opts.GraceTime),
	}
	h.ipc.Register(ChannelName, &hostChannel{})
	for name, ch := range opts.Channels {
		h.ipc.Register(name, ch)
	}
	return h, nil
}

// Run serves until ctx ends, the client disconnects gracefully, the
// reconnection grace time expires or the parent goes away. It returns the
// reason the host stopped.
func (h *Host) Run(ctx context.Context) string {
	h.ctx, h.cancel = context.WithCancel(ctx)
	defer h.cancel()

	if h.opts.Parent != nil {
		if err := h.opts.Parent.Send(&typedMessage{Type: procipc.TypeReady}); err != nil {
			h.exit(fmt.Sprintf("unable to reach the parent: %v", err))
		} else {
			go h.readParent()
		}
	} else {
		go h.dialPipe()
	}
	go h.watchParent()

	<-h.ctx.Done()

	h.mu.Lock()
	proto, conn := h.proto, h.conn
	if h.timer != nil {
		h.timer.Stop()
	}
	reason := h.reason
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if proto != nil {
		proto.Dispose()
		_ = proto.Socket().Close()
	}
	if h.opts.Parent != nil {
		_ = h.opts.Parent.Close()
	}
	if reason == "" {
		reason = "stopped"
	}
	h.logger.Info("extension host exiting", "reason", reason)
	return reason
}

type typedMessage struct {
	Type string `json:"type"`
}

func (h *Host) exit(reason string) {
	h.mu.Lock()
	if h.reason == "" {
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *Host) readParent() {
	for {
		msg, err := h.opts.Parent.Receive()
		if err != nil {
			h.exit("parent channel closed")
			return
		}
		switch msg.Type {
		case procipc.TypeSocket:
			h.receiveSocket(msg)
		case procipc.TypeReduceGraceTime:
			h.reduceGraceTime()
		default:
			if msg.File != nil {
				_ = msg.File.Close()
			}
			h.logger.Debug("ignoring parent message", "type", msg.Type)
		}
	}
}

func (h *Host) receiveSocket(msg *procipc.Message) {
	if msg.File == nil {
		h.logger.Warn("socket message without a descriptor")
		return
	}
	defer msg.File.Close()
	var sm procipc.SocketMessage
	if err := msg.Decode(&sm); err != nil {
		h.logger.Warn("malformed socket message", "err", err)
		return
	}
	if !sm.SkipWebSocketFrames {
		// WebSocket sockets always arrive through a relay.
		h.logger.Warn("refusing a socket that still carries websocket frames")
		return
	}
	initial, err := base64.StdEncoding.DecodeString(sm.InitialDataChunk)
	if err != nil {
		h.logger.Warn("malformed initial data chunk", "err", err)
		return
	}
	conn, err := net.FileConn(msg.File)
	if err != nil {
		h.logger.Warn("unable to adopt the client socket", "err", err)
		return
	}
	h.adopt(conn, initial)
}

func (h *Host) dialPipe() {
	conn, err := net.Dial("unix", h.opts.PipePath)
	if err != nil {
		h.exit(fmt.Sprintf("unable to reach the agent pipe: %v", err))
		return
	}
	h.adopt(conn, nil)
}

// adopt starts the protocol on the first socket and treats every later
// socket as a reconnection.
func (h *Host) adopt(conn net.Conn, initial []byte) {
	sock := protocol.NewRawSocket(conn, nil)
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if h.proto == nil {
		p := protocol.NewPersistentProtocol(sock, initial, h.opts.Protocol)
		h.proto = p
		h.conn = h.ipc.Connect(h.ctx, p)
		p.OnMessage(h.conn.Handle)
		p.OnSocketClose(h.socketClosed)
		p.OnDidDispose(func() { h.exit("the client disconnected") })
		h.mu.Unlock()
		h.logger.Info("client connected", "remote", sock.RemoteAddr())
		p.Start()
		return
	}
	p := h.proto
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.reduced = false
	h.mu.Unlock()
	h.logger.Info("client reconnected", "remote", sock.RemoteAddr())
	p.BeginAcceptReconnection(sock, initial)
	p.EndAcceptReconnection()
}

func (h *Host) socketClosed(err error) {
	h.logger.Info("client socket closed, waiting for reconnection", "err", err, "graceTime", h.opts.GraceTime)
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(h.opts.GraceTime, func() { h.exit("the reconnection grace time expired") })
	h.mu.Unlock()

	if h.opts.Parent != nil {
		if err := h.opts.Parent.Send(&typedMessage{Type: procipc.TypeSocketClosed}); err != nil {
			h.logger.Debug("unable to report the closed socket", "err", err)
		}
		return
	}
	go h.dialPipe()
}

// reduceGraceTime shortens a pending reconnection wait.
func (h *Host) reduceGraceTime() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil || h.reduced {
		return
	}
	h.reduced = true
	h.timer.Stop()
	h.timer = time.AfterFunc(h.shortGraceTime, func() { h.exit("the reconnection short grace time expired") })
	h.logger.Info("another client connected, shortening the wait for reconnection", "graceTime", h.shortGraceTime)
}

// watchParent stops the host once it is re-parented.
func (h *Host) watchParent() {
	ppid := os.Getppid()
	ticker := time.NewTicker(parentPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if os.Getppid() != ppid {
				h.exit("the parent process went away")
				return
			}
		}
	}
}
