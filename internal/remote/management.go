package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/xragent/internal/events"
	"github.com/antonkrylov/xragent/internal/ipc"
	"github.com/antonkrylov/xragent/internal/protocol"
)

// MaxShortGraceTime caps the grace window left to a disconnected session
// once another client has connected.
const MaxShortGraceTime = 5 * time.Minute

var errConnectionDisposed = errors.New("connection disposed")

// ManagementConnection carries the editor's RPC channels. It survives socket
// loss for the reconnection grace time.
type ManagementConnection struct {
	token     string
	logger    *slog.Logger
	publisher events.Publisher
	protocol  *protocol.PersistentProtocol
	ipcConn   *ipc.Conn

	graceTime      time.Duration
	shortGraceTime time.Duration
	disconnect     *runOnceScheduler
	shortened      *runOnceScheduler

	mu       sync.Mutex
	remote   string
	disposed bool
	onClose  func()
}

type managementOptions struct {
	token        string
	remote       string
	socket       protocol.Socket
	initialChunk []byte
	graceTime    time.Duration
	protocolOpts protocol.Options
	ipc          *ipc.Server
	logger       *slog.Logger
	publisher    events.Publisher
	onClose      func()
}

func newManagementConnection(opts managementOptions) *ManagementConnection {
	c := &ManagementConnection{
		token:     opts.token,
		remote:    opts.remote,
		publisher: opts.publisher,
		graceTime: opts.graceTime,
		onClose:   opts.onClose,
	}
	c.logger = connectionLogger(opts.logger, opts.remote, opts.token, "Management")
	if opts.graceTime > 0 {
		c.shortGraceTime = min(MaxShortGraceTime, opts.graceTime)
	}
	c.disconnect = newRunOnceScheduler(func() {
		c.logger.Info("the reconnection grace time has expired, disposing the connection", "graceTime", c.graceTime)
		c.cleanResources()
	}, c.graceTime)
	c.shortened = newRunOnceScheduler(func() {
		c.logger.Info("the reconnection short grace time has expired, disposing the connection", "graceTime", c.shortGraceTime)
		c.cleanResources()
	}, c.shortGraceTime)

	popts := opts.protocolOpts
	popts.Logger = c.logger
	c.protocol = protocol.NewPersistentProtocol(opts.socket, opts.initialChunk, popts)
	c.protocol.OnDidDispose(func() {
		c.logger.Info("the client has disconnected gracefully, disposing the connection")
		c.cleanResources()
	})
	c.protocol.OnSocketClose(func(err error) {
		c.logger.Info("the client has disconnected, waiting for reconnection", "graceTime", c.graceTime, "err", err)
		c.disconnect.Schedule()
	})
	if opts.ipc != nil {
		c.ipcConn = opts.ipc.Connect(context.Background(), c.protocol)
		c.protocol.OnMessage(c.ipcConn.Handle)
	}
	return c
}

func (c *ManagementConnection) start() {
	c.logger.Info("new connection established")
	c.protocol.Start()
}

// Token is the reconnection token of the session.
func (c *ManagementConnection) Token() string { return c.token }

// Protocol returns the persistent protocol carrying the session.
func (c *ManagementConnection) Protocol() *protocol.PersistentProtocol { return c.protocol }

func (c *ManagementConnection) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// ShortenReconnectionGraceTimeIfNecessary arms the short timer when the
// session is waiting for a reconnection and the short timer is not armed yet.
func (c *ManagementConnection) ShortenReconnectionGraceTimeIfNecessary() {
	if c.shortened.IsScheduled() {
		return
	}
	if c.disconnect.IsScheduled() {
		c.logger.Info("another client has connected, shortening the wait for reconnection", "graceTime", c.shortGraceTime)
		c.shortened.Schedule()
	}
}

// AcceptReconnection moves the session onto socket.
func (c *ManagementConnection) AcceptReconnection(remote string, socket protocol.Socket, initialChunk []byte) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return errConnectionDisposed
	}
	c.remote = remote
	c.mu.Unlock()

	c.logger.Info("the client has reconnected", "newRemote", remote)
	c.disconnect.Cancel()
	c.shortened.Cancel()
	c.protocol.BeginAcceptReconnection(socket, initialChunk)
	c.protocol.EndAcceptReconnection()
	c.publisher.Publish(context.Background(), events.Event{
		Kind: events.ConnectionReconnected, Token: c.token, Remote: remote, ConnectionType: "Management",
	})
	return nil
}

// Dispose ends the session now.
func (c *ManagementConnection) Dispose() { c.cleanResources() }

func (c *ManagementConnection) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *ManagementConnection) cleanResources() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	onClose := c.onClose
	c.mu.Unlock()

	c.disconnect.Dispose()
	c.shortened.Dispose()
	socket := c.protocol.Socket()
	c.protocol.SendDisconnect()
	c.protocol.Dispose()
	_ = socket.End()
	if c.ipcConn != nil {
		c.ipcConn.Close()
	}
	c.publisher.Publish(context.Background(), events.Event{
		Kind: events.ConnectionClosed, Token: c.token, Remote: c.RemoteAddr(), ConnectionType: "Management",
	})
	if onClose != nil {
		onClose()
	}
}
