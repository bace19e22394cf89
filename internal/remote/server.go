package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/antonkrylov/xragent/internal/connectiontoken"
	"github.com/antonkrylov/xragent/internal/events"
	"github.com/antonkrylov/xragent/internal/ipc"
	"github.com/antonkrylov/xragent/internal/protocol"
	"github.com/antonkrylov/xragent/internal/signing"
)

const (
	DefaultReconnectionGraceTime = 3 * time.Hour
	DefaultHandshakeTimeout      = 30 * time.Second
)

type Config struct {
	Host string
	// PortFirst..PortLast are tried in order; zero picks an ephemeral port.
	PortFirst  int
	PortLast   int
	SocketPath string

	// ConnectionToken defaults to accepting every client.
	ConnectionToken *connectiontoken.Token
	Commit          string
	Version         string
	Built           bool

	ReconnectionGraceTime time.Duration
	HandshakeTimeout      time.Duration
	Protocol              protocol.Options

	Signer       signing.Signer
	NewValidator func() signing.Validator

	EnableRemoteAutoShutdown       bool
	RemoteAutoShutdownWithoutDelay bool
	AutoShutdownDelay              time.Duration

	DisableWebSocketCompression bool

	ExtensionHost ExtensionHostConfig
	Launcher      Launcher
	// Channels are served on every management connection.
	Channels map[string]ipc.Channel
	Events   events.Publisher
	// Exit ends the process on idle shutdown.
	Exit   func(code int)
	Logger *slog.Logger
}

// Server accepts client sockets, authenticates them and routes them to
// management connections, extension hosts and tunnels.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	token     *connectiontoken.Token
	publisher events.Publisher
	registry  *registry
	ipc       *ipc.Server
	shutdown  *idleShutdown

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopPipes  func()
	stopOnce   sync.Once
}

func New(cfg Config) (*Server, error) {
	if cfg.Host == "" && cfg.SocketPath == "" {
		cfg.Host = "localhost"
	}
	if cfg.PortFirst < 0 || cfg.PortFirst > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.PortFirst)
	}
	if cfg.PortLast < cfg.PortFirst {
		cfg.PortLast = cfg.PortFirst
	}
	if cfg.ReconnectionGraceTime <= 0 {
		cfg.ReconnectionGraceTime = DefaultReconnectionGraceTime
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.AutoShutdownDelay <= 0 {
		cfg.AutoShutdownDelay = DefaultAutoShutdownDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if cfg.Launcher == nil {
		cfg.Launcher = &ExecLauncher{Logger: cfg.Logger.With("component", "exthost")}
	}
	if cfg.Events == nil {
		cfg.Events = events.Nop{}
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	token := cfg.ConnectionToken
	if token == nil {
		cfg.Logger.Warn("no connection token configured, every client is accepted")
		token = connectiontoken.NewNone()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		token:     token,
		publisher: cfg.Events,
		registry:  newRegistry(),
		ipc:       ipc.NewServer(cfg.Logger.With("component", "ipc")),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.shutdown = &idleShutdown{
		enabled:      cfg.EnableRemoteAutoShutdown,
		withoutDelay: cfg.RemoteAutoShutdownWithoutDelay,
		delay:        cfg.AutoShutdownDelay,
		active:       s.registry.extHostCount,
		exit:         s.exitIdle,
		logger:       cfg.Logger,
	}
	s.ipc.Register(EnvironmentChannelName, &environmentChannel{s: s})
	for name, ch := range cfg.Channels {
		s.ipc.Register(name, ch)
	}
	return s, nil
}

// Handler serves the HTTP surface without a listener.
func (s *Server) Handler() http.Handler { return s.routes() }

func (s *Server) Start(ctx context.Context) error {
	lis, err := listen(s.cfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	s.mu.Lock()
	s.listener = lis
	s.httpServer = srv
	s.stopPipes = watchBrokenPipes(s.logger)
	s.mu.Unlock()

	s.logger.Info("remote agent listening", "addr", lis.Addr().String(), "tokenMode", s.token.Mode().String())
	s.shutdown.start()

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "err", err)
		}
	}()
	return nil
}

func listen(cfg Config) (net.Listener, error) {
	if cfg.SocketPath != "" {
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %s: %w", cfg.SocketPath, err)
		}
		lis, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.SocketPath, err)
		}
		return lis, nil
	}
	var lastErr error
	for port := cfg.PortFirst; port <= cfg.PortLast; port++ {
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(port)))
		if err == nil {
			return lis, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in %d-%d on %s: %w", cfg.PortFirst, cfg.PortLast, cfg.Host, lastErr)
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and disposes every connection.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.shutdown.cancel()
		s.mu.Lock()
		srv, stopPipes := s.httpServer, s.stopPipes
		s.mu.Unlock()
		if srv != nil {
			_ = srv.Close()
		}
		if s.cfg.SocketPath != "" && srv != nil {
			_ = os.Remove(s.cfg.SocketPath)
		}
		mgmt, ext := s.registry.snapshot()
		for _, c := range mgmt {
			c.Dispose()
		}
		for _, c := range ext {
			c.Dispose()
		}
		if stopPipes != nil {
			stopPipes()
		}
		s.logger.Info("remote agent stopped")
	})
}

func (s *Server) exitIdle() {
	s.publisher.Publish(context.Background(), events.Event{Kind: events.ServerShutdown, Reason: "idle"})
	s.Stop()
	s.cfg.Exit(0)
}

// connectionLogger scopes base to one client connection.
func connectionLogger(base *slog.Logger, remote, token, kind string) *slog.Logger {
	if len(token) > 8 {
		token = token[:8]
	}
	return base.With("remote", remote, "token", token, "kind", kind)
}
