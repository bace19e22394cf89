package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/xragent/internal/config"
	"github.com/antonkrylov/xragent/internal/connectiontoken"
	"github.com/antonkrylov/xragent/internal/events"
	"github.com/antonkrylov/xragent/internal/ipc"
	"github.com/antonkrylov/xragent/internal/ptyhost"
	"github.com/antonkrylov/xragent/internal/remote"
	"github.com/antonkrylov/xragent/internal/signing"
	"github.com/antonkrylov/xragent/internal/terminal"
	"github.com/antonkrylov/xragent/internal/userenv"
)

type serveFlags struct {
	configPath string

	host       string
	port       string
	socketPath string

	connectionToken        string
	connectionTokenFile    string
	withoutConnectionToken bool
	handshakeKeyFile       string

	reconnectionGraceTime          int
	enableRemoteAutoShutdown       bool
	remoteAutoShutdownWithoutDelay bool
	commit                         string
	built                          bool

	forceDisableUserEnv         bool
	forceUserEnv                bool
	useHostProxy                bool
	withoutBrowserEnvVar        bool
	disableWebSocketCompression bool

	natsURL string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept editor connections (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = &config.Config{}
			}
			applyFlags(cfg, f, cmd.Flags().Changed)
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				root.logLevel = cfg.LogLevel
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cancel, cfg, root.logger(), cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", config.DefaultConfigPath(), "path to the agent config file")
	fl.StringVar(&f.host, "host", "", "host to listen on (default localhost)")
	fl.StringVar(&f.port, "port", "", "port or port range a-b; the first free port wins (default 8000)")
	fl.StringVar(&f.socketPath, "socket-path", "", "listen on a unix socket instead of a TCP port")
	fl.StringVar(&f.connectionToken, "connection-token", "", "token clients must present")
	fl.StringVar(&f.connectionTokenFile, "connection-token-file", "", "file holding the connection token")
	fl.BoolVar(&f.withoutConnectionToken, "without-connection-token", false, "accept clients without a connection token")
	fl.StringVar(&f.handshakeKeyFile, "handshake-key-file", "", "shared secret used to sign handshake challenges")
	fl.IntVar(&f.reconnectionGraceTime, "reconnection-grace-time", 0, "seconds a disconnected session waits for its client (default 10800)")
	fl.BoolVar(&f.enableRemoteAutoShutdown, "enable-remote-auto-shutdown", false, "exit once no extension host has been connected for a while")
	fl.BoolVar(&f.remoteAutoShutdownWithoutDelay, "remote-auto-shutdown-without-delay", false, "exit as soon as the last extension host closes")
	fl.StringVar(&f.commit, "commit", "", "client commit this agent serves; other commits are refused")
	fl.BoolVar(&f.built, "built", false, "run as a release build (refuse unauthorized handshakes)")
	fl.BoolVar(&f.forceDisableUserEnv, "force-disable-user-env", false, "never resolve the login shell environment")
	fl.BoolVar(&f.forceUserEnv, "force-user-env", false, "always resolve the login shell environment")
	fl.BoolVar(&f.useHostProxy, "use-host-proxy", false, "let extension hosts use the client's proxy settings")
	fl.BoolVar(&f.withoutBrowserEnvVar, "without-browser-env-var", false, "do not set BROWSER for extension hosts and terminals")
	fl.BoolVar(&f.disableWebSocketCompression, "disable-websocket-compression", false, "never negotiate permessage-deflate")
	fl.StringVar(&f.natsURL, "nats-url", "", "publish lifecycle events to this NATS server")
	return cmd
}

// applyFlags overlays the flags the user set on the file config.
func applyFlags(cfg *config.Config, f *serveFlags, changed func(string) bool) {
	setString := func(name string, dst *string, v string) {
		if changed(name) {
			*dst = v
		}
	}
	setBool := func(name string, dst *bool, v bool) {
		if changed(name) {
			*dst = v
		}
	}
	setString("host", &cfg.Host, f.host)
	setString("port", &cfg.Port, f.port)
	setString("socket-path", &cfg.SocketPath, f.socketPath)
	setString("connection-token", &cfg.ConnectionToken, f.connectionToken)
	setString("connection-token-file", &cfg.ConnectionTokenFile, f.connectionTokenFile)
	setBool("without-connection-token", &cfg.WithoutConnectionToken, f.withoutConnectionToken)
	setString("handshake-key-file", &cfg.HandshakeKeyFile, f.handshakeKeyFile)
	if changed("reconnection-grace-time") {
		cfg.ReconnectionGraceTimeSeconds = f.reconnectionGraceTime
	}
	setBool("enable-remote-auto-shutdown", &cfg.EnableRemoteAutoShutdown, f.enableRemoteAutoShutdown)
	setBool("remote-auto-shutdown-without-delay", &cfg.RemoteAutoShutdownWithoutDelay, f.remoteAutoShutdownWithoutDelay)
	setString("commit", &cfg.Commit, f.commit)
	setBool("built", &cfg.Built, f.built)
	setBool("force-disable-user-env", &cfg.ForceDisableUserEnv, f.forceDisableUserEnv)
	setBool("force-user-env", &cfg.ForceUserEnv, f.forceUserEnv)
	setBool("use-host-proxy", &cfg.UseHostProxy, f.useHostProxy)
	setBool("without-browser-env-var", &cfg.WithoutBrowserEnvVar, f.withoutBrowserEnvVar)
	setBool("disable-websocket-compression", &cfg.DisableWebSocketCompression, f.disableWebSocketCompression)
	setString("nats-url", &cfg.NATS.URL, f.natsURL)
	if cfg.Commit == "" {
		cfg.Commit = commit
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func serve(ctx context.Context, stop context.CancelFunc, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	token, err := connectiontoken.Parse(connectiontoken.Options{
		WithoutConnectionToken: cfg.WithoutConnectionToken,
		Token:                  cfg.ConnectionToken,
		TokenFile:              cfg.ConnectionTokenFile,
	}, uuid.NewString)
	if err != nil {
		return err
	}
	portFirst, portLast, err := config.PortRange(cfg.Port)
	if err != nil {
		return err
	}

	var signer signing.Signer
	var newValidator func() signing.Validator
	if cfg.HandshakeKeyFile != "" {
		keyed, err := signing.LoadKeyFile(cfg.HandshakeKeyFile)
		if err != nil {
			return err
		}
		signer, newValidator = keyed, keyed.NewValidator
	}

	publisher, err := newPublisher(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	shellEnv := &userenv.ShellEnvResolver{
		Logger:              logger.With("component", "shellenv"),
		ForceDisableUserEnv: cfg.ForceDisableUserEnv,
		ForceUserEnv:        cfg.ForceUserEnv,
	}

	sup := ptyhost.NewSupervisor(ptyhost.SupervisorConfig{
		GraceTime: time.Duration(cfg.Terminal.PersistentSessionGraceHours) * time.Hour,
		Logger:    logger,
		Events:    publisher,
	})
	defer sup.Close()

	terminals := &terminal.Channel{
		Host:   sup,
		Logger: logger.With("component", "terminal"),
		Settings: terminal.Settings{
			Env:          cfg.Terminal.Env,
			Cwd:          cfg.Terminal.Cwd,
			DetectLocale: cfg.Terminal.DetectLocale,
			InheritEnv:   cfg.Terminal.InheritEnv,
			DefaultShell: cfg.Terminal.DefaultShell,
		},
		Version:              version,
		Language:             "en",
		AppRoot:              cfg.ExtensionHost.AppRoot,
		Built:                cfg.Built,
		WithoutBrowserEnvVar: cfg.WithoutBrowserEnvVar,
		ShellEnv:             shellEnv,
	}

	srv, err := remote.New(remote.Config{
		Host:                           cfg.Host,
		PortFirst:                      portFirst,
		PortLast:                       portLast,
		SocketPath:                     cfg.SocketPath,
		ConnectionToken:                token,
		Commit:                         cfg.Commit,
		Version:                        version,
		Built:                          cfg.Built,
		ReconnectionGraceTime:          seconds(cfg.ReconnectionGraceTimeSeconds),
		HandshakeTimeout:               seconds(cfg.HandshakeTimeoutSeconds),
		Signer:                         signer,
		NewValidator:                   newValidator,
		EnableRemoteAutoShutdown:       cfg.EnableRemoteAutoShutdown,
		RemoteAutoShutdownWithoutDelay: cfg.RemoteAutoShutdownWithoutDelay,
		DisableWebSocketCompression:    cfg.DisableWebSocketCompression,
		ExtensionHost: remote.ExtensionHostConfig{
			Command:              cfg.ExtensionHost.Command,
			Args:                 cfg.ExtensionHost.Args,
			ExecArgv:             cfg.ExtensionHost.ExecArgv,
			Entry:                cfg.ExtensionHost.Entry,
			AppRoot:              cfg.ExtensionHost.AppRoot,
			UseHostProxy:         cfg.UseHostProxy,
			WithoutBrowserEnvVar: cfg.WithoutBrowserEnvVar,
			DisableSocketHandoff: cfg.ExtensionHost.DisableSocketHandoff,
			ShellEnv:             shellEnv,
		},
		Channels: map[string]ipc.Channel{terminal.ChannelName: terminals},
		Events:   publisher,
		// Idle shutdown unwinds through the deferred cleanup.
		Exit:   func(int) { stop() },
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	printBanner(out, srv.Addr(), cfg.Host, token, term.IsTerminal(int(os.Stdout.Fd())))

	<-ctx.Done()
	srv.Stop()
	return nil
}

func newPublisher(ctx context.Context, cfg config.NATS, logger *slog.Logger) (events.Publisher, error) {
	if cfg.URL == "" {
		return events.Nop{}, nil
	}
	p, err := events.NewNATS(ctx, events.NATSOptions{
		URL:       cfg.URL,
		User:      cfg.User,
		Password:  cfg.Password,
		Prefix:    cfg.Prefix,
		JetStream: cfg.JetStream,
	}, logger.With("component", "events"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return p, nil
}

// printBanner announces the listening address. Clients launching the agent
// parse the first line; the tokenised URL is for humans only.
func printBanner(out io.Writer, addr net.Addr, host string, token *connectiontoken.Token, interactive bool) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		fmt.Fprintf(out, "\nExtension host agent listening on %s\n\n", addr.String())
		return
	}
	fmt.Fprintf(out, "\nExtension host agent listening on %d\n\n", tcp.Port)
	if !interactive {
		return
	}
	if host == "" {
		host = "localhost"
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, fmt.Sprint(tcp.Port)), Path: "/"}
	if token.Mode() != connectiontoken.None {
		u.RawQuery = url.Values{connectiontoken.QueryParam: {token.Value()}}.Encode()
	}
	fmt.Fprintf(out, "Web UI available at %s\n\n", u.String())
}
