package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Environment variables carrying the grace times to the pty host, in
// milliseconds.
const (
	GraceTimeEnv      = "VSCODE_RECONNECT_GRACE_TIME"
	ShortGraceTimeEnv = "VSCODE_RECONNECT_SHORT_GRACE_TIME"
)

// HostOptions configure a pty host process.
type HostOptions struct {
	SocketPath string
	Logger     *slog.Logger
	// Parent is read until EOF; the host exits when its parent goes away.
	Parent io.Reader
	// GraceTime and ShortGraceTime default to the environment variables.
	GraceTime      time.Duration
	ShortGraceTime time.Duration
}

// Run serves the pty host on a unix socket until ctx is done or the parent
// goes away.
func Run(ctx context.Context, opts HostOptions) error {
	if opts.SocketPath == "" {
		return errors.New("ptyhost: socket path is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GraceTime <= 0 {
		opts.GraceTime = durationEnv(GraceTimeEnv)
	}
	if opts.ShortGraceTime <= 0 {
		opts.ShortGraceTime = durationEnv(ShortGraceTimeEnv)
	}

	svc, err := NewService(Config{
		Logger:         opts.Logger,
		GraceTime:      opts.GraceTime,
		ShortGraceTime: opts.ShortGraceTime,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	_ = os.Remove(opts.SocketPath)
	lis, err := net.Listen("unix", opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", opts.SocketPath, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Parent != nil {
		go func() {
			_, _ = io.Copy(io.Discard, opts.Parent)
			opts.Logger.Info("parent went away, stopping pty host")
			cancel()
		}()
	}
	return Serve(ctx, lis, svc)
}

// Serve registers svc and the health service on lis.
func Serve(ctx context.Context, lis net.Listener, svc PtyHostServer) error {
	srv := newGRPCServer()
	RegisterPtyHostServer(srv, svc)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		srv.Stop()
	}()
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func durationEnv(key string) time.Duration {
	ms, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
