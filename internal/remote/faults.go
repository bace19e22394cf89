package remote

import (
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/antonkrylov/xragent/internal/protocol"
)

const brokenPipeLogInterval = time.Second

// watchBrokenPipes turns SIGPIPE into a log line. A write to a dead stderr
// raises SIGPIPE from the logger itself, so nested and rapid repeats are
// dropped.
func watchBrokenPipes(logger *slog.Logger) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGPIPE)
	done := make(chan struct{})

	var handling atomic.Bool
	var last atomic.Int64
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				if !handling.CompareAndSwap(false, true) {
					continue
				}
				now := time.Now().UnixNano()
				if now-last.Load() >= int64(brokenPipeLogInterval) {
					last.Store(now)
					logger.Error("unexpected SIGPIPE")
				}
				handling.Store(false)
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// recoverSocket closes sock if the goroutine serving it panics. Deferred
// directly by every per-socket goroutine.
func (s *Server) recoverSocket(sock protocol.Socket, logger *slog.Logger) {
	if r := recover(); r != nil {
		logger.Error("unexpected error while handling a socket", "panic", r, "stack", string(debug.Stack()))
		_ = sock.Close()
	}
}
