package remote

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/antonkrylov/xragent/internal/events"
	"github.com/antonkrylov/xragent/internal/protocol"
)

const tunnelDialTimeout = 10 * time.Second

// openTunnel relays the rest of sock to host:port. Either side ending
// closes the other.
func (s *Server) openTunnel(sock protocol.Socket, req *protocol.ConnectionTypeRequest, leftover []byte, logger *slog.Logger) {
	params, err := req.TunnelParams()
	if err != nil {
		s.rejectSocket(sock, logger, "", reasonInvalidFieldType)
		return
	}
	host := params.Host
	if host == "" {
		host = "localhost"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(params.Port))

	ctx, cancel := context.WithTimeout(s.ctx, tunnelDialTimeout)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	cancel()
	if err != nil {
		logger.Warn("unable to open the tunnel", "addr", addr, "err", err)
		_ = sock.End()
		return
	}
	logger.Info("tunnel opened", "addr", addr)
	s.publisher.Publish(context.Background(), events.Event{
		Kind: events.TunnelOpened, Remote: sock.RemoteAddr(), ConnectionType: "Tunnel", Reason: addr,
	})
	newRelay(sock, conn).run(leftover)
	logger.Debug("tunnel closed", "addr", addr)
}
