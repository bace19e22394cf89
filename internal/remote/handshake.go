package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/xragent/internal/events"
	"github.com/antonkrylov/xragent/internal/protocol"
	"github.com/antonkrylov/xragent/internal/signing"
)

// Rejection reasons sent to clients.
const (
	reasonMalformedFirst     = "Malformed first message"
	reasonInvalidFirst       = "Invalid first message"
	reasonAuthMismatch       = "Unauthorized client refused: auth mismatch"
	reasonMalformedSecond    = "Malformed second message"
	reasonInvalidSecond      = "Invalid second message"
	reasonInvalidFieldType   = "Invalid second message field type"
	reasonVersionMismatch    = "Client refused: version mismatch"
	reasonUnauthorized       = "Unauthorized client refused"
	reasonUnknownInitialData = "Unknown initial data received"
)

var errHandshakeTimeout = errors.New("handshake timed out")

// rejection ends a handshake. Its text is sent to the client.
type rejection struct {
	reason string
}

func (r *rejection) Error() string { return r.reason }

func reject(reason string) error { return &rejection{reason: reason} }

// upgradeParams are the query parameters of the upgrade request.
type upgradeParams struct {
	token          string
	isReconnection bool
}

// handleSocket runs the handshake on a freshly upgraded socket and hands it
// to its consumer. It owns sock until the hand-off.
func (s *Server) handleSocket(sock protocol.Socket, up upgradeParams) {
	logger := connectionLogger(s.logger, sock.RemoteAddr(), up.token, "Handshake")
	defer s.recoverSocket(sock, logger)

	timer := time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		logger.Warn("the handshake did not complete in time, closing the socket", "timeout", s.cfg.HandshakeTimeout)
		_ = sock.Close()
	})
	req, leftover, err := s.handshake(sock, logger)
	if !timer.Stop() && err == nil {
		err = errHandshakeTimeout
	}
	if err != nil {
		var rej *rejection
		if errors.As(err, &rej) {
			s.rejectSocket(sock, logger, up.token, rej.reason)
			return
		}
		logger.Debug("the socket closed during the handshake", "err", err)
		_ = sock.Close()
		return
	}

	// A fresh client proved connectivity; stale sessions wait less.
	s.registry.shortenGraceTimes()

	switch req.DesiredConnectionType {
	case protocol.ConnectionManagement:
		s.dispatchManagement(sock, up, leftover, logger)
	case protocol.ConnectionExtensionHost:
		s.dispatchExtensionHost(sock, up, req, leftover, logger)
	case protocol.ConnectionTunnel:
		s.openTunnel(sock, req, leftover, logger)
	default:
		s.rejectSocket(sock, logger, up.token, reasonUnknownInitialData)
	}
}

// handshake reads the auth and connectionType messages. It returns the
// connection request and the bytes read past it.
func (s *Server) handshake(sock protocol.Socket, logger *slog.Logger) (*protocol.ConnectionTypeRequest, []byte, error) {
	r := protocol.NewReader(sock, nil)

	data, err := readControl(r)
	if err != nil {
		return nil, nil, err
	}
	msg, err := protocol.ParseHandshakeMessage(data)
	if errors.Is(err, protocol.ErrMalformedMessage) {
		return nil, nil, reject(reasonMalformedFirst)
	}
	auth, ok := msg.(*protocol.AuthRequest)
	if err != nil || !ok {
		return nil, nil, reject(reasonInvalidFirst)
	}
	if !s.token.Validate(auth.Auth) {
		return nil, nil, reject(reasonAuthMismatch)
	}

	var validator signing.Validator
	if s.cfg.NewValidator != nil {
		validator = s.cfg.NewValidator()
	}
	signedData := uuid.NewString()
	if s.cfg.Signer != nil {
		if signed, err := s.cfg.Signer.Sign(auth.Data); err != nil {
			logger.Error("unable to sign the client challenge", "err", err)
		} else {
			signedData = signed
		}
	}
	someText := uuid.NewString()
	if validator != nil {
		someText = validator.CreateNewMessage(someText)
	}
	if err := writeControl(sock, &protocol.SignRequest{Data: someText, SignedData: signedData}); err != nil {
		return nil, nil, err
	}

	data, err = readControl(r)
	if err != nil {
		return nil, nil, err
	}
	msg, err = protocol.ParseHandshakeMessage(data)
	switch {
	case errors.Is(err, protocol.ErrMalformedMessage):
		return nil, nil, reject(reasonMalformedSecond)
	case errors.Is(err, protocol.ErrInvalidFieldType):
		return nil, nil, reject(reasonInvalidFieldType)
	case err != nil:
		return nil, nil, reject(reasonInvalidSecond)
	}
	req, ok := msg.(*protocol.ConnectionTypeRequest)
	if !ok {
		return nil, nil, reject(reasonInvalidSecond)
	}
	if s.cfg.Commit != "" && req.Commit != "" && req.Commit != s.cfg.Commit {
		return nil, nil, reject(reasonVersionMismatch)
	}

	valid := validator == nil || s.token.Validate(req.SignedData) || validator.Validate(req.SignedData)
	if !valid {
		if s.cfg.Built {
			return nil, nil, reject(reasonUnauthorized)
		}
		logger.Error("unauthorized client handshake failed but we proceed because of dev mode")
	}
	return req, r.Buffered(), nil
}

// readControl returns the payload of the next control frame. Other frames
// have no meaning before the handshake completes.
func readControl(r *protocol.Reader) ([]byte, error) {
	for {
		m, err := r.ReadMessage()
		if err != nil {
			return nil, err
		}
		if m.Type == protocol.MsgControl {
			return m.Data, nil
		}
	}
}

func writeControl(sock protocol.Socket, m protocol.HandshakeMessage) error {
	_, err := sock.Write(protocol.Encode(&protocol.Message{Type: protocol.MsgControl, Data: protocol.MarshalHandshake(m)}))
	return err
}

// rejectSocket tells the client why it is refused and ends the socket.
func (s *Server) rejectSocket(sock protocol.Socket, logger *slog.Logger, token, reason string) {
	logger.Error("rejecting connection", "reason", reason)
	if err := writeControl(sock, &protocol.ErrorMessage{Reason: reason}); err != nil {
		logger.Debug("unable to send the rejection", "err", err)
	}
	_ = sock.Drain()
	_ = sock.End()
	s.publisher.Publish(context.Background(), events.Event{
		Kind: events.HandshakeRejected, Token: token, Remote: sock.RemoteAddr(), Reason: reason,
	})
}

func (s *Server) dispatchManagement(sock protocol.Socket, up upgradeParams, leftover []byte, logger *slog.Logger) {
	remote := sock.RemoteAddr()
	if up.isReconnection {
		c, err := s.registry.lookupManagement(up.token)
		if err != nil {
			s.rejectSocket(sock, logger, up.token, err.Error())
			return
		}
		// A session still in the registry may already be disposing.
		if c.isDisposed() {
			s.rejectSocket(sock, logger, up.token, ErrUnknownTokenSeenBefore.Error())
			return
		}
		if err := writeControl(sock, &protocol.OKMessage{}); err != nil {
			logger.Debug("unable to acknowledge the reconnection", "err", err)
		}
		if err := c.AcceptReconnection(remote, sock, leftover); err != nil {
			logger.Info("the connection was disposed during the reconnection", "err", err)
			_ = sock.End()
		}
		return
	}

	if s.registry.hasManagement(up.token) {
		s.rejectSocket(sock, logger, up.token, ErrDuplicateToken.Error())
		return
	}
	if err := writeControl(sock, &protocol.OKMessage{}); err != nil {
		logger.Debug("unable to acknowledge the connection", "err", err)
	}
	var c *ManagementConnection
	c = newManagementConnection(managementOptions{
		token:        up.token,
		remote:       remote,
		socket:       sock,
		initialChunk: leftover,
		graceTime:    s.cfg.ReconnectionGraceTime,
		protocolOpts: s.cfg.Protocol,
		ipc:          s.ipc,
		logger:       s.logger,
		publisher:    s.publisher,
		onClose:      func() { s.registry.removeManagement(up.token, c) },
	})
	if err := s.registry.registerManagement(up.token, c); err != nil {
		logger.Error("lost a registration race", "err", err)
		c.Dispose()
		return
	}
	c.start()
	s.publisher.Publish(context.Background(), events.Event{
		Kind: events.ConnectionOpened, Token: up.token, Remote: remote, ConnectionType: "Management",
	})
}

func (s *Server) dispatchExtensionHost(sock protocol.Socket, up upgradeParams, req *protocol.ConnectionTypeRequest, leftover []byte, logger *slog.Logger) {
	params, err := req.ExtensionHostParams()
	if err != nil {
		s.rejectSocket(sock, logger, up.token, reasonInvalidFieldType)
		return
	}

	var existing *ExtensionHostConnection
	if up.isReconnection {
		existing, err = s.registry.lookupExtHost(up.token)
		if err != nil {
			s.rejectSocket(sock, logger, up.token, err.Error())
			return
		}
	} else if s.registry.hasExtHost(up.token) {
		s.rejectSocket(sock, logger, up.token, ErrDuplicateToken.Error())
		return
	}

	if params.Port > 0 {
		params.Port = findFreePort(params.Port, 10, 5*time.Second)
	}
	// The client holds its data until the extension host resumes it.
	if _, err := sock.Write(protocol.Encode(&protocol.Message{Type: protocol.MsgPause})); err != nil {
		logger.Debug("unable to pause the client", "err", err)
	}
	if err := writeControl(sock, &protocol.OKMessage{DebugPort: params.Port}); err != nil {
		logger.Debug("unable to acknowledge the connection", "err", err)
	}

	remote := sock.RemoteAddr()
	if existing != nil {
		if err := existing.AcceptReconnection(remote, sock, leftover); err != nil {
			logger.Info("the extension host went away during the reconnection", "err", err)
			_ = sock.End()
		}
		return
	}

	var c *ExtensionHostConnection
	c = newExtensionHostConnection(extHostOptions{
		token:        up.token,
		remote:       remote,
		socket:       sock,
		initialChunk: leftover,
		graceTime:    s.cfg.ReconnectionGraceTime,
		built:        s.cfg.Built,
		cfg:          s.cfg.ExtensionHost,
		launcher:     s.cfg.Launcher,
		logger:       s.logger,
		publisher:    s.publisher,
		onClose: func() {
			if s.registry.removeExtHost(up.token, c) == 0 {
				s.shutdown.lastExtensionHostClosed()
			}
		},
	})
	if err := s.registry.registerExtHost(up.token, c); err != nil {
		logger.Error("lost a registration race", "err", err)
		c.Dispose()
		return
	}
	s.shutdown.cancel()
	s.publisher.Publish(context.Background(), events.Event{
		Kind: events.ConnectionOpened, Token: up.token, Remote: remote, ConnectionType: "ExtensionHost",
	})
	if err := c.start(s.ctx, params); err != nil {
		logger.Error("unable to start the extension host", "err", err)
	}
}
