package protocol

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketMetadata describes how a downstream consumer must frame the socket.
type SocketMetadata struct {
	SkipWebSocketFrames bool
	PermessageDeflate   bool
	InflateBytes        []byte
}

// Socket is a byte stream carrying protocol frames.
type Socket interface {
	io.Reader
	io.Writer
	Close() error
	// End flushes, half-closes and closes the socket once the peer stops
	// sending or a short linger expires.
	End() error
	// Drain returns once every accepted write has been handed to the OS.
	Drain() error
	RemoteAddr() string
	Metadata() SocketMetadata
}

// FileSocket is a socket whose descriptor can be handed to another process.
type FileSocket interface {
	Socket
	File() (*os.File, error)
}

var ErrPendingBytes = errors.New("protocol: socket has unread pre-read bytes")

const endLinger = 5 * time.Second

type rawSocket struct {
	conn   net.Conn
	remote string

	readMu  sync.Mutex
	pending []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewRawSocket wraps an unframed connection. preRead holds bytes already
// consumed from conn (for example by an HTTP hijack) that must be read first.
func NewRawSocket(conn net.Conn, preRead []byte) FileSocket {
	s := &rawSocket{conn: conn, remote: addrString(conn.RemoteAddr())}
	if len(preRead) > 0 {
		s.pending = append([]byte(nil), preRead...)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(5 * time.Second)
	}
	return s
}

func (s *rawSocket) Read(p []byte) (int, error) {
	s.readMu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.readMu.Unlock()
		return n, nil
	}
	s.readMu.Unlock()
	return s.conn.Read(p)
}

func (s *rawSocket) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(p)
}

func (s *rawSocket) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// End half-closes the socket. A write stuck on a peer that stopped reading
// is failed first so End never waits on it.
func (s *rawSocket) End() error {
	_ = s.conn.SetWriteDeadline(time.Now())
	s.writeMu.Lock()
	cw, ok := s.conn.(interface{ CloseWrite() error })
	s.writeMu.Unlock()
	if !ok {
		return s.Close()
	}
	if err := cw.CloseWrite(); err != nil {
		return s.Close()
	}
	go func() {
		_ = s.conn.SetReadDeadline(time.Now().Add(endLinger))
		_, _ = io.Copy(io.Discard, s.conn)
		_ = s.Close()
	}()
	return nil
}

func (s *rawSocket) Drain() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return nil
}

func (s *rawSocket) RemoteAddr() string { return s.remote }

func (s *rawSocket) Metadata() SocketMetadata {
	return SocketMetadata{SkipWebSocketFrames: true}
}

// File duplicates the underlying descriptor. The socket keeps its own copy,
// so callers close it after the handoff without affecting the duplicate.
func (s *rawSocket) File() (*os.File, error) {
	s.readMu.Lock()
	pending := len(s.pending)
	s.readMu.Unlock()
	if pending > 0 {
		return nil, ErrPendingBytes
	}
	fc, ok := s.conn.(interface{ File() (*os.File, error) })
	if !ok {
		return nil, errors.New("protocol: connection does not expose a file descriptor")
	}
	return fc.File()
}

type wsSocket struct {
	conn   *websocket.Conn
	remote string
	meta   SocketMetadata

	readMu sync.Mutex
	cur    io.Reader

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket adapts a gorilla connection to a byte stream: every inbound
// message payload is appended to the stream and every Write becomes one
// binary message.
func NewWebSocket(conn *websocket.Conn, permessageDeflate bool) Socket {
	return &wsSocket{
		conn:   conn,
		remote: addrString(conn.RemoteAddr()),
		meta:   SocketMetadata{PermessageDeflate: permessageDeflate, InflateBytes: []byte{}},
	}
}

func (s *wsSocket) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	for {
		if s.cur == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if errors.Is(err, io.EOF) {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsSocket) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsSocket) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// End sends a close frame. WriteControl may run next to a pending
// WriteMessage and gives up at its own deadline, so writeMu is not taken.
func (s *wsSocket) End() error {
	err := s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		return s.Close()
	}
	// The peer answers with its own close frame; whoever is reading sees it.
	time.AfterFunc(endLinger, func() { _ = s.Close() })
	return nil
}

func (s *wsSocket) Drain() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return nil
}

func (s *wsSocket) RemoteAddr() string { return s.remote }

func (s *wsSocket) Metadata() SocketMetadata { return s.meta }

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return a.String()
}
