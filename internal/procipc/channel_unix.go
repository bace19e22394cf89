//go:build unix

package procipc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Supported reports whether descriptors can be passed to the child.
const Supported = true

const maxFDsPerRead = 16

// Channel is one end of the parent/child socket.
type Channel struct {
	conn *net.UnixConn

	writeMu sync.Mutex

	readMu sync.Mutex
	buf    []byte
	fds    []int

	closeOnce sync.Once
}

// NewPair creates a connected pair. The parent keeps the Channel; the
// returned file is passed to the child (for example through exec.Cmd.ExtraFiles)
// and should be closed by the parent once the child started.
func NewPair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("procipc: socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "xragent-ipc-parent")
	child := os.NewFile(uintptr(fds[1]), "xragent-ipc-child")
	ch, err := fromFile(parent)
	if err != nil {
		_ = child.Close()
		return nil, nil, err
	}
	return ch, child, nil
}

// SocketPair returns a connected stream pair: a file to hand to another
// process and the local end as a net.Conn.
func SocketPair() (*os.File, net.Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("procipc: socketpair: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), "xragent-relay")
	defer local.Close()
	conn, err := net.FileConn(local)
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, fmt.Errorf("procipc: adopt descriptor: %w", err)
	}
	return os.NewFile(uintptr(fds[1]), "xragent-relay-remote"), conn, nil
}

// FromFD adopts an inherited descriptor in the child.
func FromFD(fd uintptr) (*Channel, error) {
	return fromFile(os.NewFile(fd, "xragent-ipc"))
}

func fromFile(f *os.File) (*Channel, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("procipc: adopt descriptor: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("procipc: descriptor is %T, not a unix socket", c)
	}
	return &Channel{conn: uc}, nil
}

// Send writes one message.
func (c *Channel) Send(v any) error {
	data, err := encode(v, false)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// SendWithFile writes one message together with a duplicate of f's
// descriptor. The caller keeps ownership of f.
func (c *Channel) SendWithFile(v any, f *os.File) error {
	data, err := encode(v, true)
	if err != nil {
		return err
	}
	rights := unix.UnixRights(int(f.Fd()))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	n, _, err := c.conn.WriteMsgUnix(data, rights, nil)
	if err != nil {
		return fmt.Errorf("procipc: sendmsg: %w", err)
	}
	if n < len(data) {
		if _, err := c.conn.Write(data[n:]); err != nil {
			return err
		}
	}
	return nil
}

// Receive blocks for the next message. Descriptors are matched in arrival
// order with the messages that announce a handle.
func (c *Channel) Receive() (*Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	p := make([]byte, 32*1024)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerRead*4))
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			line := c.buf[:i]
			c.buf = c.buf[i+1:]
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			return c.decode(line)
		}
		n, oobn, _, _, err := c.conn.ReadMsgUnix(p, oob)
		if oobn > 0 {
			c.collectRights(oob[:oobn])
		}
		if n > 0 {
			c.buf = append(c.buf, p[:n]...)
		}
		if err != nil {
			if n > 0 {
				continue
			}
			return nil, err
		}
		if n == 0 && oobn == 0 {
			return nil, io.EOF
		}
	}
}

func (c *Channel) decode(line []byte) (*Message, error) {
	raw := append(json.RawMessage(nil), line...)
	var h header
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("procipc: decode: %w", err)
	}
	msg := &Message{Type: h.Type, Raw: raw}
	if h.HasHandle {
		if len(c.fds) == 0 {
			return nil, ErrMissingFile
		}
		fd := c.fds[0]
		c.fds = c.fds[1:]
		msg.File = os.NewFile(uintptr(fd), "xragent-handoff")
	}
	return msg, nil
}

func (c *Channel) collectRights(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
		}
		c.fds = append(c.fds, fds...)
	}
}

// Close closes the channel and any received but unclaimed descriptors.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		c.readMu.Lock()
		for _, fd := range c.fds {
			_ = unix.Close(fd)
		}
		c.fds = nil
		c.readMu.Unlock()
	})
	return err
}
