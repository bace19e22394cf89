//go:build !unix

package procipc

import (
	"net"
	"os"
)

const Supported = false

// Channel is unavailable off unix; the extension host falls back to a named pipe.
type Channel struct{}

func NewPair() (*Channel, *os.File, error)          { return nil, nil, ErrUnsupported }
func SocketPair() (*os.File, net.Conn, error)       { return nil, nil, ErrUnsupported }
func FromFD(uintptr) (*Channel, error)              { return nil, ErrUnsupported }
func (c *Channel) Send(any) error                   { return ErrUnsupported }
func (c *Channel) SendWithFile(any, *os.File) error { return ErrUnsupported }
func (c *Channel) Receive() (*Message, error)       { return nil, ErrUnsupported }
func (c *Channel) Close() error                     { return nil }
