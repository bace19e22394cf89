// Package events publishes agent lifecycle events.
package events

import (
	"context"
	"time"
)

type Kind string

const (
	ConnectionOpened      Kind = "connection.opened"
	ConnectionReconnected Kind = "connection.reconnected"
	ConnectionClosed      Kind = "connection.closed"
	HandshakeRejected     Kind = "handshake.rejected"
	ExtHostStarted        Kind = "exthost.started"
	ExtHostExited         Kind = "exthost.exited"
	TunnelOpened          Kind = "tunnel.opened"
	PtyHostStarted        Kind = "ptyhost.started"
	PtyHostExited         Kind = "ptyhost.exited"
	PtyHostUnresponsive   Kind = "ptyhost.unresponsive"
	PtyHostResponsive     Kind = "ptyhost.responsive"
	ServerShutdown        Kind = "server.shutdown"
)

// Event is one lifecycle transition.
type Event struct {
	Kind           Kind      `json:"kind"`
	Token          string    `json:"token,omitempty"`
	Remote         string    `json:"remote,omitempty"`
	ConnectionType string    `json:"connectionType,omitempty"`
	Pid            int       `json:"pid,omitempty"`
	ExitCode       int       `json:"exitCode,omitempty"`
	Signal         string    `json:"signal,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Time           time.Time `json:"time"`
}

// Publisher delivers events. Publish must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close()                         {}
