// Package ipc implements the JSON channel RPC carried as regular messages of
// a persistent protocol.
package ipc

import (
	"encoding/json"
	"errors"
)

// Request kinds.
const (
	KindCall   = "call"
	KindListen = "listen"
	KindCancel = "cancel"
)

// Response kinds.
const (
	KindOK    = "ok"
	KindError = "err"
	KindEvent = "evt"
)

var (
	ErrUnknownChannel = errors.New("ipc: unknown channel")
	ErrUnknownCommand = errors.New("ipc: unknown command")
	ErrClosed         = errors.New("ipc: connection closed")
)

// Request is sent by the client.
type Request struct {
	Kind    string          `json:"t"`
	ID      uint64          `json:"id"`
	Channel string          `json:"ch,omitempty"`
	Command string          `json:"cmd,omitempty"`
	Arg     json.RawMessage `json:"arg,omitempty"`
}

// Response answers a call, reports its failure, or carries one event of a
// listen request.
type Response struct {
	Kind  string          `json:"t"`
	ID    uint64          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Transport sends one encoded message to the peer.
type Transport interface {
	Send(data []byte)
}

// RemoteError is a failure reported by the peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }
