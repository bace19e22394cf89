// Package procipc is the parent/child channel of the extension host: newline
// delimited JSON over a socketpair, able to carry a file descriptor with a
// message.
package procipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Message types exchanged with the extension host.
const (
	TypeReady           = "VSCODE_EXTHOST_IPC_READY"
	TypeSocket          = "VSCODE_EXTHOST_IPC_SOCKET"
	TypeReduceGraceTime = "VSCODE_EXTHOST_IPC_REDUCE_GRACE_TIME"
	TypeSocketClosed    = "VSCODE_EXTHOST_IPC_SOCKET_CLOSED"
)

// FDEnv names the environment variable telling the child which descriptor
// carries the channel.
const FDEnv = "XRAGENT_IPC_FD"

var (
	ErrUnsupported = errors.New("procipc: descriptor passing is not supported on this platform")
	ErrMissingFile = errors.New("procipc: message announced a handle that never arrived")
)

// Message is one received message. File is set when the sender attached a
// descriptor; the receiver owns it.
type Message struct {
	Type string
	Raw  json.RawMessage
	File *os.File
}

// Decode unmarshals the full message into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// SocketMessage accompanies a transferred client socket.
type SocketMessage struct {
	Type                string `json:"type"`
	InitialDataChunk    string `json:"initialDataChunk"`
	SkipWebSocketFrames bool   `json:"skipWebSocketFrames"`
	PermessageDeflate   bool   `json:"permessageDeflate"`
	InflateBytes        string `json:"inflateBytes"`
}

// ReduceGraceTimeMessage asks the child to shorten its reconnection window.
type ReduceGraceTimeMessage struct {
	Type string `json:"type"`
}

type header struct {
	Type      string `json:"type"`
	HasHandle bool   `json:"hasHandle,omitempty"`
}

func encode(v any, withHandle bool) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("procipc: encode: %w", err)
	}
	if withHandle {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("procipc: message with handle must be an object: %w", err)
		}
		obj["hasHandle"] = json.RawMessage("true")
		if data, err = json.Marshal(obj); err != nil {
			return nil, err
		}
	}
	return append(data, '\n'), nil
}
