package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ConnectionType is the desiredConnectionType of the second handshake message.
type ConnectionType int

const (
	ConnectionManagement    ConnectionType = 1
	ConnectionExtensionHost ConnectionType = 2
	ConnectionTunnel        ConnectionType = 3
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionManagement:
		return "Management"
	case ConnectionExtensionHost:
		return "ExtensionHost"
	case ConnectionTunnel:
		return "Tunnel"
	default:
		return fmt.Sprintf("ConnectionType(%d)", int(c))
	}
}

var (
	ErrMalformedMessage   = errors.New("protocol: malformed handshake message")
	ErrUnknownMessageType = errors.New("protocol: unknown handshake message type")
	ErrInvalidFieldType   = errors.New("protocol: invalid handshake message field type")
)

// HandshakeMessage is one of *AuthRequest, *SignRequest,
// *ConnectionTypeRequest, *OKMessage or *ErrorMessage.
type HandshakeMessage interface {
	handshakeType() string
}

type AuthRequest struct {
	Auth string `json:"auth"`
	Data string `json:"data"`
}

type SignRequest struct {
	Data       string `json:"data"`
	SignedData string `json:"signedData"`
}

type ConnectionTypeRequest struct {
	SignedData            string          `json:"signedData"`
	Commit                string          `json:"commit,omitempty"`
	DesiredConnectionType ConnectionType  `json:"desiredConnectionType"`
	Args                  json.RawMessage `json:"args,omitempty"`
}

type OKMessage struct {
	DebugPort int `json:"debugPort,omitempty"`
}

type ErrorMessage struct {
	Reason string `json:"reason"`
}

func (*AuthRequest) handshakeType() string           { return "auth" }
func (*SignRequest) handshakeType() string           { return "sign" }
func (*ConnectionTypeRequest) handshakeType() string { return "connectionType" }
func (*OKMessage) handshakeType() string             { return "ok" }
func (*ErrorMessage) handshakeType() string          { return "error" }

// ExtensionHostStartParams are the args of an ExtensionHost connection.
type ExtensionHostStartParams struct {
	Language string             `json:"language"`
	DebugID  string             `json:"debugId,omitempty"`
	Break    bool               `json:"break,omitempty"`
	Port     int                `json:"port,omitempty"`
	Env      map[string]*string `json:"env,omitempty"`
}

// TunnelStartParams are the args of a Tunnel connection.
type TunnelStartParams struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ExtensionHostParams decodes Args, defaulting the language to "en".
func (r *ConnectionTypeRequest) ExtensionHostParams() (*ExtensionHostStartParams, error) {
	p := &ExtensionHostStartParams{}
	if len(r.Args) > 0 && string(r.Args) != "null" {
		if err := json.Unmarshal(r.Args, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFieldType, err)
		}
	}
	if p.Language == "" {
		p.Language = "en"
	}
	return p, nil
}

// TunnelParams decodes Args for a tunnel.
func (r *ConnectionTypeRequest) TunnelParams() (*TunnelStartParams, error) {
	p := &TunnelStartParams{}
	if len(r.Args) == 0 || string(r.Args) == "null" {
		return nil, fmt.Errorf("%w: tunnel args missing", ErrInvalidFieldType)
	}
	if err := json.Unmarshal(r.Args, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFieldType, err)
	}
	return p, nil
}

// MarshalHandshake encodes m with its type tag.
func MarshalHandshake(m HandshakeMessage) []byte {
	var v any
	switch m := m.(type) {
	case *AuthRequest:
		v = struct {
			Type string `json:"type"`
			*AuthRequest
		}{m.handshakeType(), m}
	case *SignRequest:
		v = struct {
			Type string `json:"type"`
			*SignRequest
		}{m.handshakeType(), m}
	case *ConnectionTypeRequest:
		v = struct {
			Type string `json:"type"`
			*ConnectionTypeRequest
		}{m.handshakeType(), m}
	case *OKMessage:
		v = struct {
			Type string `json:"type"`
			*OKMessage
		}{m.handshakeType(), m}
	case *ErrorMessage:
		v = struct {
			Type string `json:"type"`
			*ErrorMessage
		}{m.handshakeType(), m}
	default:
		panic(fmt.Sprintf("protocol: unknown handshake message %T", m))
	}
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

// ParseHandshakeMessage decodes a control payload into a known variant.
func ParseHandshakeMessage(data []byte) (HandshakeMessage, error) {
	if !json.Valid(data) {
		return nil, ErrMalformedMessage
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrUnknownMessageType
	}
	var msg HandshakeMessage
	switch env.Type {
	case "auth":
		msg = &AuthRequest{}
	case "sign":
		msg = &SignRequest{}
	case "connectionType":
		msg = &ConnectionTypeRequest{}
	case "ok":
		msg = &OKMessage{}
	case "error":
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFieldType, err)
	}
	if _, ok := msg.(*ConnectionTypeRequest); ok {
		// A missing signedData would otherwise decode as "".
		var raw map[string]json.RawMessage
		_ = json.Unmarshal(data, &raw)
		if sd, ok := raw["signedData"]; !ok || len(sd) == 0 || sd[0] != '"' {
			return nil, fmt.Errorf("%w: signedData", ErrInvalidFieldType)
		}
	}
	return msg, nil
}
