package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHandshakeMessage(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		check   func(t *testing.T, m HandshakeMessage)
	}{
		{
			name:  "auth",
			input: `{"type":"auth","auth":"secret","data":"challenge"}`,
			check: func(t *testing.T, m HandshakeMessage) {
				auth, ok := m.(*AuthRequest)
				require.True(t, ok)
				assert.Equal(t, "secret", auth.Auth)
				assert.Equal(t, "challenge", auth.Data)
			},
		},
		{
			name:  "connection type with args",
			input: `{"type":"connectionType","signedData":"s","commit":"abc","desiredConnectionType":3,"args":{"host":"localhost","port":22}}`,
			check: func(t *testing.T, m HandshakeMessage) {
				ct, ok := m.(*ConnectionTypeRequest)
				require.True(t, ok)
				assert.Equal(t, ConnectionTunnel, ct.DesiredConnectionType)
				assert.Equal(t, "abc", ct.Commit)
				tp, err := ct.TunnelParams()
				require.NoError(t, err)
				assert.Equal(t, "localhost", tp.Host)
				assert.Equal(t, 22, tp.Port)
			},
		},
		{name: "not json", input: `{"type":`, wantErr: ErrMalformedMessage},
		{name: "array", input: `[1,2]`, wantErr: ErrUnknownMessageType},
		{name: "unknown type", input: `{"type":"hello"}`, wantErr: ErrUnknownMessageType},
		{name: "auth field wrong type", input: `{"type":"auth","auth":5}`, wantErr: ErrInvalidFieldType},
		{name: "missing signedData", input: `{"type":"connectionType","desiredConnectionType":1}`, wantErr: ErrInvalidFieldType},
		{name: "numeric signedData", input: `{"type":"connectionType","signedData":1,"desiredConnectionType":1}`, wantErr: ErrInvalidFieldType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseHandshakeMessage([]byte(tt.input))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestMarshalHandshakeCarriesTypeTag(t *testing.T) {
	assert.JSONEq(t, `{"type":"error","reason":"Client refused: version mismatch"}`,
		string(MarshalHandshake(&ErrorMessage{Reason: "Client refused: version mismatch"})))
	assert.JSONEq(t, `{"type":"ok"}`, string(MarshalHandshake(&OKMessage{})))
	assert.JSONEq(t, `{"type":"ok","debugPort":9229}`, string(MarshalHandshake(&OKMessage{DebugPort: 9229})))
}

func TestExtensionHostParamsDefaults(t *testing.T) {
	ct := &ConnectionTypeRequest{DesiredConnectionType: ConnectionExtensionHost}
	p, err := ct.ExtensionHostParams()
	require.NoError(t, err)
	assert.Equal(t, "en", p.Language)

	ct.Args = []byte(`{"language":"de","port":9333,"break":true,"env":{"FOO":"bar","GONE":null}}`)
	p, err = ct.ExtensionHostParams()
	require.NoError(t, err)
	assert.Equal(t, "de", p.Language)
	assert.Equal(t, 9333, p.Port)
	assert.True(t, p.Break)
	require.Contains(t, p.Env, "GONE")
	assert.Nil(t, p.Env["GONE"])
	assert.Equal(t, "bar", *p.Env["FOO"])
}
