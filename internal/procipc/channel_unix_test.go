//go:build unix

package procipc

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	parent, childFile, err := NewPair()
	require.NoError(t, err)
	child, err := fromFile(childFile)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = parent.Close()
		_ = child.Close()
	})
	return parent, child
}

func TestSendReceive(t *testing.T) {
	parent, child := newTestPair(t)

	require.NoError(t, child.Send(map[string]string{"type": TypeReady}))
	msg, err := parent.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeReady, msg.Type)
	assert.Nil(t, msg.File)

	require.NoError(t, parent.Send(&ReduceGraceTimeMessage{Type: TypeReduceGraceTime}))
	msg, err = child.Receive()
	require.NoError(t, err)
	assert.Equal(t, TypeReduceGraceTime, msg.Type)
}

func TestSocketHandoff(t *testing.T) {
	parent, child := newTestPair(t)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := lis.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	server := <-accepted

	f, err := server.(*net.TCPConn).File()
	require.NoError(t, err)
	require.NoError(t, parent.Send(map[string]string{"type": "first"}))
	require.NoError(t, parent.SendWithFile(&SocketMessage{
		Type:             TypeSocket,
		InitialDataChunk: "aGVsbG8=",
	}, f))
	_ = f.Close()
	_ = server.Close()

	first, err := child.Receive()
	require.NoError(t, err)
	assert.Equal(t, "first", first.Type)
	assert.Nil(t, first.File)

	msg, err := child.Receive()
	require.NoError(t, err)
	require.Equal(t, TypeSocket, msg.Type)
	require.NotNil(t, msg.File)
	var sm SocketMessage
	require.NoError(t, msg.Decode(&sm))
	assert.Equal(t, "aGVsbG8=", sm.InitialDataChunk)

	handed, err := net.FileConn(msg.File)
	require.NoError(t, err)
	_ = msg.File.Close()
	defer handed.Close()

	_, err = handed.Write([]byte("from child"))
	require.NoError(t, err)
	buf := make([]byte, len("from child"))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "from child", string(buf))
}

func TestReceiveAfterPeerClose(t *testing.T) {
	parent, child := newTestPair(t)
	require.NoError(t, child.Close())
	_, err := parent.Receive()
	assert.Error(t, err)
}
