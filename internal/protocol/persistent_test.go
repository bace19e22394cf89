package protocol

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer is the far end of a pipe, speaking raw frames.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *Reader
}

func newPipe(t *testing.T) (Socket, *peer) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return NewRawSocket(a, nil), &peer{t: t, conn: b, r: NewReader(b, nil)}
}

func (p *peer) write(m *Message) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := p.conn.Write(Encode(m))
	require.NoError(p.t, err)
}

// next returns the next frame that is not a keep-alive.
func (p *peer) next() *Message {
	p.t.Helper()
	for {
		_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		m, err := p.r.ReadMessage()
		require.NoError(p.t, err)
		if m.Type != MsgKeepAlive {
			return m
		}
	}
}

// nextRegular skips acks and keep-alives.
func (p *peer) nextRegular() *Message {
	p.t.Helper()
	for {
		m := p.next()
		if m.Type != MsgAck {
			return m
		}
	}
}

// expectNothing asserts that no non-keep-alive frame arrives within d.
func (p *peer) expectNothing(d time.Duration) {
	p.t.Helper()
	deadline := time.Now().Add(d)
	for {
		_ = p.conn.SetReadDeadline(deadline)
		m, err := p.r.ReadMessage()
		if err != nil {
			var ne net.Error
			require.True(p.t, errors.As(err, &ne) && ne.Timeout(), "unexpected error %v", err)
			return
		}
		require.Equal(p.t, MsgKeepAlive, m.Type, "unexpected frame %s", m.Type)
	}
}

func quietOptions() Options {
	return Options{KeepAlive: -1, Timeout: -1, AckDelay: 20 * time.Millisecond}
}

func TestPersistentProtocolDeliversInOrderAndAcks(t *testing.T) {
	sock, remote := newPipe(t)
	p := NewPersistentProtocol(sock, Encode(&Message{Type: MsgRegular, ID: 1, Data: []byte("first")}), quietOptions())

	var mu sync.Mutex
	var got []string
	p.OnMessage(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})
	p.Start()
	defer p.Dispose()

	remote.write(&Message{Type: MsgRegular, ID: 2, Data: []byte("second")})
	remote.write(&Message{Type: MsgRegular, ID: 2, Data: []byte("duplicate")})

	for {
		ack := remote.next()
		require.Equal(t, MsgAck, ack.Type)
		if ack.Ack == 2 {
			break
		}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, got)
	mu.Unlock()

	p.Send([]byte("reply"))
	m := remote.next()
	assert.Equal(t, MsgRegular, m.Type)
	assert.Equal(t, uint32(1), m.ID)
	assert.Equal(t, uint32(2), m.Ack)
	assert.Equal(t, 1, p.UnackedCount())

	remote.write(&Message{Type: MsgAck, Ack: 1})
	require.Eventually(t, func() bool { return p.UnackedCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPersistentProtocolRequestsReplayOnGap(t *testing.T) {
	sock, remote := newPipe(t)
	p := NewPersistentProtocol(sock, nil, quietOptions())
	delivered := make(chan string, 4)
	p.OnMessage(func(b []byte) { delivered <- string(b) })
	p.Start()
	defer p.Dispose()

	remote.write(&Message{Type: MsgRegular, ID: 3, Data: []byte("too early")})
	assert.Equal(t, MsgReplayRequest, remote.next().Type)
	assert.Empty(t, delivered)
}

func TestPersistentProtocolReplaysOnRequest(t *testing.T) {
	sock, remote := newPipe(t)
	p := NewPersistentProtocol(sock, nil, quietOptions())
	p.Start()
	defer p.Dispose()

	p.Send([]byte("a"))
	p.Send([]byte("b"))
	assert.Equal(t, uint32(1), remote.next().ID)
	assert.Equal(t, uint32(2), remote.next().ID)

	remote.write(&Message{Type: MsgReplayRequest})
	first, second := remote.next(), remote.next()
	assert.Equal(t, "a", string(first.Data))
	assert.Equal(t, "b", string(second.Data))
}

func TestPersistentProtocolHonoursPeerPause(t *testing.T) {
	sock, remote := newPipe(t)
	p := NewPersistentProtocol(sock, nil, quietOptions())
	p.Start()
	defer p.Dispose()

	remote.write(&Message{Type: MsgPause})
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.peerPaused
	}, time.Second, 5*time.Millisecond)

	p.Send([]byte("held"))
	p.SendControl([]byte("control passes"))
	assert.Equal(t, MsgControl, remote.next().Type)
	remote.expectNothing(50 * time.Millisecond)

	remote.write(&Message{Type: MsgResume})
	m := remote.next()
	assert.Equal(t, MsgRegular, m.Type)
	assert.Equal(t, "held", string(m.Data))
}

func TestPersistentProtocolReconnectionReplaysUnacked(t *testing.T) {
	sock, remote := newPipe(t)
	p := NewPersistentProtocol(sock, nil, quietOptions())
	closed := make(chan error, 1)
	p.OnSocketClose(func(err error) { closed <- err })
	received := make(chan string, 4)
	p.OnMessage(func(b []byte) { received <- string(b) })
	p.Start()
	defer p.Dispose()

	remote.write(&Message{Type: MsgRegular, ID: 1, Data: []byte("hello")})
	assert.Equal(t, "hello", <-received)
	p.Send([]byte("lost"))
	assert.Equal(t, "lost", string(remote.nextRegular().Data))

	_ = remote.conn.Close()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("socket close not reported")
	}

	p.Send([]byte("while away"))

	sock2, remote2 := newPipe(t)
	p.BeginAcceptReconnection(sock2, Encode(&Message{Type: MsgRegular, ID: 2, Data: []byte("buffered")}))
	assert.Equal(t, "buffered", <-received)
	p.EndAcceptReconnection()

	ack := remote2.next()
	assert.Equal(t, MsgAck, ack.Type)
	assert.Equal(t, uint32(2), ack.Ack)
	r1, r2 := remote2.next(), remote2.next()
	assert.Equal(t, "lost", string(r1.Data))
	assert.Equal(t, uint32(1), r1.ID)
	assert.Equal(t, "while away", string(r2.Data))
	assert.Equal(t, uint32(2), r2.ID)
	assert.Same(t, sock2, p.Socket())
}

func TestPersistentProtocolPeerDisconnect(t *testing.T) {
	sock, remote := newPipe(t)
	p := NewPersistentProtocol(sock, nil, quietOptions())
	disposed := make(chan struct{})
	p.OnDidDispose(func() { close(disposed) })
	p.Start()
	defer p.Dispose()

	remote.write(&Message{Type: MsgDisconnect})
	select {
	case <-disposed:
	case <-time.After(time.Second):
		t.Fatal("dispose not reported")
	}
}

func TestPersistentProtocolTimesOutSilentSocket(t *testing.T) {
	sock, remote := newPipe(t)
	go func() { _, _ = io.Copy(io.Discard, remote.conn) }()
	p := NewPersistentProtocol(sock, nil, Options{KeepAlive: 10 * time.Millisecond, Timeout: 50 * time.Millisecond})
	closed := make(chan error, 1)
	p.OnSocketClose(func(err error) { closed <- err })
	p.Start()
	defer p.Dispose()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrSocketTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout not detected")
	}
}

func TestPersistentProtocolSendDisconnectOnce(t *testing.T) {
	sock, remote := newPipe(t)
	p := NewPersistentProtocol(sock, nil, quietOptions())
	p.Start()

	p.SendDisconnect()
	p.SendDisconnect()
	assert.Equal(t, MsgDisconnect, remote.next().Type)
	p.Dispose()
	remote.expectNothing(50 * time.Millisecond)
}
