package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportFunc func([]byte)

func (f transportFunc) Send(b []byte) { f(b) }

type testChannel struct {
	mu        sync.Mutex
	cancelled int
	block     chan struct{}
}

func (c *testChannel) Call(ctx context.Context, command string, arg json.RawMessage) (any, error) {
	switch command {
	case "echo":
		var s string
		if err := json.Unmarshal(arg, &s); err != nil {
			return nil, err
		}
		return map[string]string{"echo": s}, nil
	case "block":
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cancelled++
			c.mu.Unlock()
			return nil, ctx.Err()
		case <-c.block:
			return nil, nil
		}
	default:
		return nil, ErrUnknownCommand
	}
}

func (c *testChannel) Listen(ctx context.Context, event string, arg json.RawMessage, emit func(any)) error {
	if event != "tick" {
		return ErrUnknownCommand
	}
	go func() {
		for i := 1; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
				emit(i)
			}
		}
	}()
	return nil
}

func connect(t *testing.T, ch Channel) (*Client, *Conn) {
	t.Helper()
	srv := NewServer(nil)
	srv.Register("test", ch)
	var conn *Conn
	var client *Client
	client = NewClient(transportFunc(func(b []byte) { conn.Handle(b) }))
	conn = srv.Connect(context.Background(), transportFunc(func(b []byte) { client.Handle(b) }))
	t.Cleanup(conn.Close)
	return client, conn
}

func TestCallRoundTrip(t *testing.T) {
	client, _ := connect(t, &testChannel{})
	var out map[string]string
	require.NoError(t, client.Call(context.Background(), "test", "echo", "hi", &out))
	assert.Equal(t, "hi", out["echo"])
}

func TestCallErrors(t *testing.T) {
	client, _ := connect(t, &testChannel{})

	err := client.Call(context.Background(), "test", "nope", nil, nil)
	var remoteErr *RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, ErrUnknownCommand.Error(), remoteErr.Message)

	err = client.Call(context.Background(), "missing", "echo", "x", nil)
	require.True(t, errors.As(err, &remoteErr))
	assert.Contains(t, remoteErr.Message, "unknown channel")
}

func TestCallCancellationReachesServer(t *testing.T) {
	ch := &testChannel{block: make(chan struct{})}
	client, conn := connect(t, ch)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, "test", "block", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.cancelled == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return conn.Listeners() == 0 }, time.Second, 5*time.Millisecond)
}

func TestListenUntilUnsubscribed(t *testing.T) {
	client, conn := connect(t, &testChannel{})

	events := make(chan int, 64)
	stop, err := client.Listen("test", "tick", nil, func(raw json.RawMessage) {
		var n int
		_ = json.Unmarshal(raw, &n)
		events <- n
	})
	require.NoError(t, err)
	assert.Equal(t, 1, <-events)
	assert.Equal(t, 2, <-events)
	assert.Equal(t, 1, conn.Listeners())

	stop()
	assert.Eventually(t, func() bool { return conn.Listeners() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnCloseCancelsListeners(t *testing.T) {
	client, conn := connect(t, &testChannel{})
	_, err := client.Listen("test", "tick", nil, func(json.RawMessage) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.Listeners() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	conn.Close()
	assert.Equal(t, 0, conn.Listeners())
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	client := NewClient(transportFunc(func([]byte) {}))
	done := make(chan error, 1)
	go func() { done <- client.Call(context.Background(), "test", "echo", "x", nil) }()
	time.Sleep(10 * time.Millisecond)
	client.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("call not released")
	}
}
