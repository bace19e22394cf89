package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Client issues requests over a Transport. Inbound responses are fed to Handle.
type Client struct {
	t Transport

	mu        sync.Mutex
	nextID    uint64
	calls     map[uint64]chan *Response
	listeners map[uint64]func(json.RawMessage)
	closed    bool
}

func NewClient(t Transport) *Client {
	return &Client{
		t:         t,
		calls:     make(map[uint64]chan *Response),
		listeners: make(map[uint64]func(json.RawMessage)),
	}
}

// Call invokes command on channel and decodes the result into out (if non-nil).
func (c *Client) Call(ctx context.Context, channel, command string, arg, out any) error {
	raw, err := encodeArg(arg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *Response, 1)
	c.calls[id] = ch
	c.mu.Unlock()

	if err := c.send(&Request{Kind: KindCall, ID: id, Channel: channel, Command: command, Arg: raw}); err != nil {
		c.drop(id)
		return err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if res.Kind == KindError {
			return &RemoteError{Message: res.Error}
		}
		if out != nil && len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, out); err != nil {
				return fmt.Errorf("decode %s.%s result: %w", channel, command, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.drop(id)
		_ = c.send(&Request{Kind: KindCancel, ID: id})
		return ctx.Err()
	}
}

// Listen subscribes to event on channel. The returned func unsubscribes.
func (c *Client) Listen(channel, event string, arg any, fn func(json.RawMessage)) (func(), error) {
	raw, err := encodeArg(arg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	if err := c.send(&Request{Kind: KindListen, ID: id, Channel: channel, Command: event, Arg: raw}); err != nil {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
			_ = c.send(&Request{Kind: KindCancel, ID: id})
		})
	}, nil
}

// Handle processes one inbound response.
func (c *Client) Handle(data []byte) {
	var res Response
	if err := json.Unmarshal(data, &res); err != nil {
		return
	}
	c.mu.Lock()
	if res.Kind == KindEvent {
		fn := c.listeners[res.ID]
		c.mu.Unlock()
		if fn != nil {
			fn(res.Data)
		}
		return
	}
	if ch, ok := c.calls[res.ID]; ok {
		delete(c.calls, res.ID)
		c.mu.Unlock()
		ch <- &res
		return
	}
	// A failed listen.
	delete(c.listeners, res.ID)
	c.mu.Unlock()
}

// Close fails outstanding calls with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.calls {
		close(ch)
		delete(c.calls, id)
	}
	c.listeners = make(map[uint64]func(json.RawMessage))
}

func (c *Client) drop(id uint64) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

func (c *Client) send(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.t.Send(data)
	return nil
}

func encodeArg(arg any) (json.RawMessage, error) {
	if arg == nil {
		return nil, nil
	}
	if raw, ok := arg.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode arg: %w", err)
	}
	return data, nil
}
