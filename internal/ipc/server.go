package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Channel serves the commands and events of one named channel.
type Channel interface {
	Call(ctx context.Context, command string, arg json.RawMessage) (any, error)
	// Listen emits events until ctx is cancelled. It may return immediately
	// after registering emit.
	Listen(ctx context.Context, event string, arg json.RawMessage, emit func(any)) error
}

// Server holds the registered channels and serves any number of connections.
type Server struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{logger: logger, channels: make(map[string]Channel)}
}

func (s *Server) Register(name string, ch Channel) {
	s.mu.Lock()
	s.channels[name] = ch
	s.mu.Unlock()
}

func (s *Server) channel(name string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[name]
	return ch, ok
}

// Conn is the server side of one peer.
type Conn struct {
	srv *Server
	t   Transport
	ctx context.Context

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending map[uint64]context.CancelFunc
	closed  bool
}

// Connect starts serving t. Feed inbound messages to Handle.
func (s *Server) Connect(ctx context.Context, t Transport) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{srv: s, t: t, ctx: ctx, cancel: cancel, pending: make(map[uint64]context.CancelFunc)}
}

// Handle processes one inbound request.
func (c *Conn) Handle(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.srv.logger.Warn("ipc: dropping malformed request", "err", err)
		return
	}
	switch req.Kind {
	case KindCall:
		ctx, ok := c.track(req.ID)
		if !ok {
			return
		}
		go c.call(ctx, &req)
	case KindListen:
		ctx, ok := c.track(req.ID)
		if !ok {
			return
		}
		c.listen(ctx, &req)
	case KindCancel:
		c.untrack(req.ID)
	default:
		c.srv.logger.Warn("ipc: unknown request kind", "kind", req.Kind)
	}
}

func (c *Conn) track(id uint64) (context.Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	ctx, cancel := context.WithCancel(c.ctx)
	if prev, ok := c.pending[id]; ok {
		prev()
	}
	c.pending[id] = cancel
	return ctx, true
}

func (c *Conn) untrack(id uint64) {
	c.mu.Lock()
	cancel, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Conn) call(ctx context.Context, req *Request) {
	defer c.untrack(req.ID)
	ch, ok := c.srv.channel(req.Channel)
	if !ok {
		c.reply(&Response{Kind: KindError, ID: req.ID, Error: fmt.Sprintf("%v: %s", ErrUnknownChannel, req.Channel)})
		return
	}
	res, err := ch.Call(ctx, req.Command, req.Arg)
	if ctx.Err() != nil && c.isClosed() {
		return
	}
	if err != nil {
		c.reply(&Response{Kind: KindError, ID: req.ID, Error: err.Error()})
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		c.reply(&Response{Kind: KindError, ID: req.ID, Error: fmt.Sprintf("encode result: %v", err)})
		return
	}
	c.reply(&Response{Kind: KindOK, ID: req.ID, Data: data})
}

func (c *Conn) listen(ctx context.Context, req *Request) {
	ch, ok := c.srv.channel(req.Channel)
	if !ok {
		c.untrack(req.ID)
		c.reply(&Response{Kind: KindError, ID: req.ID, Error: fmt.Sprintf("%v: %s", ErrUnknownChannel, req.Channel)})
		return
	}
	id := req.ID
	emit := func(v any) {
		if ctx.Err() != nil {
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			c.srv.logger.Warn("ipc: encode event", "channel", req.Channel, "event", req.Command, "err", err)
			return
		}
		c.reply(&Response{Kind: KindEvent, ID: id, Data: data})
	}
	if err := ch.Listen(ctx, req.Command, req.Arg, emit); err != nil {
		c.untrack(id)
		c.reply(&Response{Kind: KindError, ID: id, Error: err.Error()})
	}
}

func (c *Conn) reply(res *Response) {
	data, err := json.Marshal(res)
	if err != nil {
		c.srv.logger.Error("ipc: encode response", "err", err)
		return
	}
	if c.isClosed() {
		return
	}
	c.t.Send(data)
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels every outstanding call and listener.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
	c.cancel()
}

// Listeners reports the number of active calls and listeners.
func (c *Conn) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
