package protocol

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// AcknowledgeTime is how long a received message may stay unacknowledged
	// when we have nothing to piggyback the ack on.
	AcknowledgeTime = 2 * time.Second
	// TimeoutTime is the read silence after which the socket is considered dead.
	TimeoutTime = 20 * time.Second
	// KeepAliveTime is the interval between keep-alive frames.
	KeepAliveTime = 5 * time.Second
	// ReplayRequestTime throttles replay requests after an id gap.
	ReplayRequestTime = 10 * time.Second

	disposeDrainTimeout = time.Second
)

var ErrSocketTimeout = errors.New("protocol: socket timed out")

// Options tune a PersistentProtocol. Zero values select the defaults; a
// negative KeepAlive or Timeout disables that mechanism.
type Options struct {
	Logger    *slog.Logger
	KeepAlive time.Duration
	Timeout   time.Duration
	AckDelay  time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.KeepAlive == 0 {
		o.KeepAlive = KeepAliveTime
	}
	if o.Timeout == 0 {
		o.Timeout = TimeoutTime
	}
	if o.AckDelay <= 0 {
		o.AckDelay = AcknowledgeTime
	}
}

// PersistentProtocol frames regular and control messages over a Socket and
// keeps unacknowledged regular messages so that a replacement socket can
// pick up where the previous one stopped.
type PersistentProtocol struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	idle  *sync.Cond
	start sync.Once

	socket     Socket
	initial    []byte
	gen        uint64
	stop       chan struct{}
	wake       chan struct{}
	socketDead bool

	queue   [][]byte
	writing bool

	isReconnecting    bool
	peerPaused        bool
	disposed          bool
	sentDisconnect    bool
	lastRead          time.Time
	lastReplayRequest time.Time
	outgoingUnacked   []*Message
	outgoingMsgID     uint32
	outgoingAckID     uint32
	writtenMsgID      uint32
	incomingMsgID     uint32
	incomingAckID     uint32
	ackTimer          *time.Timer
	keepAliveDone     chan struct{}
	onMessage         func([]byte)
	onControlMessage  func([]byte)
	onSocketClose     func(error)
	onDidDispose      func()
}

// NewPersistentProtocol wraps socket. initialChunk holds bytes of the stream
// that were already read from the socket and must be parsed first.
func NewPersistentProtocol(socket Socket, initialChunk []byte, opts Options) *PersistentProtocol {
	opts.setDefaults()
	p := &PersistentProtocol{
		opts:          opts,
		logger:        opts.Logger,
		socket:        socket,
		initial:       initialChunk,
		keepAliveDone: make(chan struct{}),
	}
	p.idle = sync.NewCond(&p.mu)
	return p
}

func (p *PersistentProtocol) OnMessage(fn func([]byte))        { p.onMessage = fn }
func (p *PersistentProtocol) OnControlMessage(fn func([]byte)) { p.onControlMessage = fn }
func (p *PersistentProtocol) OnSocketClose(fn func(error))     { p.onSocketClose = fn }

// OnDidDispose fires when the peer announces a graceful disconnect.
func (p *PersistentProtocol) OnDidDispose(fn func()) { p.onDidDispose = fn }

// Start begins reading and writing. Handlers must be registered before.
func (p *PersistentProtocol) Start() {
	p.start.Do(func() {
		p.mu.Lock()
		sock, initial := p.socket, p.initial
		p.initial = nil
		gen, stop, wake := p.newGenerationLocked()
		p.mu.Unlock()
		go p.readLoop(sock, initial, gen)
		go p.writeLoop(sock, gen, stop, wake)
		if p.opts.KeepAlive > 0 {
			go p.keepAliveLoop()
		}
	})
}

func (p *PersistentProtocol) newGenerationLocked() (uint64, chan struct{}, chan struct{}) {
	if p.stop != nil {
		close(p.stop)
	}
	p.gen++
	p.stop = make(chan struct{})
	p.wake = make(chan struct{}, 1)
	p.queue = nil
	p.writing = false
	p.socketDead = false
	p.lastRead = time.Now()
	p.idle.Broadcast()
	return p.gen, p.stop, p.wake
}

// Socket returns the current physical socket.
func (p *PersistentProtocol) Socket() Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socket
}

// Send queues a regular message. It is retained until the peer acks it.
func (p *PersistentProtocol) Send(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.outgoingMsgID++
	msg := &Message{Type: MsgRegular, ID: p.outgoingMsgID, Ack: p.incomingMsgID, Data: data}
	p.outgoingUnacked = append(p.outgoingUnacked, msg)
	if p.isReconnecting || p.peerPaused || p.socketDead {
		return
	}
	p.outgoingAckID = p.incomingMsgID
	p.writtenMsgID = msg.ID
	p.enqueueLocked(Encode(msg))
}

// SendControl writes a control message immediately; control messages are
// neither numbered nor replayed.
func (p *PersistentProtocol) SendControl(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(Encode(&Message{Type: MsgControl, Data: data}))
}

// SendDisconnect tells the peer that this side is going away for good.
func (p *PersistentProtocol) SendDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sentDisconnect {
		return
	}
	p.sentDisconnect = true
	p.enqueueLocked(Encode(&Message{Type: MsgDisconnect}))
}

// SendPause asks the peer to stop sending regular messages.
func (p *PersistentProtocol) SendPause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(Encode(&Message{Type: MsgPause}))
}

// SendResume lifts a previous SendPause.
func (p *PersistentProtocol) SendResume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(Encode(&Message{Type: MsgResume}))
}

func (p *PersistentProtocol) enqueueLocked(frames ...[]byte) {
	if p.socketDead || p.wake == nil {
		return
	}
	p.queue = append(p.queue, frames...)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Drain waits until queued frames were written or timeout elapses.
func (p *PersistentProtocol) Drain(timeout time.Duration) {
	expired := false
	t := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		expired = true
		p.idle.Broadcast()
		p.mu.Unlock()
	})
	defer t.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	gen := p.gen
	for (len(p.queue) > 0 || p.writing) && gen == p.gen && !p.socketDead && !expired {
		p.idle.Wait()
	}
}

// BeginAcceptReconnection replaces the physical socket. Regular messages are
// held back until EndAcceptReconnection.
func (p *PersistentProtocol) BeginAcceptReconnection(socket Socket, initialChunk []byte) {
	p.start.Do(func() {})
	p.mu.Lock()
	old := p.socket
	p.socket = socket
	p.isReconnecting = true
	p.peerPaused = false
	gen, stop, wake := p.newGenerationLocked()
	p.mu.Unlock()

	if old != nil && old != socket {
		_ = old.Close()
	}
	go p.readLoop(socket, initialChunk, gen)
	go p.writeLoop(socket, gen, stop, wake)
}

// EndAcceptReconnection re-announces what was received and replays every
// unacknowledged regular message on the new socket.
func (p *PersistentProtocol) EndAcceptReconnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isReconnecting = false
	p.outgoingAckID = p.incomingMsgID
	frames := [][]byte{Encode(&Message{Type: MsgAck, Ack: p.incomingMsgID})}
	for _, m := range p.outgoingUnacked {
		frames = append(frames, Encode(&Message{Type: MsgRegular, ID: m.ID, Ack: p.incomingMsgID, Data: m.Data}))
	}
	p.writtenMsgID = p.outgoingMsgID
	p.enqueueLocked(frames...)
}

// Dispose stops timers and background loops. It does not close the socket.
func (p *PersistentProtocol) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	if p.ackTimer != nil {
		p.ackTimer.Stop()
		p.ackTimer = nil
	}
	p.mu.Unlock()
	p.Drain(disposeDrainTimeout)

	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
	select {
	case <-p.keepAliveDone:
	default:
		close(p.keepAliveDone)
	}
}

// UnackedCount reports how many sent regular messages await an ack.
func (p *PersistentProtocol) UnackedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outgoingUnacked)
}

func (p *PersistentProtocol) readLoop(sock Socket, initial []byte, gen uint64) {
	r := NewReader(sock, initial)
	for {
		msg, err := r.ReadMessage()
		if err != nil {
			p.socketClosed(gen, err)
			return
		}
		p.receive(gen, msg)
	}
}

func (p *PersistentProtocol) writeLoop(sock Socket, gen uint64, stop, wake chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}
		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			return
		}
		frames := p.queue
		p.queue = nil
		p.writing = len(frames) > 0
		p.mu.Unlock()

		for _, f := range frames {
			if _, err := sock.Write(f); err != nil {
				p.logger.Debug("protocol write failed", "remote", sock.RemoteAddr(), "err", err)
				p.socketClosed(gen, err)
				return
			}
		}

		p.mu.Lock()
		if gen == p.gen {
			p.writing = false
			if len(p.queue) > 0 {
				select {
				case p.wake <- struct{}{}:
				default:
				}
			}
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}
}

func (p *PersistentProtocol) receive(gen uint64, msg *Message) {
	var deliver func()

	p.mu.Lock()
	if gen != p.gen || p.disposed {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	p.lastRead = now
	if msg.Ack > p.incomingAckID {
		p.incomingAckID = msg.Ack
		keep := p.outgoingUnacked[:0]
		for _, m := range p.outgoingUnacked {
			if m.ID > msg.Ack {
				keep = append(keep, m)
			}
		}
		p.outgoingUnacked = keep
	}

	switch msg.Type {
	case MsgRegular:
		if msg.ID <= p.incomingMsgID {
			break
		}
		if msg.ID != p.incomingMsgID+1 {
			if now.Sub(p.lastReplayRequest) > ReplayRequestTime {
				p.lastReplayRequest = now
				p.logger.Debug("protocol id gap, requesting replay", "expected", p.incomingMsgID+1, "got", msg.ID)
				p.enqueueLocked(Encode(&Message{Type: MsgReplayRequest}))
			}
			break
		}
		p.incomingMsgID = msg.ID
		p.lastReplayRequest = time.Time{}
		p.scheduleAckLocked()
		if fn := p.onMessage; fn != nil {
			data := msg.Data
			deliver = func() { fn(data) }
		}
	case MsgControl:
		if fn := p.onControlMessage; fn != nil {
			data := msg.Data
			deliver = func() { fn(data) }
		}
	case MsgDisconnect:
		if fn := p.onDidDispose; fn != nil {
			deliver = fn
		}
	case MsgReplayRequest:
		frames := make([][]byte, 0, len(p.outgoingUnacked))
		for _, m := range p.outgoingUnacked {
			frames = append(frames, Encode(&Message{Type: MsgRegular, ID: m.ID, Ack: p.incomingMsgID, Data: m.Data}))
		}
		p.outgoingAckID = p.incomingMsgID
		p.writtenMsgID = p.outgoingMsgID
		p.enqueueLocked(frames...)
	case MsgPause:
		p.peerPaused = true
	case MsgResume:
		p.peerPaused = false
		if !p.isReconnecting {
			var frames [][]byte
			for _, m := range p.outgoingUnacked {
				if m.ID > p.writtenMsgID {
					frames = append(frames, Encode(&Message{Type: MsgRegular, ID: m.ID, Ack: p.incomingMsgID, Data: m.Data}))
				}
			}
			p.writtenMsgID = p.outgoingMsgID
			p.enqueueLocked(frames...)
		}
	case MsgAck, MsgKeepAlive:
	default:
		p.logger.Debug("protocol ignoring frame", "type", msg.Type.String())
	}
	p.mu.Unlock()

	if deliver != nil {
		deliver()
	}
}

func (p *PersistentProtocol) scheduleAckLocked() {
	if p.ackTimer != nil {
		return
	}
	p.ackTimer = time.AfterFunc(p.opts.AckDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.ackTimer = nil
		if p.disposed || p.isReconnecting || p.incomingMsgID <= p.outgoingAckID {
			return
		}
		p.outgoingAckID = p.incomingMsgID
		p.enqueueLocked(Encode(&Message{Type: MsgAck, Ack: p.incomingMsgID}))
	})
}

func (p *PersistentProtocol) socketClosed(gen uint64, err error) {
	p.mu.Lock()
	if gen != p.gen || p.socketDead {
		p.mu.Unlock()
		return
	}
	p.socketDead = true
	p.queue = nil
	p.idle.Broadcast()
	sock := p.socket
	disposed := p.disposed
	cb := p.onSocketClose
	p.mu.Unlock()

	_ = sock.Close()
	if !disposed && cb != nil {
		cb(err)
	}
}

func (p *PersistentProtocol) keepAliveLoop() {
	ticker := time.NewTicker(p.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-p.keepAliveDone:
			return
		case <-ticker.C:
		}
		p.mu.Lock()
		if p.disposed {
			p.mu.Unlock()
			return
		}
		gen := p.gen
		var timedOut bool
		if !p.socketDead && !p.isReconnecting {
			p.enqueueLocked(Encode(&Message{Type: MsgKeepAlive}))
			timedOut = p.opts.Timeout > 0 && time.Since(p.lastRead) > p.opts.Timeout
		}
		p.mu.Unlock()
		if timedOut {
			p.logger.Debug("protocol socket timed out", "timeout", p.opts.Timeout)
			p.socketClosed(gen, ErrSocketTimeout)
		}
	}
}
