package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType is the first header byte of every frame.
type MessageType uint8

const (
	MsgNone          MessageType = 0
	MsgRegular       MessageType = 1
	MsgControl       MessageType = 2
	MsgAck           MessageType = 3
	MsgDisconnect    MessageType = 5
	MsgReplayRequest MessageType = 6
	MsgPause         MessageType = 7
	MsgResume        MessageType = 8
	MsgKeepAlive     MessageType = 9
)

func (t MessageType) String() string {
	switch t {
	case MsgNone:
		return "none"
	case MsgRegular:
		return "regular"
	case MsgControl:
		return "control"
	case MsgAck:
		return "ack"
	case MsgDisconnect:
		return "disconnect"
	case MsgReplayRequest:
		return "replay-request"
	case MsgPause:
		return "pause"
	case MsgResume:
		return "resume"
	case MsgKeepAlive:
		return "keep-alive"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

const (
	// HeaderLength is type(1) + id(4) + ack(4) + size(4).
	HeaderLength = 13
	// MaxMessageSize bounds a single frame payload.
	MaxMessageSize = 256 << 20

	readChunkSize = 64 * 1024
)

var ErrMessageTooLarge = errors.New("protocol: message exceeds maximum size")

// Message is one decoded frame.
type Message struct {
	Type MessageType
	ID   uint32
	Ack  uint32
	Data []byte
}

// Encode serializes m into a single frame.
func Encode(m *Message) []byte {
	out := make([]byte, HeaderLength+len(m.Data))
	out[0] = byte(m.Type)
	binary.BigEndian.PutUint32(out[1:5], m.ID)
	binary.BigEndian.PutUint32(out[5:9], m.Ack)
	binary.BigEndian.PutUint32(out[9:13], uint32(len(m.Data)))
	copy(out[HeaderLength:], m.Data)
	return out
}

// Reader decodes frames from a byte stream. Bytes read from the stream that
// do not belong to a returned frame stay buffered until Buffered is called.
type Reader struct {
	r   io.Reader
	buf []byte
	tmp []byte
}

func NewReader(r io.Reader, initial []byte) *Reader {
	rd := &Reader{r: r, tmp: make([]byte, readChunkSize)}
	if len(initial) > 0 {
		rd.buf = append(rd.buf, initial...)
	}
	return rd
}

// ReadMessage blocks until one complete frame is available.
func (r *Reader) ReadMessage() (*Message, error) {
	for {
		if msg, ok, err := r.next(); err != nil {
			return nil, err
		} else if ok {
			return msg, nil
		}
		n, err := r.r.Read(r.tmp)
		if n > 0 {
			r.buf = append(r.buf, r.tmp[:n]...)
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				continue
			}
			return nil, err
		}
	}
}

func (r *Reader) next() (*Message, bool, error) {
	if len(r.buf) < HeaderLength {
		return nil, false, nil
	}
	size := binary.BigEndian.Uint32(r.buf[9:13])
	if size > MaxMessageSize {
		return nil, false, ErrMessageTooLarge
	}
	total := HeaderLength + int(size)
	if len(r.buf) < total {
		return nil, false, nil
	}
	msg := &Message{
		Type: MessageType(r.buf[0]),
		ID:   binary.BigEndian.Uint32(r.buf[1:5]),
		Ack:  binary.BigEndian.Uint32(r.buf[5:9]),
		Data: append([]byte(nil), r.buf[HeaderLength:total]...),
	}
	r.buf = r.buf[total:]
	return msg, true, nil
}

// Buffered returns and clears the bytes read past the last returned frame.
func (r *Reader) Buffered() []byte {
	out := r.buf
	r.buf = nil
	if out == nil {
		return []byte{}
	}
	return out
}
