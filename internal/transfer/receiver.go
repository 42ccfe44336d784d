package transfer

import (
	"errors"
	"sync"

	"badgexfer/internal/checksum"
	"badgexfer/internal/protocol"

	"github.com/sirupsen/logrus"
)

// DefaultMaxFileSize caps how much a Receiver buffers for one file.
const DefaultMaxFileSize = 1 << 20

var (
	ErrUnexpectedOffset = errors.New("chunk offset out of sequence")
	ErrFileTooLarge     = errors.New("file exceeds maximum size")
)

// Sender is the outbound half of a Transport.
type Sender interface {
	Send(packet []byte) error
}

// Store persists a completely received file.
type Store interface {
	Put(name string, data []byte) error
}

// ReceiverEvents are optional hooks a Receiver calls outside its lock.
type ReceiverEvents struct {
	Started func(name string)
	Stored  func(name string, size int)
	Aborted func(name string, reason string)
}

// inbound is the file currently being received.
type inbound struct {
	name       string
	data       []byte
	lastOffset int
	lastLen    int
}

// Receiver is the endpoint a sending Engine talks to. It answers START with
// START_ACK, acknowledges every in-sequence CHUNK with the low byte of its
// CRC-32, accepts retransmissions of the previous chunk, and hands the
// assembled file to a Store on FINISH.
type Receiver struct {
	mu      sync.Mutex
	sender  Sender
	store   Store
	events  ReceiverEvents
	maxSize int
	current *inbound
}

// NewReceiver creates a receiver replying through s and storing into st.
func NewReceiver(s Sender, st Store, events ReceiverEvents) *Receiver {
	return &Receiver{
		sender:  s,
		store:   st,
		events:  events,
		maxSize: DefaultMaxFileSize,
	}
}

// SetMaxFileSize changes the per-file size limit.
func (r *Receiver) SetMaxFileSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxSize = n
}

// Active reports whether a file is being received.
func (r *Receiver) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// HandlePacket processes one packet from the sending side.
func (r *Receiver) HandlePacket(raw []byte) {
	var b batch
	r.handlePacket(&b, raw)
	b.run()
}

func (r *Receiver) handlePacket(b *batch, raw []byte) {
	p, err := protocol.Decode(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.HandlePacket",
			"error":    err.Error(),
		}).Warn("Ignoring malformed packet")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch p.Type {
	case protocol.TypeStart:
		r.onStart(b, p.Filename)
	case protocol.TypeChunk:
		r.onChunk(b, p.Offset, p.Data)
	case protocol.TypeFinish:
		r.onFinish(b)
	case protocol.TypeError:
		r.reply(b, protocol.ErrorAck())
		r.discard(b, "sender error")
	case protocol.TypeErrorAck:
		r.discard(b, "error acknowledged")
	case protocol.TypeStartAck, protocol.TypeChunkAck, protocol.TypeFinishAck:
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.HandlePacket",
			"type":     p.Type,
		}).Debug("Ignoring sender-bound packet")
	}
}

func (r *Receiver) onStart(b *batch, name string) {
	if r.current != nil {
		r.discard(b, "restarted by sender")
	}
	if err := protocol.ValidFilename(name); err != nil {
		r.abort(b, "invalid filename")
		return
	}
	if _, err := ValidatePath(name); err != nil {
		r.abort(b, "invalid path")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Receiver.onStart",
		"file_name": name,
	}).Info("Receiving file")

	r.current = &inbound{name: name, lastOffset: -1}
	if r.events.Started != nil {
		started := r.events.Started
		b.add(func() { started(name) })
	}
	r.reply(b, protocol.StartAck())
}

func (r *Receiver) onChunk(b *batch, offset uint32, data []byte) {
	in := r.current
	if in == nil {
		r.abort(b, "no transfer")
		return
	}

	pos := int(offset)
	switch {
	case pos == len(in.data):
		if pos+len(data) > r.maxSize {
			r.abort(b, ErrFileTooLarge.Error())
			return
		}
		in.data = append(in.data, data...)
	case pos == in.lastOffset && pos+in.lastLen == len(in.data):
		// Retransmission of the previous chunk.
		in.data = append(in.data[:pos], data...)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Receiver.onChunk",
			"offset":   pos,
			"expected": len(in.data),
		}).Warn("Chunk out of sequence")
		r.abort(b, ErrUnexpectedOffset.Error())
		return
	}
	in.lastOffset, in.lastLen = pos, len(data)

	r.reply(b, protocol.ChunkAck(checksum.AckByte(data)))
}

func (r *Receiver) onFinish(b *batch) {
	in := r.current
	if in == nil {
		r.abort(b, "no transfer")
		return
	}

	if err := r.store.Put(in.name, in.data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Receiver.onFinish",
			"file_name": in.name,
			"error":     err.Error(),
		}).Error("Failed to store received file")
		r.abort(b, "store failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Receiver.onFinish",
		"file_name": in.name,
		"file_size": len(in.data),
	}).Info("File received")

	r.current = nil
	r.reply(b, protocol.FinishAck())
	if r.events.Stored != nil {
		stored, name, size := r.events.Stored, in.name, len(in.data)
		b.add(func() { stored(name, size) })
	}
}

// abort tells the sender to give up and drops the current file.
func (r *Receiver) abort(b *batch, reason string) {
	r.reply(b, protocol.Error(reason))
	r.discard(b, reason)
}

func (r *Receiver) discard(b *batch, reason string) {
	if r.current == nil {
		return
	}
	name := r.current.name
	r.current = nil

	logrus.WithFields(logrus.Fields{
		"function":  "Receiver.discard",
		"file_name": name,
		"reason":    reason,
	}).Warn("Discarding partial file")

	if r.events.Aborted != nil {
		aborted := r.events.Aborted
		b.add(func() { aborted(name, reason) })
	}
}

func (r *Receiver) reply(b *batch, p protocol.Packet) {
	raw := protocol.Encode(p)
	s := r.sender
	b.add(func() {
		if err := s.Send(raw); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Receiver.reply",
				"type":     p.Type,
				"error":    err.Error(),
			}).Warn("Failed to send reply")
		}
	})
}
