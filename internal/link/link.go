// Package link defines the packet transports a transfer runs over.
//
// A Link moves whole packets: every Send is delivered to the peer as one
// message, and every message from the peer shows up as one slice on
// Packets. Implementations live in the subpackages ble, serial and webrtc;
// Pipe provides an in-memory pair for tests and local runs.
package link

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed         = errors.New("link closed")
	ErrNotConnected   = errors.New("link not connected")
	ErrPacketTooLarge = errors.New("packet exceeds link MTU")
)

// Link is a bidirectional, message-oriented connection to one peer.
type Link interface {
	// Send transmits one packet. It does not wait for the peer.
	Send(packet []byte) error
	// Connected reports whether Send can currently reach the peer.
	Connected() bool
	// Packets yields inbound packets. The channel is closed with the link.
	Packets() <-chan []byte
	Close() error
}

// Pump hands every inbound packet to handle until ctx is done or the link
// closes. It returns ctx.Err() or ErrClosed.
func Pump(ctx context.Context, l Link, handle func(packet []byte)) error {
	packets := l.Packets()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-packets:
			if !ok {
				return ErrClosed
			}
			handle(p)
		}
	}
}

// DefaultInboxSize is how many undelivered packets an Inbox holds.
const DefaultInboxSize = 64

// Inbox buffers inbound packets for Link implementations. Deliver never
// blocks, so it is safe to call from radio and data channel callbacks.
type Inbox struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewInbox creates an inbox holding up to size packets.
func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{ch: make(chan []byte, size)}
}

// Deliver queues a copy of packet. It reports false when the packet was
// dropped because the inbox is full or closed.
func (in *Inbox) Deliver(packet []byte) bool {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.closed {
		return false
	}
	select {
	case in.ch <- append([]byte(nil), packet...):
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Inbox.Deliver",
			"length":   len(packet),
		}).Warn("Inbox full, dropping packet")
		return false
	}
}

// Packets returns the receive side of the inbox.
func (in *Inbox) Packets() <-chan []byte {
	return in.ch
}

// Close closes the packet channel. Later calls do nothing.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.closed {
		in.closed = true
		close(in.ch)
	}
}

// Closed reports whether Close was called.
func (in *Inbox) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}
