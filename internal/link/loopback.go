package link

import (
	"fmt"
	"sync"
)

// Loopback is one end of an in-memory link created by Pipe.
type Loopback struct {
	pipe  *pipe
	inbox *Inbox
	peer  *Loopback
}

type pipe struct {
	mu     sync.Mutex
	mtu    int
	closed bool
}

// Pipe returns two connected Loopback ends. Packets longer than mtu are
// rejected with ErrPacketTooLarge; zero means no limit. Closing either end
// tears down both.
func Pipe(mtu int) (*Loopback, *Loopback) {
	p := &pipe{mtu: mtu}
	a := &Loopback{pipe: p, inbox: NewInbox(DefaultInboxSize)}
	b := &Loopback{pipe: p, inbox: NewInbox(DefaultInboxSize)}
	a.peer, b.peer = b, a
	return a, b
}

func (l *Loopback) Send(packet []byte) error {
	l.pipe.mu.Lock()
	closed, mtu := l.pipe.closed, l.pipe.mtu
	l.pipe.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if mtu > 0 && len(packet) > mtu {
		return fmt.Errorf("%d bytes over %d byte MTU: %w", len(packet), mtu, ErrPacketTooLarge)
	}
	if !l.peer.inbox.Deliver(packet) {
		return fmt.Errorf("peer inbox rejected packet: %w", ErrClosed)
	}
	return nil
}

func (l *Loopback) Connected() bool {
	l.pipe.mu.Lock()
	defer l.pipe.mu.Unlock()
	return !l.pipe.closed
}

func (l *Loopback) Packets() <-chan []byte {
	return l.inbox.Packets()
}

func (l *Loopback) Close() error {
	l.pipe.mu.Lock()
	l.pipe.closed = true
	l.pipe.mu.Unlock()

	l.inbox.Close()
	l.peer.inbox.Close()
	return nil
}
