// Package webrtc bridges a transfer to a badge attached to another machine.
//
// The machine next to the badge runs the answering side and relays packets
// between its local link and an ordered WebRTC data channel; every data
// channel message is one packet.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"badgexfer/internal/link"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ErrChannelTimeout is returned when the data channel does not open in time.
var ErrChannelTimeout = errors.New("timeout waiting for data channel to open")

// Options configures the peer connection and data channel.
type Options struct {
	ICEServers     []webrtc.ICEServer
	Label          string
	ConnectTimeout time.Duration
	// IncludeLoopback gathers 127.0.0.1 candidates, which lets two peers in
	// one process connect without a network.
	IncludeLoopback bool
}

// Signaller exchanges session descriptions with the remote peer.
type Signaller interface {
	StartSenderSignallingProcess(ctx context.Context, pc *webrtc.PeerConnection) (string, error)
	StartReceiverSignallingProcess(ctx context.Context, pc *webrtc.PeerConnection, sessionID string) error
}

// Link is a link.Link over a WebRTC data channel.
type Link struct {
	pc        *webrtc.PeerConnection
	dc        *webrtc.DataChannel
	inbox     *link.Inbox
	ready     chan struct{}
	readyOnce sync.Once
	connected atomic.Bool
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

var _ link.Link = (*Link)(nil)

func newLink(pc *webrtc.PeerConnection) *Link {
	return &Link{
		pc:    pc,
		inbox: link.NewInbox(link.DefaultInboxSize),
		ready: make(chan struct{}),
	}
}

// Offer creates the data channel, publishes an offer through sig and waits
// until the answering peer has opened the channel.
func Offer(ctx context.Context, opts Options, sig Signaller) (*Link, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}
	l := newLink(pc)
	watchConnectionState(pc, l, "offer")

	ordered := true
	dc, err := pc.CreateDataChannel(opts.Label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	l.attach(dc)

	if _, err := sig.StartSenderSignallingProcess(ctx, pc); err != nil {
		pc.Close()
		return nil, err
	}
	if err := l.waitForReady(ctx, opts.ConnectTimeout); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// Answer joins the session sessionID and waits for the offering peer's data
// channel to open.
func Answer(ctx context.Context, opts Options, sig Signaller, sessionID string) (*Link, error) {
	pc, err := newPeerConnection(opts)
	if err != nil {
		return nil, err
	}
	l := newLink(pc)
	watchConnectionState(pc, l, "answer")

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		logrus.WithFields(logrus.Fields{
			"function": "OnDataChannel",
			"label":    dc.Label(),
		}).Debug("Received data channel")
		l.attach(dc)
	})

	if err := sig.StartReceiverSignallingProcess(ctx, pc, sessionID); err != nil {
		pc.Close()
		return nil, err
	}
	if err := l.waitForReady(ctx, opts.ConnectTimeout); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Link) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		logrus.WithFields(logrus.Fields{
			"function": "OnOpen",
			"label":    dc.Label(),
		}).Info("Data channel opened")
		l.connected.Store(true)
		l.readyOnce.Do(func() { close(l.ready) })
	})

	dc.OnClose(func() {
		l.fail(errors.New("data channel closed"))
	})

	dc.OnError(func(err error) {
		l.fail(err)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		l.inbox.Deliver(msg.Data)
	})
}

func (l *Link) waitForReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ready:
		if !l.connected.Load() {
			return l.Err()
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cancelled while waiting for data channel: %w", ctx.Err())
	case <-timer.C:
		return ErrChannelTimeout
	}
}

// fail records why the link went away and shuts it down.
func (l *Link) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()

	if l.connected.Load() {
		logrus.WithFields(logrus.Fields{
			"function": "fail",
			"error":    err.Error(),
		}).Warn("WebRTC link lost")
	}
	l.shutdown()
}

// Err returns why the link closed, or nil while it is open.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil && l.inbox.Closed() {
		return link.ErrClosed
	}
	return l.err
}

func (l *Link) Send(packet []byte) error {
	if !l.connected.Load() {
		return link.ErrNotConnected
	}
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if err := dc.Send(packet); err != nil {
		return fmt.Errorf("failed to send data: %w", err)
	}
	return nil
}

func (l *Link) Connected() bool {
	return l.connected.Load()
}

func (l *Link) Packets() <-chan []byte {
	return l.inbox.Packets()
}

func (l *Link) Close() error {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()

	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		if err := dc.GracefulClose(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Close",
				"error":    err.Error(),
			}).Debug("Error during graceful close")
		}
	}
	l.shutdown()
	return nil
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.connected.Store(false)
		l.readyOnce.Do(func() { close(l.ready) })
		l.inbox.Close()
		go l.pc.Close()
	})
}
