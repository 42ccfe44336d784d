// Package serial carries packets over a serial port, one KISS frame per
// packet. It is used with USB CDC consoles and BLE-UART bridges that expose
// the badge as a character device.
package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"badgexfer/internal/link"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const readTimeout = 100 * time.Millisecond

// Link is a link.Link over a byte stream.
type Link struct {
	port      io.ReadWriteCloser
	writeMu   sync.Mutex
	inbox     *link.Inbox
	connected atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ link.Link = (*Link)(nil)

// Open opens portName at baud and starts reading frames from it.
func Open(portName string, baud int) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baud,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "serial.Open",
		"port":     portName,
		"baud":     baud,
	}).Info("Opened serial port")

	return New(port), nil
}

// New wraps an already open stream. The link owns rw from now on.
func New(rw io.ReadWriteCloser) *Link {
	l := &Link{
		port:  rw,
		inbox: link.NewInbox(link.DefaultInboxSize),
		done:  make(chan struct{}),
	}
	l.connected.Store(true)
	go l.readLoop()
	return l
}

// ListPorts returns the serial ports present on this machine.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}

func (l *Link) Send(packet []byte) error {
	if !l.connected.Load() {
		return link.ErrClosed
	}
	frame := EncodeFrame(packet)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.port.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
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
	var err error
	l.closeOnce.Do(func() {
		l.connected.Store(false)
		close(l.done)
		err = l.port.Close()
		l.inbox.Close()
	})
	return err
}

func (l *Link) readLoop() {
	buf := make([]byte, 1024)
	var pending []byte

	for {
		n, err := l.port.Read(buf)
		select {
		case <-l.done:
			return
		default:
		}

		if n > 0 {
			var packets [][]byte
			packets, pending = ExtractFrames(append(pending, buf[:n]...))
			for _, p := range packets {
				l.inbox.Deliver(p)
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"function": "serial.readLoop",
					"error":    err.Error(),
				}).Error("Serial read failed")
			}
			l.Close()
			return
		}
	}
}
