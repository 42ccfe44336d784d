package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"badgexfer/internal/app"
	"badgexfer/internal/config"
	"badgexfer/internal/link"
	"badgexfer/internal/link/ble"
	"badgexfer/internal/link/serial"
	webrtclink "badgexfer/internal/link/webrtc"
	"badgexfer/internal/signalling"
	"badgexfer/internal/transfer"
	"badgexfer/internal/ui"
	"badgexfer/pkg/utils"

	"github.com/sirupsen/logrus"
)

// Which end of a WebRTC session a command plays.
type role int

const (
	roleOffer role = iota
	roleAnswer
)

var errLoopbackReceive = errors.New("the loopback link has no remote sender")

// openBadgeLink connects to the badge over the configured link. WebRTC
// offers a session that a bridge next to the badge answers.
func openBadgeLink(ctx context.Context, kind string) (link.Link, error) {
	switch kind {
	case config.LinkBLE:
		l, err := ble.Connect(ctx, ble.Options{
			NamePrefix:  cfg.BLE.NamePrefix,
			Address:     cfg.BLE.Address,
			ScanTimeout: cfg.BLE.ScanTimeout,
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.LinkSerial:
		return openSerial()
	case config.LinkWebRTC:
		return openWebRTC(ctx, roleOffer, "")
	case config.LinkLoopback:
		return openLoopback(ctx), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidLinkKind, kind)
	}
}

// openSenderLink waits for a sender on the configured link, for commands
// that play the badge side.
func openSenderLink(ctx context.Context, kind, code string) (link.Link, error) {
	switch kind {
	case config.LinkWebRTC:
		return openWebRTC(ctx, roleAnswer, code)
	case config.LinkSerial:
		return openSerial()
	case config.LinkLoopback:
		return nil, errLoopbackReceive
	default:
		return nil, fmt.Errorf("cannot wait for a sender on the %s link", kind)
	}
}

func openWebRTC(ctx context.Context, r role, code string) (link.Link, error) {
	sig, err := signalling.NewDefaultSignalingService(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sig.Announce = func(code string) {
		fmt.Fprintf(os.Stderr, "Session code: %s\n", code)
	}

	opts := webrtclink.Options{
		ICEServers:     cfg.WebRTC.ICEServers,
		Label:          cfg.WebRTC.Label,
		ConnectTimeout: cfg.WebRTC.ConnectTimeout,
	}
	var l *webrtclink.Link
	if r == roleOffer {
		if l, err = webrtclink.Offer(ctx, opts, sig); err != nil {
			return nil, err
		}
		return l, nil
	}

	if !cfg.Firebase.Enabled() {
		code = signalling.ManualSessionID
	} else if code == "" {
		if code, err = utils.AskForCode(ctx); err != nil {
			return nil, err
		}
	}
	if l, err = webrtclink.Answer(ctx, opts, sig, code); err != nil {
		return nil, err
	}
	return l, nil
}

func openSerial() (link.Link, error) {
	l, err := serial.Open(cfg.Serial.Port, cfg.Serial.Baud)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// openLoopback returns one end of an in-memory link whose other end is
// answered by a receiver that keeps files in memory. It is a dry run of the
// protocol without hardware.
func openLoopback(ctx context.Context) link.Link {
	local, badge := link.Pipe(cfg.Link.MTU)
	receiver := app.NewReceiverApp(badge, transfer.NewMemoryStore(), ui.NewConsoleUI(io.Discard))
	go func() {
		n, err := receiver.Run(ctx, &app.ReceiverOptions{})
		logrus.WithFields(logrus.Fields{
			"function": "openLoopback",
			"stored":   n,
			"error":    err,
		}).Debug("Loopback receiver stopped")
	}()
	return local
}

func closeLink(l link.Link) {
	if err := l.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close link")
	}
}
