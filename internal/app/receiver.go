package app

import (
	"context"
	"errors"
	"fmt"

	"badgexfer/internal/link"
	"badgexfer/internal/transfer"
	"badgexfer/internal/ui"
	"badgexfer/pkg/utils"

	"github.com/sirupsen/logrus"
)

// ReceiverOptions configures the receiver application behavior
type ReceiverOptions struct {
	// Count stops the receiver after that many stored files; 0 runs until
	// the context ends.
	Count int
	// MaxFileSize bounds one file; 0 keeps the receiver default.
	MaxFileSize int
}

// ReceiverApp answers a sender over a link and stores what it receives.
type ReceiverApp struct {
	link  link.Link
	store transfer.Store
	ui    ui.MessageUI
}

// NewReceiverApp creates a receiver application
func NewReceiverApp(l link.Link, store transfer.Store, msg ui.MessageUI) *ReceiverApp {
	return &ReceiverApp{link: l, store: store, ui: msg}
}

// Run receives files until ctx ends, the link closes or opts.Count files
// were stored. It returns the number of stored files.
func (r *ReceiverApp) Run(ctx context.Context, opts *ReceiverOptions) (int, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stored := make(chan struct{})
	receiver := transfer.NewReceiver(r.link, r.store, transfer.ReceiverEvents{
		Started: func(name string) {
			r.ui.ShowMessage(fmt.Sprintf("Receiving %s", name))
		},
		Stored: func(name string, size int) {
			r.ui.ShowMessage(fmt.Sprintf("Stored %s (%s)", name, utils.FormatFileSize(int64(size))))
			select {
			case stored <- struct{}{}:
			case <-runCtx.Done():
			}
		},
		Aborted: func(name, reason string) {
			r.ui.ShowMessage(fmt.Sprintf("Transfer of %s aborted: %s", name, reason))
		},
	})
	if opts.MaxFileSize > 0 {
		receiver.SetMaxFileSize(opts.MaxFileSize)
	}

	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- link.Pump(runCtx, r.link, receiver.HandlePacket)
	}()

	r.ui.ShowMessage("Receiver is ready. Waiting for files.")

	count := 0
	for {
		select {
		case <-stored:
			count++
			if opts.Count > 0 && count >= opts.Count {
				return count, nil
			}
		case err := <-pumpErr:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return count, nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"stored":   count,
				"error":    err,
			}).Info("Receiver stopped")
			return count, err
		}
	}
}
