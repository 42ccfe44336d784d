package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"badgexfer/internal/content"
	"badgexfer/internal/link"
	"badgexfer/internal/transfer"
	"badgexfer/internal/ui"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNothingToSend is returned when Upload gets no items.
	ErrNothingToSend = errors.New("no files to send")
	// ErrUploadRunning is returned when Upload is called concurrently.
	ErrUploadRunning = errors.New("upload already running")
)

// UploadError reports the file that failed and how many queued files were
// dropped with it.
type UploadError struct {
	Name    string
	Dropped int
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to send %s (%d queued files dropped): %v", e.Name, e.Dropped, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Uploader sends files one after another over a link. The next file starts
// when the previous one is acknowledged; the first failure drops the rest of
// the queue.
type Uploader struct {
	link     link.Link
	engine   *transfer.Engine
	progress ui.TransferProgress

	mu      sync.Mutex
	running bool
}

// NewUploader creates an uploader driving an engine with opts over l.
// progress may be nil.
func NewUploader(l link.Link, opts transfer.Options, progress ui.TransferProgress) *Uploader {
	return &Uploader{
		link:     l,
		engine:   transfer.NewEngine(l, opts),
		progress: progress,
	}
}

// Engine returns the engine, e.g. to subscribe further observers.
func (u *Uploader) Engine() *transfer.Engine {
	return u.engine
}

// Upload sends items in order and returns after the last one is
// acknowledged. Cancelling ctx aborts the running transfer.
func (u *Uploader) Upload(ctx context.Context, items []content.Item) error {
	if len(items) == 0 {
		return ErrNothingToSend
	}

	u.mu.Lock()
	if u.running {
		u.mu.Unlock()
		return ErrUploadRunning
	}
	u.running = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.running = false
		u.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- link.Pump(runCtx, u.link, u.engine.HandlePacket)
	}()

	// progress goes first so a bar is closed before the next one begins.
	if u.progress != nil {
		defer u.engine.Subscribe(u.progress)()
	}
	results := make(chan error, 1)
	report := func(err error) {
		select {
		case results <- err:
		default:
		}
	}
	unsubscribe := u.engine.Subscribe(transfer.ObserverFuncs{
		Finished: func() { report(nil) },
		Failed:   report,
	})
	defer unsubscribe()

	for i, item := range items {
		if u.progress != nil {
			u.progress.Begin(item.Name, item.Size(), i+1, len(items))
		}

		logrus.WithFields(logrus.Fields{
			"function":  "Upload",
			"file_name": item.Name,
			"file_size": item.Size(),
			"digest":    item.Digest,
			"position":  i + 1,
			"queued":    len(items),
		}).Debug("Sending file")

		if err := u.engine.Start(item.Data, item.Name); err != nil {
			return u.dropped(items, i, err)
		}

		select {
		case err := <-results:
			if err != nil {
				return u.dropped(items, i, err)
			}
		case err := <-pumpErr:
			u.engine.Abort()
			if ctx.Err() != nil {
				err = ctx.Err()
			} else {
				err = fmt.Errorf("link lost: %w", err)
			}
			return u.dropped(items, i, err)
		case <-ctx.Done():
			u.engine.Abort()
			return u.dropped(items, i, ctx.Err())
		}
	}
	return nil
}

func (u *Uploader) dropped(items []content.Item, i int, err error) error {
	uerr := &UploadError{Name: items[i].Name, Dropped: len(items) - i - 1, Err: err}
	logrus.WithFields(logrus.Fields{
		"function":  "Upload",
		"file_name": uerr.Name,
		"dropped":   uerr.Dropped,
		"error":     err,
	}).Error("Upload failed")
	return uerr
}
