// Package watch sends files to the badge as they appear in a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"badgexfer/internal/content"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultSettle is how long a file must stay quiet before it is sent.
const DefaultSettle = 500 * time.Millisecond

// Sender sends a batch of files.
type Sender interface {
	SendItems(ctx context.Context, items []content.Item) error
}

// Options configures a Watcher.
type Options struct {
	Dir string
	// Prefix is prepended to the badge path of every file.
	Prefix string
	// Existing also queues the files already in Dir at startup.
	Existing bool
	// Settle is the quiet period after the last write; 0 means DefaultSettle.
	Settle time.Duration
}

// Watcher queues new and modified regular files of one directory and sends
// them one at a time. Dot files are ignored. Subdirectories are not watched.
type Watcher struct {
	opts   Options
	sender Sender
	// OnSent is called after every attempt, with the send error if any.
	OnSent func(name string, err error)
}

// New creates a watcher for opts.Dir.
func New(opts Options, sender Sender) *Watcher {
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	return &Watcher{opts: opts, sender: sender}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.opts.Dir, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"dir":      w.opts.Dir,
	}).Info("Monitoring directory")

	var (
		queue   []string
		pending = make(map[string]struct{})
		settle  <-chan time.Time
		busy    bool
		done    = make(chan struct{}, 1)
	)

	enqueue := func(path string) {
		for _, q := range queue {
			if q == path {
				return
			}
		}
		queue = append(queue, path)
	}

	if w.opts.Existing {
		existing, err := w.existingFiles()
		if err != nil {
			return err
		}
		for _, p := range existing {
			enqueue(p)
		}
	}

	for {
		if !busy && len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			busy = true
			go func() {
				w.send(ctx, next)
				done <- struct{}{}
			}()
		}

		select {
		case <-ctx.Done():
			if busy {
				<-done
			}
			return nil

		case <-done:
			busy = false

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !eligible(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			settle = time.After(w.opts.Settle)

		case <-settle:
			settle = nil
			names := make([]string, 0, len(pending))
			for p := range pending {
				names = append(names, p)
			}
			sort.Strings(names)
			for _, p := range names {
				enqueue(p)
				delete(pending, p)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"error":    err,
			}).Warn("Watcher error")
		}
	}
}

func (w *Watcher) existingFiles() ([]string, error) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", w.opts.Dir, err)
	}
	var paths []string
	for _, e := range entries {
		p := filepath.Join(w.opts.Dir, e.Name())
		if eligible(p) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// eligible reports whether path names a regular, non-dot file.
func eligible(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (w *Watcher) send(ctx context.Context, path string) {
	name := content.Join(w.opts.Prefix, filepath.Base(path))
	item, err := content.FromFile(path, name)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function":  "send",
			"file_name": name,
			"file_size": item.Size(),
		}).Info("Starting transfer for queued file")
		err = w.sender.SendItems(ctx, []content.Item{item})
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithFields(logrus.Fields{
			"function":  "send",
			"file_name": name,
			"error":     err,
		}).Error("Failed to send queued file")
	}
	if w.OnSent != nil {
		w.OnSent(name, err)
	}
}
