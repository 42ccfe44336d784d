package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"badgexfer/internal/config"
	"badgexfer/internal/content"
	"badgexfer/internal/link"
	"badgexfer/internal/transfer"
	"badgexfer/internal/ui"
)

// SenderOptions configures the sender application behavior
type SenderOptions struct {
	Paths []string // Required: files or directories to send
	// Name overrides the badge path of a single file.
	Name string
	// Prefix is prepended to every badge path, e.g. "apps/blinky".
	Prefix string
}

// SenderApp implements sender application logic
type SenderApp struct {
	uploader *Uploader
	progress *ui.ProgressUI
	ui       *ui.ConsoleUI
}

// EngineOptions maps the transfer configuration to engine options.
func EngineOptions(cfg config.TransferConfig) transfer.Options {
	return transfer.Options{
		FragmentSize: cfg.FragmentSize,
		MaxRetries:   cfg.MaxRetries,
		AckTimeout:   cfg.AckTimeout,
		ValidateAck:  cfg.ValidateAck,
	}
}

// NewSenderApp creates a new sender application
func NewSenderApp(cfg *config.Config, l link.Link, out io.Writer) *SenderApp {
	progress := ui.NewProgressUI(out, "Sending")
	return &SenderApp{
		uploader: NewUploader(l, EngineOptions(cfg.Transfer), progress),
		progress: progress,
		ui:       ui.NewConsoleUI(out),
	}
}

// Uploader returns the uploader behind the app.
func (s *SenderApp) Uploader() *Uploader {
	return s.uploader
}

// Run collects the files named by opts and sends them.
func (s *SenderApp) Run(ctx context.Context, opts *SenderOptions) error {
	items, err := CollectItems(opts)
	if err != nil {
		return err
	}
	return s.SendItems(ctx, items)
}

// SendItems sends items and prints a summary.
func (s *SenderApp) SendItems(ctx context.Context, items []content.Item) error {
	s.ui.ShowItems(items)
	err := s.uploader.Upload(ctx, items)
	s.progress.ShowTransferSummary()
	return err
}

// CollectItems turns the paths in opts into items.
func CollectItems(opts *SenderOptions) ([]content.Item, error) {
	if len(opts.Paths) == 0 {
		return nil, fmt.Errorf("file path is required")
	}
	if opts.Name != "" && len(opts.Paths) > 1 {
		return nil, errors.New("--name needs exactly one file")
	}

	var items []content.Item
	for _, p := range opts.Paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file does not exist: %s", p)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", p, err)
		}

		if info.IsDir() {
			if opts.Name != "" {
				return nil, fmt.Errorf("--name cannot rename directory %s", p)
			}
			dirItems, err := content.FromDir(p, opts.Prefix)
			if err != nil {
				return nil, err
			}
			items = append(items, dirItems...)
			continue
		}

		name := opts.Name
		if name == "" {
			name = content.Join(opts.Prefix, filepath.Base(p))
		}
		item, err := content.FromFile(p, name)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, ErrNothingToSend
	}
	return items, nil
}
