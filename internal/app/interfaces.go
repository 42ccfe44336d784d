package app

import (
	"context"

	"badgexfer/internal/content"
)

// ItemSender sends a batch of files to the badge.
type ItemSender interface {
	SendItems(ctx context.Context, items []content.Item) error
}

var _ ItemSender = (*SenderApp)(nil)
