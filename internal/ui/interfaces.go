package ui

import "badgexfer/internal/transfer"

// TransferProgress follows a sequence of file transfers.
type TransferProgress interface {
	transfer.Observer

	// Begin announces file index (1-based) of count before it is started.
	Begin(filename string, size, index, count int)
}

// MessageUI shows plain status lines to the user.
type MessageUI interface {
	ShowMessage(message string)
}
