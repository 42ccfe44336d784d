package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Start while another transfer is running.
	ErrBusy = errors.New("transfer already in progress")
	// ErrNoLink is reported when Start is called without a connected peer.
	ErrNoLink = errors.New("no active link to peer")
	// ErrInvalidFilename is reported when the name can't be sent in START.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrEmptySource is reported when there is no first fragment to send.
	ErrEmptySource = errors.New("nothing to send")
	// ErrRetriesExhausted is reported when a packet was retried too often.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrAborted is reported when the caller aborts a running transfer.
	ErrAborted = errors.New("transfer aborted")
	// ErrPeerReset is reported when the peer sends ERROR_ACK mid-transfer
	// without this side having sent ERROR.
	ErrPeerReset = errors.New("peer reset the transfer")
)

// PeerError is reported when the peer sends an ERROR packet.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	if e.Message == "" {
		return "peer reported an error"
	}
	return fmt.Sprintf("peer reported an error: %s", e.Message)
}
