package app

import (
	"context"
	"errors"

	"badgexfer/internal/link"

	"github.com/sirupsen/logrus"
)

// Bridge relays packets between a remote link and the badge link until ctx
// ends or either side closes. Packets are forwarded unchanged, so a sender
// on the far side of remote talks to the badge as if it were local.
func Bridge(ctx context.Context, remote, badge link.Link) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	relay := func(name string, from, to link.Link) {
		var forwarded int
		err := link.Pump(ctx, from, func(p []byte) {
			if err := to.Send(p); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":  "Bridge",
					"direction": name,
					"error":     err,
				}).Warn("Failed to forward packet")
				return
			}
			forwarded++
		})
		logrus.WithFields(logrus.Fields{
			"function":  "Bridge",
			"direction": name,
			"packets":   forwarded,
		}).Info("Relay stopped")
		errCh <- err
	}

	go relay("to badge", remote, badge)
	go relay("from badge", badge, remote)

	err := <-errCh
	cancel()
	<-errCh

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
