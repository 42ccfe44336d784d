package webrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ConnectionFailureError is reported when the peer connection fails or
// closes underneath an open link.
type ConnectionFailureError struct {
	State webrtc.PeerConnectionState
	Role  string
}

func (e *ConnectionFailureError) Error() string {
	return fmt.Sprintf("peer connection %s (%s)", e.State.String(), e.Role)
}

// newPeerConnection creates a peer connection for opts.
func newPeerConnection(opts Options) (*webrtc.PeerConnection, error) {
	var settings webrtc.SettingEngine
	if opts.IncludeLoopback {
		settings.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settings))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: opts.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}

// watchConnectionState closes l once the peer connection is gone.
func watchConnectionState(pc *webrtc.PeerConnection, l *Link, role string) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function": "OnConnectionStateChange",
			"role":     role,
			"state":    state.String(),
		}).Debug("Peer connection state changed")

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			l.fail(&ConnectionFailureError{State: state, Role: role})
		}
	})
}
