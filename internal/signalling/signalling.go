// Package signalling exchanges WebRTC session descriptions between the
// machine next to the badge and the one sending files to it.
package signalling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"badgexfer/internal/config"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ErrEmptyDescription is returned for a session description without SDP.
var ErrEmptyDescription = errors.New("session description is empty")

// SignalingServer defines the interface for signaling storage operations
type SignalingServer interface {
	CreateSession(ctx context.Context, offer string) (sessionID string, err error)
	GetOffer(ctx context.Context, sessionID string) (offer string, err error)
	UpdateAnswer(ctx context.Context, sessionID, answer string) error
	WaitForAnswer(ctx context.Context, sessionID string) (answer string, err error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// SignalingService runs the offer/answer exchange over a SignalingServer.
// Descriptions are sent once, after ICE gathering, so no candidates trickle.
type SignalingService struct {
	server SignalingServer

	// Announce is called with the session code the receiving side needs.
	Announce func(code string)
}

func NewSignalingService(server SignalingServer) *SignalingService {
	return &SignalingService{
		server: server,
		Announce: func(code string) {
			logrus.WithFields(logrus.Fields{
				"function": "Announce",
				"code":     code,
			}).Info("Send this code to the receiver")
		},
	}
}

// NewDefaultSignalingService uses Firebase when it is configured and falls
// back to pasting session descriptions through the console otherwise.
func NewDefaultSignalingService(ctx context.Context, cfg *config.Config) (*SignalingService, error) {
	return newSignalingService(ctx, cfg, os.Stdin, os.Stderr)
}

func newSignalingService(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) (*SignalingService, error) {
	if !cfg.Firebase.Enabled() {
		return NewSignalingService(NewManualServer(in, out)), nil
	}

	server, err := NewFirebaseClient(ctx, &cfg.Firebase)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase client: %w", err)
	}
	return NewSignalingService(server), nil
}

// StartSenderSignallingProcess publishes an offer for peerConn, waits for the
// answer and applies it. It returns the session code.
func (s *SignalingService) StartSenderSignallingProcess(ctx context.Context, peerConn *webrtc.PeerConnection) (string, error) {
	offer, err := describe(ctx, peerConn, func() (webrtc.SessionDescription, error) {
		return peerConn.CreateOffer(nil)
	})
	if err != nil {
		return "", fmt.Errorf("failed to prepare offer: %w", err)
	}

	sessionID, err := s.server.CreateSession(ctx, offer)
	if err != nil {
		return "", fmt.Errorf("failed to create session with offer: %w", err)
	}

	if s.Announce != nil {
		s.Announce(sessionID)
	}

	answer, err := s.server.WaitForAnswer(ctx, sessionID)
	if err != nil {
		return sessionID, fmt.Errorf("failed to wait for answer: %w", err)
	}
	if err := apply(peerConn, answer); err != nil {
		return sessionID, fmt.Errorf("failed to apply answer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "StartSenderSignallingProcess",
		"session":  sessionID,
	}).Debug("Answer applied")
	return sessionID, nil
}

// StartReceiverSignallingProcess applies the offer stored under sessionID
// and publishes the answer.
func (s *SignalingService) StartReceiverSignallingProcess(ctx context.Context, peerConn *webrtc.PeerConnection, sessionID string) error {
	offer, err := s.server.GetOffer(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get offer from session: %w", err)
	}
	if err := apply(peerConn, offer); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}

	answer, err := describe(ctx, peerConn, func() (webrtc.SessionDescription, error) {
		return peerConn.CreateAnswer(nil)
	})
	if err != nil {
		return fmt.Errorf("failed to prepare answer: %w", err)
	}

	if err := s.server.UpdateAnswer(ctx, sessionID, answer); err != nil {
		return fmt.Errorf("failed to upload answer: %w", err)
	}
	return nil
}

// ClearSession deletes a session by its ID
func (s *SignalingService) ClearSession(ctx context.Context, sessionID string) error {
	return s.server.DeleteSession(ctx, sessionID)
}

// describe sets the description create returns as local, waits until ICE
// gathering has finished and returns the final description encoded.
func describe(ctx context.Context, pc *webrtc.PeerConnection, create func() (webrtc.SessionDescription, error)) (string, error) {
	sd, err := create()
	if err != nil {
		return "", err
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sd); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("local description is nil after ICE gathering")
	}
	return encodeDescription(*local)
}

// apply decodes a peer's description and sets it as remote.
func apply(pc *webrtc.PeerConnection, encoded string) error {
	sd, err := decodeDescription(encoded)
	if err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// Descriptions travel as base64 of their JSON form, which survives copy and
// paste and a Firebase string field alike.
func encodeDescription(sd webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(sd)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session description: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeDescription(encoded string) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if encoded == "" {
		return sd, ErrEmptyDescription
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return sd, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, &sd); err != nil {
		return sd, fmt.Errorf("failed to unmarshal session description: %w", err)
	}
	if sd.SDP == "" {
		return sd, ErrEmptyDescription
	}
	return sd, nil
}
