package signalling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"badgexfer/internal/config"
	"badgexfer/pkg/utils"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// SessionCodeLength is the length of the code the sender reads out.
const SessionCodeLength = 8

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAnswerTimeout   = errors.New("timeout waiting for answer")
)

type FirebaseClient struct {
	db  *db.Client
	ref *db.Ref

	// PollInterval and PollAttempts bound WaitForAnswer.
	PollInterval time.Duration
	PollAttempts int
}

func NewFirebaseClient(ctx context.Context, cfg *config.FirebaseConfig) (*FirebaseClient, error) {
	opt := option.WithCredentialsFile(cfg.CredentialsPath)

	firebaseConfig := &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.DatabaseURL,
	}

	app, err := firebase.NewApp(ctx, firebaseConfig, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting database client: %w", err)
	}

	return &FirebaseClient{
		db:           client,
		ref:          client.NewRef("sessions"),
		PollInterval: 5 * time.Second,
		PollAttempts: 12,
	}, nil
}

// Session represents a signaling session data.
// Only vanilla ICE is supported: offer and answer carry all candidates.
type Session struct {
	ID     string `json:"sessionId"`
	Offer  string `json:"offer"`
	Answer string `json:"answer"`
}

func (f *FirebaseClient) CreateSession(ctx context.Context, offer string) (string, error) {
	code, err := utils.GenerateCode(SessionCodeLength)
	if err != nil {
		return "", fmt.Errorf("error generating session code: %w", err)
	}

	sessionData := map[string]any{
		"sessionId": code,
		"offer":     offer,
		"answer":    "",
	}
	if err := f.ref.Child(code).Set(ctx, sessionData); err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateSession",
		"session":  code,
	}).Debug("Session created")
	return code, nil
}

// session loads a session and fails with ErrSessionNotFound when it is absent.
func (f *FirebaseClient) session(ctx context.Context, sessionID string) (*db.Ref, Session, error) {
	var data Session
	ref := f.ref.Child(sessionID)
	if err := ref.Get(ctx, &data); err != nil {
		return ref, data, fmt.Errorf("error fetching session %s: %w", sessionID, err)
	}
	if data.ID == "" {
		return ref, data, fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	return ref, data, nil
}

func (f *FirebaseClient) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	ref, _, err := f.session(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := ref.Update(ctx, map[string]any{"answer": answer}); err != nil {
		return fmt.Errorf("error updating answer for session %s: %w", sessionID, err)
	}
	return nil
}

func (f *FirebaseClient) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	ref, _, err := f.session(ctx, sessionID)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function": "WaitForAnswer",
		"session":  sessionID,
	}).Info("Waiting for receiver to answer")

	for i := range f.PollAttempts {
		var data Session
		if err := ref.Get(ctx, &data); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "WaitForAnswer",
				"session":  sessionID,
				"error":    err.Error(),
			}).Warn("Polling session failed")
		} else if data.Answer != "" {
			return data.Answer, nil
		}

		if i < f.PollAttempts-1 {
			select {
			case <-time.After(f.PollInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	if err := f.DeleteSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("error deleting session: %w", err)
	}
	return "", ErrAnswerTimeout
}

func (f *FirebaseClient) DeleteSession(ctx context.Context, sessionID string) error {
	ref, _, err := f.session(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		logrus.WithFields(logrus.Fields{
			"function": "DeleteSession",
			"session":  sessionID,
		}).Debug("Session not found, skipping deletion")
		return nil
	}
	if err != nil {
		return err
	}

	if err := ref.Delete(ctx); err != nil {
		return fmt.Errorf("error deleting session %s: %w", sessionID, err)
	}
	return nil
}

func (f *FirebaseClient) GetOffer(ctx context.Context, sessionID string) (string, error) {
	_, data, err := f.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if data.Offer == "" {
		return "", fmt.Errorf("session %s has no offer: %w", sessionID, ErrSessionNotFound)
	}
	return data.Offer, nil
}
