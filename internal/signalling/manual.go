package signalling

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ManualSessionID names the only session a ManualServer has.
const ManualSessionID = "manual"

// ManualServer is a SignalingServer for peers without a shared backend: the
// encoded descriptions are printed to out and the peer's are read from in,
// one line each.
type ManualServer struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func NewManualServer(in io.Reader, out io.Writer) *ManualServer {
	return &ManualServer{in: bufio.NewReader(in), out: out}
}

func (m *ManualServer) CreateSession(ctx context.Context, offer string) (string, error) {
	fmt.Fprintf(m.out, "Paste this offer on the receiving side:\n\n%s\n\n", offer)
	return ManualSessionID, nil
}

func (m *ManualServer) WaitForAnswer(ctx context.Context, sessionID string) (string, error) {
	return m.prompt(ctx, "Paste the answer from the receiving side: ")
}

func (m *ManualServer) GetOffer(ctx context.Context, sessionID string) (string, error) {
	return m.prompt(ctx, "Paste the offer from the sending side: ")
}

func (m *ManualServer) UpdateAnswer(ctx context.Context, sessionID, answer string) error {
	fmt.Fprintf(m.out, "Paste this answer on the sending side:\n\n%s\n\n", answer)
	return nil
}

func (m *ManualServer) DeleteSession(ctx context.Context, sessionID string) error {
	return nil
}

// prompt reads one non-empty line, giving up when ctx is done. A read that
// is abandoned keeps running until the line arrives.
func (m *ManualServer) prompt(ctx context.Context, text string) (string, error) {
	fmt.Fprint(m.out, text)

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for {
			line, err := m.in.ReadString('\n')
			line = strings.TrimSpace(line)
			if line != "" || err != nil {
				if line != "" && errors.Is(err, io.EOF) {
					err = nil
				}
				ch <- result{line, err}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("failed to read session description: %w", r.err)
		}
		return r.line, nil
	}
}
