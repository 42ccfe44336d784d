package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, l Link) []byte {
	t.Helper()
	select {
	case p, ok := <-l.Packets():
		require.True(t, ok, "link closed")
		return p
	case <-time.After(time.Second):
		t.Fatal("no packet delivered")
		return nil
	}
}

func TestPipeDeliversWholePackets(t *testing.T) {
	a, b := Pipe(0)
	defer a.Close()

	require.NoError(t, a.Send([]byte("s hello")))
	require.NoError(t, b.Send([]byte("S")))

	assert.Equal(t, []byte("s hello"), receive(t, b))
	assert.Equal(t, []byte("S"), receive(t, a))
	assert.True(t, a.Connected())
	assert.True(t, b.Connected())
}

func TestPipeCopiesPackets(t *testing.T) {
	a, b := Pipe(0)
	defer a.Close()

	buf := []byte("abc")
	require.NoError(t, a.Send(buf))
	buf[0] = 'X'

	assert.Equal(t, []byte("abc"), receive(t, b))
}

func TestPipeMTU(t *testing.T) {
	a, b := Pipe(25)
	defer a.Close()

	assert.NoError(t, a.Send(make([]byte, 25)))
	assert.ErrorIs(t, a.Send(make([]byte, 26)), ErrPacketTooLarge)
	assert.Len(t, receive(t, b), 25)
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe(0)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.False(t, a.Connected())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrClosed)

	_, ok := <-a.Packets()
	assert.False(t, ok)
	_, ok = <-b.Packets()
	assert.False(t, ok)
}

func TestPump(t *testing.T) {
	a, b := Pipe(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []byte, 4)
	done := make(chan error, 1)
	go func() {
		done <- Pump(ctx, b, func(p []byte) { got <- p })
	}()

	require.NoError(t, a.Send([]byte("one")))
	require.NoError(t, a.Send([]byte("two")))
	assert.Equal(t, []byte("one"), <-got)
	assert.Equal(t, []byte("two"), <-got)

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Pump did not return after close")
	}
}

func TestPumpStopsOnContext(t *testing.T) {
	_, b := Pipe(0)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Pump(ctx, b, func([]byte) {}), context.Canceled)
}

func TestInboxDropsWhenFull(t *testing.T) {
	in := NewInbox(2)
	assert.True(t, in.Deliver([]byte("1")))
	assert.True(t, in.Deliver([]byte("2")))
	assert.False(t, in.Deliver([]byte("3")))

	in.Close()
	in.Close()
	assert.True(t, in.Closed())
	assert.False(t, in.Deliver([]byte("4")))

	var drained [][]byte
	for p := range in.Packets() {
		drained = append(drained, p)
	}
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, drained)
}
