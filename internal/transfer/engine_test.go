package transfer

import (
	"errors"
	"testing"
	"time"

	"badgexfer/internal/checksum"
	"badgexfer/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *mockTransport, *recordingObserver) {
	t.Helper()
	tr := newMockTransport()
	e := NewEngine(tr, opts)
	obs := &recordingObserver{}
	e.Subscribe(obs)
	return e, tr, obs
}

func testOptions() Options {
	return Options{FragmentSize: 20, MaxRetries: DefaultMaxRetries}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

// ackAll answers every CHUNK with a correct ack until FINISH is sent.
func ackAll(t *testing.T, e *Engine, tr *mockTransport) {
	t.Helper()
	for range 10000 {
		last := tr.last()
		switch last.Type {
		case protocol.TypeChunk:
			e.HandlePacket(raw(protocol.ChunkAck(checksum.AckByte(last.Data))))
		case protocol.TypeFinish:
			return
		default:
			t.Fatalf("unexpected packet %s while acking", last.Type)
		}
	}
	t.Fatal("transfer did not reach FINISH")
}

func TestEngine_HappyPath45Bytes(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())
	data := pattern(45)

	require.NoError(t, e.Start(data, "hello.py"))
	assert.Equal(t, StateAwaitingStartAck, e.State())

	e.HandlePacket(raw(protocol.StartAck()))
	for i := 0; i < 3; i++ {
		assert.Equal(t, StateAwaitingChunkAck, e.State())
		e.HandlePacket(raw(protocol.ChunkAck(0)))
	}
	assert.Equal(t, StateAwaitingFinishAck, e.State())
	e.HandlePacket(raw(protocol.FinishAck()))
	assert.Equal(t, StateIdle, e.State())

	packets := tr.packets()
	require.Len(t, packets, 5)
	assert.Equal(t, protocol.Start("hello.py"), packets[0])

	var offsets []uint32
	var lengths []int
	var reassembled []byte
	for _, p := range packets[1:4] {
		require.Equal(t, protocol.TypeChunk, p.Type)
		offsets = append(offsets, p.Offset)
		lengths = append(lengths, len(p.Data))
		reassembled = append(reassembled, p.Data...)
	}
	assert.Equal(t, []uint32{0, 20, 40}, offsets)
	assert.Equal(t, []int{20, 20, 5}, lengths)
	assert.Equal(t, data, reassembled)
	assert.Equal(t, protocol.TypeFinish, packets[4].Type)

	assert.Equal(t, []StateKind{
		StateAwaitingStartAck,
		StateAwaitingChunkAck,
		StateAwaitingChunkAck,
		StateAwaitingChunkAck,
		StateAwaitingFinishAck,
		StateIdle,
	}, obs.states)
	require.NotEmpty(t, obs.progress)
	assert.Equal(t, 1.0, obs.progress[len(obs.progress)-1])
	assert.Equal(t, 1, obs.finished)
	assert.Empty(t, obs.failures)
	assert.False(t, e.Busy())
}

func TestEngine_ExactMultipleOfFragmentSizeFinishes(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	require.NoError(t, e.Start(pattern(40), "forty.bin"))
	e.HandlePacket(raw(protocol.StartAck()))
	ackAll(t, e, tr)
	e.HandlePacket(raw(protocol.FinishAck()))

	assert.Equal(t, 2, tr.count(protocol.TypeChunk))
	assert.Equal(t, 0, tr.count(protocol.TypeError))
	assert.Equal(t, 1, obs.finished)
	assert.Equal(t, []float64{0.5, 1.0}, obs.progress)
}

func TestEngine_SingleFlight(t *testing.T) {
	e, tr, _ := newTestEngine(t, testOptions())

	require.NoError(t, e.Start(pattern(100), "a.txt"))
	assert.ErrorIs(t, e.Start(pattern(10), "b.txt"), ErrBusy)
	assert.Len(t, tr.packets(), 1, "rejected start must not send anything")

	e.HandlePacket(raw(protocol.StartAck()))
	for i := 0; i < 4; i++ {
		before := tr.count(protocol.TypeChunk)
		e.HandlePacket(raw(protocol.ChunkAck(0)))
		assert.Equal(t, before+1, tr.count(protocol.TypeChunk), "one chunk per ack")
		assert.ErrorIs(t, e.Start(pattern(10), "b.txt"), ErrBusy)
	}
}

func TestEngine_RetryExhaustion(t *testing.T) {
	opts := testOptions()
	opts.ValidateAck = true
	e, tr, obs := newTestEngine(t, opts)

	require.NoError(t, e.Start(pattern(45), "bad.bin"))
	e.HandlePacket(raw(protocol.StartAck()))

	first := tr.last()
	wrong := checksum.AckByte(first.Data) ^ 0xFF
	for i := 0; i < DefaultMaxRetries+1; i++ {
		e.HandlePacket(raw(protocol.ChunkAck(wrong)))
	}

	packets := tr.packets()
	var chunks []protocol.Packet
	for _, p := range packets {
		if p.Type == protocol.TypeChunk {
			chunks = append(chunks, p)
		}
	}
	require.Len(t, chunks, 1+DefaultMaxRetries, "original send plus nine retransmissions")
	for _, c := range chunks {
		assert.Equal(t, uint32(0), c.Offset)
		assert.Equal(t, first.Data, c.Data)
	}
	assert.Equal(t, protocol.TypeError, packets[len(packets)-1].Type)

	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrRetriesExhausted)
	assert.Empty(t, obs.progress)
	assert.Equal(t, StateIdle, e.State())

	// Further bad acks belong to nobody.
	e.HandlePacket(raw(protocol.ChunkAck(wrong)))
	assert.Len(t, tr.packets(), len(packets))
}

func TestEngine_RetryCounterResetsPerFragment(t *testing.T) {
	opts := testOptions()
	opts.ValidateAck = true
	e, tr, obs := newTestEngine(t, opts)

	require.NoError(t, e.Start(pattern(30), "flaky.bin"))
	e.HandlePacket(raw(protocol.StartAck()))

	for fragment := 0; fragment < 2; fragment++ {
		current := tr.last()
		require.Equal(t, protocol.TypeChunk, current.Type)
		good := checksum.AckByte(current.Data)
		for i := 0; i < DefaultMaxRetries; i++ {
			e.HandlePacket(raw(protocol.ChunkAck(good ^ 0x01)))
		}
		require.Empty(t, obs.failures, "fragment %d must survive nine retries", fragment)
		e.HandlePacket(raw(protocol.ChunkAck(good)))
	}

	assert.Equal(t, protocol.TypeFinish, tr.last().Type)
	e.HandlePacket(raw(protocol.FinishAck()))
	assert.Equal(t, 1, obs.finished)
}

func TestEngine_ValidationBypassedByDefault(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	require.NoError(t, e.Start(pattern(5), "x.py"))
	e.HandlePacket(raw(protocol.StartAck()))
	chunk := tr.last()
	e.HandlePacket(raw(protocol.ChunkAck(checksum.AckByte(chunk.Data) ^ 0xFF)))

	assert.Equal(t, protocol.TypeFinish, tr.last().Type)
	assert.Equal(t, 1, tr.count(protocol.TypeChunk))
	assert.Empty(t, obs.failures)
}

func TestEngine_PeerErrorWhileAwaitingChunkAck(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	require.NoError(t, e.Start(pattern(45), "a.py"))
	e.HandlePacket(raw(protocol.StartAck()))
	require.Equal(t, StateAwaitingChunkAck, e.State())
	tr.clear()

	e.HandlePacket(raw(protocol.Error("disk full")))

	assert.Equal(t, []protocol.Packet{protocol.ErrorAck()}, tr.packets())
	require.Len(t, obs.failures, 1)
	var peerErr *PeerError
	require.True(t, errors.As(obs.failures[0], &peerErr))
	assert.Equal(t, "disk full", peerErr.Message)
	assert.Equal(t, StateIdle, e.State())
	assert.False(t, e.Busy())
}

func TestEngine_PeerErrorWhileIdle(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	e.HandlePacket(raw(protocol.Error("")))

	assert.Equal(t, []protocol.Packet{protocol.ErrorAck()}, tr.packets())
	assert.Equal(t, 0, obs.terminals())
}

func TestEngine_ErrorAck(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	e.HandlePacket(raw(protocol.ErrorAck()))
	assert.Empty(t, tr.packets())
	assert.Equal(t, 0, obs.terminals())

	require.NoError(t, e.Start(pattern(45), "a.py"))
	e.HandlePacket(raw(protocol.StartAck()))
	e.HandlePacket(raw(protocol.ErrorAck()))

	assert.Equal(t, StateIdle, e.State())
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrPeerReset)
}

func TestEngine_NoLink(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())
	tr.connected = false

	err := e.Start(pattern(10), "a.py")

	assert.ErrorIs(t, err, ErrNoLink)
	assert.Empty(t, tr.packets())
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrNoLink)
	assert.Empty(t, obs.states)
	assert.Equal(t, StateIdle, e.State())
}

func TestEngine_InvalidFilename(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	err := e.Start(pattern(10), "résumé.txt")

	assert.ErrorIs(t, err, ErrInvalidFilename)
	assert.Empty(t, tr.packets())
	require.Len(t, obs.failures, 1)
	assert.Equal(t, StateIdle, e.State())
}

func TestEngine_EmptySource(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	require.NoError(t, e.Start(nil, "empty.txt"))
	e.HandlePacket(raw(protocol.StartAck()))

	packets := tr.packets()
	require.Len(t, packets, 2)
	assert.Equal(t, protocol.TypeStart, packets[0].Type)
	assert.Equal(t, protocol.TypeError, packets[1].Type)
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrEmptySource)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, []StateKind{StateAwaitingStartAck, StateIdle}, obs.states)
}

func TestEngine_IgnoresOutOfStatePackets(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	e.HandlePacket(raw(protocol.ChunkAck(1)))
	e.HandlePacket(raw(protocol.FinishAck()))
	e.HandlePacket(raw(protocol.StartAck()))
	e.HandlePacket([]byte("zzz"))
	e.HandlePacket(nil)
	assert.Equal(t, StateIdle, e.State())
	assert.Empty(t, tr.packets())

	require.NoError(t, e.Start(pattern(45), "a.py"))
	e.HandlePacket(raw(protocol.ChunkAck(1)))
	e.HandlePacket(raw(protocol.FinishAck()))
	assert.Equal(t, StateAwaitingStartAck, e.State())

	e.HandlePacket(raw(protocol.StartAck()))
	e.HandlePacket(raw(protocol.StartAck()))
	e.HandlePacket(raw(protocol.Start("other")))
	e.HandlePacket(raw(protocol.Chunk(0, []byte("x"))))
	e.HandlePacket(raw(protocol.Finish()))
	e.HandlePacket(raw(protocol.FinishAck()))
	assert.Equal(t, StateAwaitingChunkAck, e.State())
	assert.Equal(t, 1, tr.count(protocol.TypeChunk))
	assert.Equal(t, 0, obs.terminals())
}

func TestEngine_ProgressIsMonotonic(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	require.NoError(t, e.Start(pattern(1013), "big.bin"))
	e.HandlePacket(raw(protocol.StartAck()))
	ackAll(t, e, tr)
	e.HandlePacket(raw(protocol.FinishAck()))

	require.Len(t, obs.progress, 51)
	for i := 1; i < len(obs.progress); i++ {
		assert.GreaterOrEqual(t, obs.progress[i], obs.progress[i-1])
	}
	assert.InDelta(t, 20.0/1013.0, obs.progress[0], 1e-9)
	assert.Equal(t, 1.0, obs.progress[len(obs.progress)-1])
}

func runHappyTransfer(t *testing.T, e *Engine, tr *mockTransport, data []byte, name string) {
	t.Helper()
	require.NoError(t, e.Start(data, name))
	e.HandlePacket(raw(protocol.StartAck()))
	ackAll(t, e, tr)
	e.HandlePacket(raw(protocol.FinishAck()))
}

func TestEngine_ResetAfterTerminal(t *testing.T) {
	data := pattern(63)

	fresh, freshTr, freshObs := newTestEngine(t, testOptions())
	runHappyTransfer(t, fresh, freshTr, data, "f.bin")

	reused, tr, obs := newTestEngine(t, testOptions())

	// First a failed transfer, then a successful one on the same engine.
	require.NoError(t, reused.Start(pattern(90), "f.bin"))
	reused.HandlePacket(raw(protocol.StartAck()))
	reused.HandlePacket(raw(protocol.Error("")))
	require.Len(t, obs.failures, 1)
	assert.False(t, reused.Busy())

	tr.clear()
	obs.states, obs.progress = nil, nil
	runHappyTransfer(t, reused, tr, data, "f.bin")

	assert.Equal(t, freshTr.packets(), tr.packets())
	assert.Equal(t, freshObs.states, obs.states)
	assert.Equal(t, freshObs.progress, obs.progress)
	assert.Equal(t, 1, obs.finished)
	assert.Equal(t, uint64(2), reused.Generation())
}

func TestEngine_Abort(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	assert.False(t, e.Abort(), "nothing to abort while idle")

	require.NoError(t, e.Start(pattern(45), "a.py"))
	e.HandlePacket(raw(protocol.StartAck()))
	tr.clear()

	assert.True(t, e.Abort())
	assert.Equal(t, []protocol.Packet{protocol.Error("")}, tr.packets())
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrAborted)
	assert.Equal(t, StateIdle, e.State())

	// Late packets from the aborted transfer change nothing.
	e.HandlePacket(raw(protocol.ChunkAck(0)))
	e.HandlePacket(raw(protocol.ErrorAck()))
	assert.Len(t, tr.packets(), 1)
	assert.Equal(t, 1, obs.terminals())

	require.NoError(t, e.Start(pattern(5), "b.py"))
	assert.Equal(t, uint64(2), e.Generation())
}

func TestEngine_LateErrorAckDoesNotResetNextTransfer(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())

	require.NoError(t, e.Start(pattern(45), "a.py"))
	e.HandlePacket(raw(protocol.StartAck()))
	require.True(t, e.Abort())

	// The peer answers our ERROR only after the next file has started.
	require.NoError(t, e.Start(pattern(5), "b.py"))
	e.HandlePacket(raw(protocol.ErrorAck()))

	assert.Equal(t, StateAwaitingStartAck, e.State())
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrAborted)

	e.HandlePacket(raw(protocol.StartAck()))
	ackAll(t, e, tr)
	e.HandlePacket(raw(protocol.FinishAck()))
	assert.Equal(t, 1, obs.finished)
	assert.Len(t, obs.failures, 1)
}

func TestEngine_LateErrorAckAfterRetryExhaustion(t *testing.T) {
	opts := testOptions()
	opts.ValidateAck = true
	e, tr, obs := newTestEngine(t, opts)

	require.NoError(t, e.Start(pattern(45), "bad.bin"))
	e.HandlePacket(raw(protocol.StartAck()))
	wrong := checksum.AckByte(tr.last().Data) ^ 0xFF
	for i := 0; i < DefaultMaxRetries+1; i++ {
		e.HandlePacket(raw(protocol.ChunkAck(wrong)))
	}
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrRetriesExhausted)

	require.NoError(t, e.Start(pattern(5), "next.py"))
	e.HandlePacket(raw(protocol.ErrorAck()))
	assert.Equal(t, StateAwaitingStartAck, e.State())
	assert.Len(t, obs.failures, 1)

	// Only one ERROR was sent, so a second ERROR_ACK is a real reset.
	e.HandlePacket(raw(protocol.ErrorAck()))
	assert.Equal(t, StateIdle, e.State())
	require.Len(t, obs.failures, 2)
	assert.ErrorIs(t, obs.failures[1], ErrPeerReset)
}

// lockCheckingTransport records whether the engine lock was held for every
// Send.
type lockCheckingTransport struct {
	engine   *Engine
	unlocked int
	sent     int
}

func (l *lockCheckingTransport) Send([]byte) error {
	l.sent++
	if l.engine.mu.TryLock() {
		l.unlocked++
		l.engine.mu.Unlock()
	}
	return nil
}

func (l *lockCheckingTransport) Connected() bool { return true }

// Sends happen inside the state transition that produced them, so a timer
// retransmit and an ack-driven send cannot reach the link out of order.
func TestEngine_SendsUnderLock(t *testing.T) {
	clock := &mockClock{}
	tr := &lockCheckingTransport{}
	e := NewEngine(tr, timeoutOptions(clock))
	tr.engine = e

	require.NoError(t, e.Start(pattern(45), "a.py"))
	require.True(t, clock.fire())
	e.HandlePacket(raw(protocol.StartAck()))
	require.True(t, clock.fire())
	e.HandlePacket(raw(protocol.ChunkAck(0)))
	e.Abort()

	assert.Equal(t, 6, tr.sent)
	assert.Zero(t, tr.unlocked)
}

func TestEngine_SendErrorsAreNotFatal(t *testing.T) {
	e, tr, obs := newTestEngine(t, testOptions())
	tr.sendErr = errors.New("write failed")

	require.NoError(t, e.Start(pattern(5), "a.py"))
	e.HandlePacket(raw(protocol.StartAck()))

	assert.Equal(t, StateAwaitingChunkAck, e.State())
	assert.Equal(t, 0, obs.terminals())
}

func TestEngine_Unsubscribe(t *testing.T) {
	e := NewEngine(newMockTransport(), testOptions())
	obs := &recordingObserver{}
	unsubscribe := e.Subscribe(obs)

	require.NoError(t, e.Start(pattern(5), "a.py"))
	unsubscribe()
	unsubscribe()
	e.HandlePacket(raw(protocol.StartAck()))

	assert.Equal(t, []StateKind{StateAwaitingStartAck}, obs.states)
}

func TestEngine_ObserverMayStartNextTransfer(t *testing.T) {
	tr := newMockTransport()
	e := NewEngine(tr, testOptions())

	queue := [][]byte{pattern(5), pattern(7)}
	done := 0
	var startErr error
	e.Subscribe(ObserverFuncs{
		Finished: func() {
			done++
			if done < len(queue) {
				startErr = e.Start(queue[done], "next.py")
			}
		},
	})

	require.NoError(t, e.Start(queue[0], "first.py"))
	for done < len(queue) {
		e.HandlePacket(raw(protocol.StartAck()))
		ackAll(t, e, tr)
		e.HandlePacket(raw(protocol.FinishAck()))
	}

	require.NoError(t, startErr)
	assert.Equal(t, 2, tr.count(protocol.TypeStart))
	assert.Equal(t, 2, done)
}

func timeoutOptions(clock *mockClock) Options {
	opts := testOptions()
	opts.AckTimeout = time.Second
	opts.Clock = clock
	return opts
}

func TestEngine_AckTimeoutRetransmits(t *testing.T) {
	clock := &mockClock{}
	e, tr, obs := newTestEngine(t, timeoutOptions(clock))

	require.NoError(t, e.Start(pattern(25), "a.py"))
	require.Equal(t, 1, clock.pending())

	require.True(t, clock.fire())
	assert.Equal(t, 2, tr.count(protocol.TypeStart), "START retransmitted")

	e.HandlePacket(raw(protocol.StartAck()))
	first := tr.last()
	require.True(t, clock.fire())
	resent := tr.last()
	assert.Equal(t, protocol.TypeChunk, resent.Type)
	assert.Equal(t, first.Offset, resent.Offset)
	assert.Equal(t, first.Data, resent.Data)

	e.HandlePacket(raw(protocol.ChunkAck(0)))
	e.HandlePacket(raw(protocol.ChunkAck(0)))
	require.Equal(t, StateAwaitingFinishAck, e.State())
	require.True(t, clock.fire())
	assert.Equal(t, 2, tr.count(protocol.TypeFinish), "FINISH retransmitted")

	e.HandlePacket(raw(protocol.FinishAck()))
	assert.Equal(t, 0, clock.pending(), "no timer left after success")
	assert.Equal(t, 1, obs.finished)
}

func TestEngine_AckTimeoutExhaustion(t *testing.T) {
	clock := &mockClock{}
	e, tr, obs := newTestEngine(t, timeoutOptions(clock))

	require.NoError(t, e.Start(pattern(25), "a.py"))
	e.HandlePacket(raw(protocol.StartAck()))

	for clock.fire() {
	}

	assert.Equal(t, 1+DefaultMaxRetries, tr.count(protocol.TypeChunk))
	assert.Equal(t, protocol.TypeError, tr.last().Type)
	require.Len(t, obs.failures, 1)
	assert.ErrorIs(t, obs.failures[0], ErrRetriesExhausted)
}

func TestEngine_StaleTimerIgnored(t *testing.T) {
	clock := &mockClock{}
	e, tr, obs := newTestEngine(t, timeoutOptions(clock))

	require.NoError(t, e.Start(pattern(25), "a.py"))
	clock.mu.Lock()
	stale := clock.timers[0]
	clock.mu.Unlock()

	e.Abort()
	sent := len(tr.packets())

	// Even if the callback raced the abort, it must not act.
	stale.f()
	assert.Len(t, tr.packets(), sent)

	require.NoError(t, e.Start(pattern(25), "b.py"))
	stale.f()
	assert.Equal(t, 2, tr.count(protocol.TypeStart), "stale timer must not resend the new START")
	assert.Equal(t, 1, obs.terminals())
}

func TestEngine_NoTimerWhenTimeoutDisabled(t *testing.T) {
	clock := &mockClock{}
	opts := testOptions()
	opts.Clock = clock
	e, _, _ := newTestEngine(t, opts)

	require.NoError(t, e.Start(pattern(25), "a.py"))
	assert.Equal(t, 0, clock.pending())
}

func TestEngine_ChunkPayloadIsFragment(t *testing.T) {
	e, tr, _ := newTestEngine(t, testOptions())
	data := pattern(45)

	require.NoError(t, e.Start(data, "a.py"))
	e.HandlePacket(raw(protocol.StartAck()))
	e.HandlePacket(raw(protocol.ChunkAck(0)))

	last := tr.sent[len(tr.sent)-1]
	want := append([]byte{'c', 0, 0, 0, 20}, data[20:40]...)
	assert.Equal(t, want, last)
}

func TestStateKind_String(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "AwaitingChunkAck", StateAwaitingChunkAck.String())
	assert.Equal(t, "ReadyToSend", StateReadyToSend.String())
	assert.Equal(t, "Unknown", StateKind(42).String())
}
