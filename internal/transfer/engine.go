// Package transfer implements the sender side of the chunked, acknowledged
// file-transfer protocol and the receiving endpoint it talks to.
//
// The Engine keeps exactly one packet in flight. Every inbound packet is
// interpreted relative to the current State; packets that don't fit the
// state are logged and dropped. Each accepted Start ends in exactly one
// OnFinished or OnFailed notification, after which the engine is Idle again.
package transfer

import (
	"fmt"
	"sync"
	"time"

	"badgexfer/internal/checksum"
	"badgexfer/internal/chunker"
	"badgexfer/internal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMaxRetries is how often one packet is retransmitted before the
	// whole transfer is abandoned.
	DefaultMaxRetries = 9
	// DefaultAckTimeout is how long the engine waits for an acknowledgment
	// before retransmitting.
	DefaultAckTimeout = 3 * time.Second
)

// Transport carries packets to the peer. Send is fire-and-forget: the
// engine logs send errors and relies on the acknowledgment deadline. The
// engine calls Send with its lock held, so Send must not block on the peer
// or call back into the engine.
type Transport interface {
	Send(packet []byte) error
	Connected() bool
}

// Options tunes an Engine.
type Options struct {
	// FragmentSize is the payload size of one CHUNK. Zero means 20.
	FragmentSize int
	// MaxRetries bounds retransmissions of a single packet.
	MaxRetries int
	// AckTimeout is the per-packet acknowledgment deadline. Zero disables
	// timeout-driven retransmission and the engine waits forever.
	AckTimeout time.Duration
	// ValidateAck makes the engine compare the CHUNK_ACK byte with the low
	// byte of the fragment's CRC-32. When false every CHUNK_ACK is accepted,
	// which is what the card10 firmware expects.
	ValidateAck bool
	// Clock creates acknowledgment timers. Nil means SystemClock.
	Clock Clock
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		FragmentSize: chunker.DefaultFragmentSize,
		MaxRetries:   DefaultMaxRetries,
		AckTimeout:   DefaultAckTimeout,
	}
}

// session is the per-transfer data. It exists exactly while the engine is
// not Idle.
type session struct {
	id         string
	generation uint64
	filename   string
	chunker    *chunker.Chunker
	progress   float64
}

// Engine drives one transfer at a time over a Transport.
type Engine struct {
	mu         sync.Mutex
	transport  Transport
	opts       Options
	clock      Clock
	observers  observerList
	state      State
	session    *session
	generation uint64

	timer    Timer
	timerSeq uint64

	// errorsInFlight counts ERROR packets this side sent that the peer has
	// not acknowledged yet.
	errorsInFlight int
}

// NewEngine creates an idle engine sending through t.
func NewEngine(t Transport, opts Options) *Engine {
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = chunker.DefaultFragmentSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	return &Engine{
		transport: t,
		opts:      opts,
		clock:     clock,
		state:     Idle{},
	}
}

// batch collects observer callbacks produced under the engine lock so that
// they run, in order, after the lock is released. Packets are not batched:
// they go out under the lock, in the order the state machine produced them.
type batch struct {
	actions []func()
}

func (b *batch) add(f func()) { b.actions = append(b.actions, f) }

func (b *batch) run() {
	for _, f := range b.actions {
		f()
	}
}

// State returns the kind of the current state.
func (e *Engine) State() StateKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Kind()
}

// Busy reports whether a transfer is running.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Generation returns the number of transfers started so far. Timer
// callbacks and late packets are checked against it.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

// Start begins sending data under filename. It returns ErrBusy without any
// notification when a transfer is already running. A missing link or an
// unusable filename is reported to observers and returned.
func (e *Engine) Start(data []byte, filename string) error {
	var b batch
	err := e.start(&b, data, filename)
	b.run()
	return err
}

func (e *Engine) start(b *batch, data []byte, filename string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "Start",
			"file_name":     filename,
			"current_state": e.state.Kind(),
		}).Warn("Rejecting start while a transfer is running")
		return ErrBusy
	}

	if err := protocol.ValidFilename(filename); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidFilename, err)
		e.notifyFailed(b, err)
		return err
	}

	if e.transport == nil || !e.transport.Connected() {
		logrus.WithFields(logrus.Fields{
			"function":  "Start",
			"file_name": filename,
		}).Error("Cannot start transfer without a connected link")
		e.notifyFailed(b, ErrNoLink)
		return ErrNoLink
	}

	e.generation++
	e.session = &session{
		id:         uuid.NewString(),
		generation: e.generation,
		filename:   filename,
		chunker:    chunker.New(data, e.opts.FragmentSize),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"transfer":   e.session.id,
		"generation": e.generation,
		"file_name":  filename,
		"file_size":  len(data),
	}).Info("Starting file transfer")

	e.send(protocol.Start(filename))
	e.enter(b, AwaitingStartAck{Filename: filename})
	e.arm()
	return nil
}

// Abort cancels the running transfer: the peer is told with ERROR, observers
// get ErrAborted and anything still arriving for this transfer is ignored.
// It reports whether a transfer was running.
func (e *Engine) Abort() bool {
	var b batch
	aborted := e.abort(&b)
	b.run()
	return aborted
}

func (e *Engine) abort(b *batch) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return false
	}

	logrus.WithFields(logrus.Fields{
		"function": "Abort",
		"transfer": e.session.id,
		"state":    e.state.Kind(),
	}).Info("Aborting file transfer")

	e.sendError()
	e.fail(b, ErrAborted)
	return true
}

// HandlePacket processes one packet delivered by the transport.
func (e *Engine) HandlePacket(raw []byte) {
	var b batch
	e.handlePacket(&b, raw)
	b.run()
}

func (e *Engine) handlePacket(b *batch, raw []byte) {
	p, err := protocol.Decode(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandlePacket",
			"length":   len(raw),
			"error":    err.Error(),
		}).Warn("Ignoring malformed packet")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch p.Type {
	case protocol.TypeStartAck:
		e.onStartAck(b)
	case protocol.TypeChunkAck:
		e.onChunkAck(b, p.Ack)
	case protocol.TypeFinishAck:
		e.onFinishAck(b)
	case protocol.TypeError:
		e.onPeerError(b, p.Message)
	case protocol.TypeErrorAck:
		e.onErrorAck(b)
	case protocol.TypeStart, protocol.TypeChunk, protocol.TypeFinish:
		// Receiver-bound packets; this side never acts on them.
		e.ignore(p.Type)
	}
}

func (e *Engine) onStartAck(b *batch) {
	if _, ok := e.state.(AwaitingStartAck); !ok {
		e.ignore(protocol.TypeStartAck)
		return
	}
	e.disarm()

	e.state = ReadyToSend{}
	fragment, offset, ok := e.session.chunker.Next()
	if !ok {
		e.sendError()
		e.fail(b, ErrEmptySource)
		return
	}
	e.sendChunk(b, fragment, offset)
}

func (e *Engine) onChunkAck(b *batch, ack byte) {
	st, ok := e.state.(AwaitingChunkAck)
	if !ok {
		e.ignore(protocol.TypeChunkAck)
		return
	}
	e.disarm()

	if e.opts.ValidateAck && ack != checksum.AckByte(st.Fragment) {
		logrus.WithFields(logrus.Fields{
			"function": "onChunkAck",
			"transfer": e.session.id,
			"offset":   st.Offset,
			"ack":      ack,
			"expected": checksum.AckByte(st.Fragment),
			"retries":  st.Retries,
		}).Warn("Chunk acknowledgment failed validation")
		e.retryChunk(b, st)
		return
	}

	e.reportProgress(b)

	if len(st.Fragment) < e.session.chunker.Size() {
		e.sendFinish(b)
		return
	}
	fragment, offset, ok := e.session.chunker.Next()
	if !ok {
		// The source ended exactly on a fragment boundary.
		e.sendFinish(b)
		return
	}
	e.sendChunk(b, fragment, offset)
}

func (e *Engine) onFinishAck(b *batch) {
	if _, ok := e.state.(AwaitingFinishAck); !ok {
		e.ignore(protocol.TypeFinishAck)
		return
	}
	e.disarm()

	logrus.WithFields(logrus.Fields{
		"function":  "onFinishAck",
		"transfer":  e.session.id,
		"file_name": e.session.filename,
		"file_size": e.session.chunker.Len(),
	}).Info("File transfer completed successfully")

	e.session = nil
	e.enter(b, Idle{})
	e.notify(b, func(o Observer) { o.OnFinished() })
}

func (e *Engine) onPeerError(b *batch, message string) {
	e.send(protocol.ErrorAck())

	if e.session == nil {
		logrus.WithFields(logrus.Fields{
			"function": "onPeerError",
			"message":  message,
		}).Warn("Peer reported an error while idle")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onPeerError",
		"transfer": e.session.id,
		"state":    e.state.Kind(),
		"message":  message,
	}).Error("Peer reported an error")
	e.fail(b, &PeerError{Message: message})
}

func (e *Engine) onErrorAck(b *batch) {
	if e.errorsInFlight > 0 {
		e.errorsInFlight--
		logrus.WithFields(logrus.Fields{
			"function": "onErrorAck",
			"pending":  e.errorsInFlight,
		}).Debug("Peer acknowledged our error")
		return
	}
	if e.session == nil {
		logrus.WithFields(logrus.Fields{
			"function": "onErrorAck",
		}).Debug("Ignoring unsolicited error acknowledgment")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "onErrorAck",
		"transfer": e.session.id,
		"state":    e.state.Kind(),
	}).Warn("Peer reset the running transfer")
	e.fail(b, ErrPeerReset)
}

// onAckTimeout runs on a timer goroutine.
func (e *Engine) onAckTimeout(seq, generation uint64) {
	var b batch
	e.mu.Lock()

	if e.session == nil || e.session.generation != generation || e.timerSeq != seq {
		e.mu.Unlock()
		return
	}
	e.timer = nil

	logrus.WithFields(logrus.Fields{
		"function": "onAckTimeout",
		"transfer": e.session.id,
		"state":    e.state.Kind(),
		"timeout":  e.opts.AckTimeout,
	}).Warn("Acknowledgment deadline passed")

	switch st := e.state.(type) {
	case AwaitingStartAck:
		if e.exhausted(&b, st.Retries) {
			break
		}
		st.Retries++
		e.send(protocol.Start(st.Filename))
		e.state = st
		e.arm()
	case AwaitingChunkAck:
		e.retryChunk(&b, st)
	case AwaitingFinishAck:
		if e.exhausted(&b, st.Retries) {
			break
		}
		st.Retries++
		e.send(protocol.Finish())
		e.state = st
		e.arm()
	case Idle, ReadyToSend:
	}

	e.mu.Unlock()
	b.run()
}

func (e *Engine) sendChunk(b *batch, fragment []byte, pos int) {
	offset, err := protocol.Offset(pos)
	if err != nil {
		e.sendError()
		e.fail(b, err)
		return
	}
	e.send(protocol.Chunk(offset, fragment))
	e.enter(b, AwaitingChunkAck{Offset: offset, Fragment: fragment})
	e.arm()
}

func (e *Engine) retryChunk(b *batch, st AwaitingChunkAck) {
	if e.exhausted(b, st.Retries) {
		return
	}
	st.Retries++

	logrus.WithFields(logrus.Fields{
		"function": "retryChunk",
		"transfer": e.session.id,
		"offset":   st.Offset,
		"attempt":  st.Retries,
	}).Debug("Retransmitting chunk")

	e.send(protocol.Chunk(st.Offset, st.Fragment))
	e.state = st
	e.arm()
}

// exhausted aborts the transfer when retries has reached the budget.
func (e *Engine) exhausted(b *batch, retries int) bool {
	if retries < e.opts.MaxRetries {
		return false
	}
	logrus.WithFields(logrus.Fields{
		"function": "exhausted",
		"transfer": e.session.id,
		"state":    e.state.Kind(),
		"retries":  retries,
	}).Error("Giving up after maximum retries")

	e.sendError()
	e.fail(b, fmt.Errorf("%w after %d attempts in %s", ErrRetriesExhausted, retries, e.state.Kind()))
	return true
}

func (e *Engine) sendFinish(b *batch) {
	e.send(protocol.Finish())
	e.enter(b, AwaitingFinishAck{})
	e.arm()
}

func (e *Engine) reportProgress(b *batch) {
	s := e.session
	ratio := 1.0
	if total := s.chunker.Len(); total > 0 {
		ratio = min(float64(s.chunker.Offset())/float64(total), 1.0)
	}
	if ratio < s.progress {
		return
	}
	s.progress = ratio
	e.notify(b, func(o Observer) { o.OnProgress(ratio) })
}

// fail ends the running transfer with err. The session is cleared before
// any observer runs.
func (e *Engine) fail(b *batch, err error) {
	e.disarm()
	if e.session != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "fail",
			"transfer":  e.session.id,
			"file_name": e.session.filename,
			"error":     err.Error(),
		}).Error("File transfer failed")
	}
	e.session = nil
	e.enter(b, Idle{})
	e.notifyFailed(b, err)
}

func (e *Engine) enter(b *batch, next State) {
	prev := e.state
	e.state = next
	if !entersNewState(prev, next) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "enter",
		"from":     prev.Kind(),
		"to":       next.Kind(),
	}).Debug("Transfer state changed")

	kind := next.Kind()
	e.notify(b, func(o Observer) { o.OnStateChanged(kind) })
}

func (e *Engine) send(p protocol.Packet) {
	if err := e.transport.Send(protocol.Encode(p)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"type":     p.Type,
			"error":    err.Error(),
		}).Warn("Failed to send packet")
	}
}

// sendError tells the peer this side gave up. The ERROR_ACK it answers with
// is expected and must not reset a transfer started in the meantime.
func (e *Engine) sendError() {
	e.errorsInFlight++
	e.send(protocol.Error(""))
}

func (e *Engine) notify(b *batch, fn func(Observer)) {
	observers := e.observers.snapshot()
	b.add(func() {
		for _, o := range observers {
			fn(o)
		}
	})
}

func (e *Engine) notifyFailed(b *batch, err error) {
	e.notify(b, func(o Observer) { o.OnFailed(err) })
}

func (e *Engine) ignore(t protocol.Type) {
	logrus.WithFields(logrus.Fields{
		"function": "HandlePacket",
		"type":     t,
		"state":    e.state.Kind(),
	}).Debug("Ignoring packet that does not fit the current state")
}

// arm starts the acknowledgment deadline for the packet just sent.
func (e *Engine) arm() {
	e.disarm()
	if e.opts.AckTimeout <= 0 || e.session == nil {
		return
	}
	e.timerSeq++
	seq, generation := e.timerSeq, e.session.generation
	e.timer = e.clock.AfterFunc(e.opts.AckTimeout, func() {
		e.onAckTimeout(seq, generation)
	})
}

func (e *Engine) disarm() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
