package transfer

// StateKind names a TransferState without its per-state data. It is what
// observers and logs see.
type StateKind int

const (
	StateIdle StateKind = iota
	StateAwaitingStartAck
	// StateReadyToSend is transient: the engine passes through it while
	// handling START_ACK and observers never see it.
	StateReadyToSend
	StateAwaitingChunkAck
	StateAwaitingFinishAck
)

// String returns the string representation of StateKind
func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "Idle"
	case StateAwaitingStartAck:
		return "AwaitingStartAck"
	case StateReadyToSend:
		return "ReadyToSend"
	case StateAwaitingChunkAck:
		return "AwaitingChunkAck"
	case StateAwaitingFinishAck:
		return "AwaitingFinishAck"
	default:
		return "Unknown"
	}
}

// State is the engine's current protocol state. The set of implementations
// is closed; each carries exactly the data that is live in that state.
type State interface {
	Kind() StateKind
	isState()
}

// Idle means no transfer is running.
type Idle struct{}

// AwaitingStartAck means START was sent and the peer has not answered.
type AwaitingStartAck struct {
	Filename string
	Retries  int
}

// ReadyToSend means START_ACK arrived and the first fragment is being pulled.
type ReadyToSend struct{}

// AwaitingChunkAck means exactly one fragment is in flight.
type AwaitingChunkAck struct {
	Offset   uint32
	Fragment []byte
	Retries  int
}

// AwaitingFinishAck means FINISH was sent after the last fragment.
type AwaitingFinishAck struct {
	Retries int
}

func (Idle) Kind() StateKind              { return StateIdle }
func (AwaitingStartAck) Kind() StateKind  { return StateAwaitingStartAck }
func (ReadyToSend) Kind() StateKind       { return StateReadyToSend }
func (AwaitingChunkAck) Kind() StateKind  { return StateAwaitingChunkAck }
func (AwaitingFinishAck) Kind() StateKind { return StateAwaitingFinishAck }

func (Idle) isState()              {}
func (AwaitingStartAck) isState()  {}
func (ReadyToSend) isState()       {}
func (AwaitingChunkAck) isState()  {}
func (AwaitingFinishAck) isState() {}

// entersNewState reports whether moving from prev to next is a transition
// observers should hear about. Every new fragment counts; a retransmission
// of the same fragment does not.
func entersNewState(prev, next State) bool {
	if prev.Kind() != next.Kind() {
		return true
	}
	p, ok := prev.(AwaitingChunkAck)
	if !ok {
		return false
	}
	n := next.(AwaitingChunkAck)
	return p.Offset != n.Offset
}
