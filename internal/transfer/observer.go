package transfer

import "sync"

// Observer is told about the lifecycle of every transfer an engine runs.
// Callbacks are invoked without the engine lock held, so they may call back
// into the engine (for example to Start the next file from OnFinished).
type Observer interface {
	OnStateChanged(state StateKind)
	OnProgress(ratio float64)
	OnFinished()
	OnFailed(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	StateChanged func(StateKind)
	Progress     func(float64)
	Finished     func()
	Failed       func(error)
}

func (f ObserverFuncs) OnStateChanged(state StateKind) {
	if f.StateChanged != nil {
		f.StateChanged(state)
	}
}

func (f ObserverFuncs) OnProgress(ratio float64) {
	if f.Progress != nil {
		f.Progress(ratio)
	}
}

func (f ObserverFuncs) OnFinished() {
	if f.Finished != nil {
		f.Finished()
	}
}

func (f ObserverFuncs) OnFailed(err error) {
	if f.Failed != nil {
		f.Failed(err)
	}
}

type observerEntry struct {
	id       int
	observer Observer
}

// observerList is guarded by the engine mutex.
type observerList struct {
	nextID  int
	entries []observerEntry
}

func (l *observerList) add(o Observer) int {
	l.nextID++
	l.entries = append(l.entries, observerEntry{id: l.nextID, observer: o})
	return l.nextID
}

func (l *observerList) remove(id int) {
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *observerList) snapshot() []Observer {
	out := make([]Observer, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.observer
	}
	return out
}

// Subscribe registers o and returns the function that removes it again.
// Calling the returned function more than once is harmless.
func (e *Engine) Subscribe(o Observer) (unsubscribe func()) {
	e.mu.Lock()
	id := e.observers.add(o)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.observers.remove(id)
			e.mu.Unlock()
		})
	}
}
