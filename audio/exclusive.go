package audio

import "sync"

// Holder is a capture session that can be told to give up the input path.
// ForceStop must be safe to call more than once and must not return until
// the hardware is released.
type Holder interface {
	ForceStop()
}

// Exclusive arbitrates a process-wide hardware path. Acquire stops the
// previous holder before the new one starts, so two holders never overlap.
type Exclusive struct {
	acquireMu sync.Mutex

	mu     sync.Mutex
	holder Holder
}

// Input is the microphone path shared by the recorder and the transcription
// engine.
var Input = &Exclusive{}

// Acquire force-stops the current holder, then runs start with h as the
// new holder. If start fails the path is left free. Callers must not hold
// locks that their own ForceStop needs.
func (e *Exclusive) Acquire(h Holder, start func() error) error {
	e.acquireMu.Lock()
	defer e.acquireMu.Unlock()

	e.mu.Lock()
	prev := e.holder
	e.mu.Unlock()
	if prev != nil && prev != h {
		prev.ForceStop()
	}

	e.mu.Lock()
	e.holder = h
	e.mu.Unlock()

	if start == nil {
		return nil
	}
	if err := start(); err != nil {
		e.Release(h)
		return err
	}
	return nil
}

// Release frees the path if h still holds it.
func (e *Exclusive) Release(h Holder) {
	e.mu.Lock()
	if e.holder == h {
		e.holder = nil
	}
	e.mu.Unlock()
}

// Holder returns the current holder or nil.
func (e *Exclusive) Holder() Holder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holder
}

// StopAll force-stops whoever holds the path.
func (e *Exclusive) StopAll() {
	e.acquireMu.Lock()
	defer e.acquireMu.Unlock()
	e.mu.Lock()
	prev := e.holder
	e.mu.Unlock()
	if prev != nil {
		prev.ForceStop()
	}
	e.Release(prev)
}
