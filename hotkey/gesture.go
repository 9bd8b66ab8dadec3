package hotkey

import (
	"sync"
	"sync/atomic"
	"time"
)

type GestureKind int

const (
	// GestureHold starts a recording.
	GestureHold GestureKind = iota
	// GestureRelease ends it.
	GestureRelease
)

func (k GestureKind) String() string {
	if k == GestureRelease {
		return "release"
	}
	return "hold"
}

// GestureEvent is one step of a press-and-hold gesture. Latched is set on
// a release that ends a latched recording.
type GestureEvent struct {
	Kind    GestureKind
	Latched bool
}

// Gesture turns raw key presses into hold and release events. Every press
// emits Hold at once. Holding for at least latchBelow releases on key up.
// A shorter tap latches the recording until the next press is released.
// With latchBelow <= 0 every key up releases.
type Gesture struct {
	events  chan GestureEvent
	latched atomic.Bool
	stop    chan struct{}
	once    sync.Once
}

func NewGesture(hk Hotkey, latchBelow time.Duration) *Gesture {
	g := &Gesture{
		events: make(chan GestureEvent, 4),
		stop:   make(chan struct{}),
	}
	go g.run(hk, latchBelow)
	return g
}

func (g *Gesture) Events() <-chan GestureEvent { return g.events }

// Latched reports whether a tap is holding the recording open.
func (g *Gesture) Latched() bool { return g.latched.Load() }

func (g *Gesture) Close() { g.once.Do(func() { close(g.stop) }) }

func (g *Gesture) run(hk Hotkey, latchBelow time.Duration) {
	for {
		if !g.wait(hk.Keydown()) || !g.send(GestureEvent{Kind: GestureHold}) {
			return
		}
		if latchBelow <= 0 {
			if !g.wait(hk.Keyup()) || !g.send(GestureEvent{Kind: GestureRelease}) {
				return
			}
			continue
		}

		timer := time.NewTimer(latchBelow)
		select {
		case <-g.stop:
			timer.Stop()
			return
		case <-timer.C:
			if !g.wait(hk.Keyup()) || !g.send(GestureEvent{Kind: GestureRelease}) {
				return
			}
		case <-hk.Keyup():
			timer.Stop()
			g.latched.Store(true)
			ok := g.wait(hk.Keydown()) && g.wait(hk.Keyup())
			g.latched.Store(false)
			if !ok || !g.send(GestureEvent{Kind: GestureRelease, Latched: true}) {
				return
			}
		}
	}
}

func (g *Gesture) wait(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-g.stop:
		return false
	}
}

func (g *Gesture) send(ev GestureEvent) bool {
	select {
	case <-g.stop:
		return false
	default:
	}
	select {
	case g.events <- ev:
		return true
	case <-g.stop:
		return false
	}
}
