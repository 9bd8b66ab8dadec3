package hotkey

import "encoding/binary"

// Linux input event layout and key codes from linux/input-event-codes.h.
const (
	inputEventSize = 24

	evKey      = 1
	keyRelease = 0
	keyPress   = 1

	keyLCtrl  = 29
	keyRCtrl  = 97
	keyLShift = 42
	keyRShift = 54
	keySpace  = 57
)

type inputEvent struct {
	typ   uint16
	code  uint16
	value int32
}

// decodeEvents splits a read from an evdev node into events. A trailing
// partial event is ignored.
func decodeEvents(buf []byte) []inputEvent {
	events := make([]inputEvent, 0, len(buf)/inputEventSize)
	for i := 0; i+inputEventSize <= len(buf); i += inputEventSize {
		events = append(events, inputEvent{
			typ:   binary.LittleEndian.Uint16(buf[i+16:]),
			code:  binary.LittleEndian.Uint16(buf[i+18:]),
			value: int32(binary.LittleEndian.Uint32(buf[i+20:])),
		})
	}
	return events
}

// comboTracker follows modifier state across key events and reports
// transitions of the Ctrl+Shift+Space combination. Auto-repeat events
// (value 2) keep the current state.
type comboTracker struct {
	ctrl, shift, held bool
}

func (t *comboTracker) feed(ev inputEvent) (down, up bool) {
	if ev.typ != evKey {
		return false, false
	}
	pressed := ev.value == keyPress
	released := ev.value == keyRelease

	switch ev.code {
	case keyLCtrl, keyRCtrl:
		t.ctrl = pressed || (!released && t.ctrl)
	case keyLShift, keyRShift:
		t.shift = pressed || (!released && t.shift)
	case keySpace:
		if pressed && !t.held && t.ctrl && t.shift {
			t.held = true
			return true, false
		}
		if released && t.held {
			t.held = false
			return false, true
		}
	}
	return false, false
}
