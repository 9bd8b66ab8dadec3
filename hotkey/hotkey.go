// Package hotkey reports presses of the global record key.
package hotkey

// Combo is the key combination every backend listens for.
const Combo = "Ctrl+Shift+Space"

// Hotkey delivers one Keydown per press and one Keyup per release.
type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
