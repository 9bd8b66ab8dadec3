package audio

import (
	"errors"
	"strings"
)

const WAVHeaderSize = 44

var (
	// ErrPermissionDenied is returned when the microphone consent is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrEngineFailure wraps hardware or session setup failures.
	ErrEngineFailure = errors.New("audio engine failure")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives little-endian signed 16-bit PCM frames.
type DataCallback func(data []byte, frameCount uint32)

// FillCallback writes up to len(out) samples and returns how many it wrote.
// Returning fewer than len(out) signals end of data; the rest is silence.
type FillCallback func(out []int16) int

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type PlaybackConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewPlayback(config PlaybackConfig) (PlaybackDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// PlaybackDevice renders mono PCM pulled from a FillCallback. Stop halts
// rendering and blocks until the callback is no longer invoked; a stopped
// device may be started again.
type PlaybackDevice interface {
	Start(fill FillCallback) error
	Stop()
	Close()
}
