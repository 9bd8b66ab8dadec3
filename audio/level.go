package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	// LevelFloor keeps silent frames visible in a waveform.
	LevelFloor = 0.02
	levelMinDB = -50.0
)

// RMS returns the root mean square of 16-bit PCM, scaled to [0,1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// NormalizeLevel maps a linear RMS value onto [floor,1] using a decibel
// scale from -50 dBFS to 0 dBFS.
func NormalizeLevel(rms, floor float64) float64 {
	if rms <= 0 {
		return floor
	}
	db := 20 * math.Log10(rms)
	v := (db - levelMinDB) / -levelMinDB
	if v < floor {
		return floor
	}
	if v > 1 {
		return 1
	}
	return v
}

// Meter tracks the most recent audio power and the number of frames seen.
// It is written from the capture callback and read by samplers.
type Meter struct {
	mu     sync.Mutex
	peak   float64
	last   float64
	frames uint64
}

func (m *Meter) Observe(pcm []byte, frameCount uint32) {
	rms := RMS(pcm)
	m.mu.Lock()
	m.last = rms
	if rms > m.peak {
		m.peak = rms
	}
	m.frames += uint64(frameCount)
	m.mu.Unlock()
}

// Read returns the loudest RMS since the previous Read and resets it.
func (m *Meter) Read() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.peak
	if v == 0 {
		v = m.last
	}
	m.peak = 0
	return v
}

func (m *Meter) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}
