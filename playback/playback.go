// Package playback plays finished recordings through the shared output
// device. Only one Controller is audible at a time.
package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"murmur/audio"
	"murmur/encoder"
	"murmur/log"
)

// ProgressInterval is how often a playing controller reports its position.
const ProgressInterval = 100 * time.Millisecond

var decodeFile = encoder.DecodeFile

type EventKind int

const (
	EventProgress EventKind = iota
	EventPlayedToEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventPlayedToEnd:
		return "played_to_end"
	case EventError:
		return "error"
	}
	return "unknown"
}

type Event struct {
	Kind      EventKind
	Path      string
	Position  time.Duration
	Remaining time.Duration
	Fraction  float64
	Err       error
}

// Status is a point-in-time view of a controller.
type Status struct {
	Path     string
	Ready    bool
	Playing  bool
	Position time.Duration
	Duration time.Duration
}

type Controller struct {
	actx  audio.Context
	coord *Coordinator
	id    uint64

	// opMu serializes public operations; mu guards state and is the only
	// lock yield takes.
	opMu sync.Mutex

	mu            sync.Mutex
	path          string
	pcm           *encoder.PCM
	ready         bool
	loadGen       uint64
	playWhenReady bool
	pendingSeek   float64
	playing       bool
	playGen       uint64
	dev           audio.PlaybackDevice
	closed        bool

	pos atomic.Int64

	emitMu   sync.Mutex
	events   chan Event
	evClosed bool
}

// New returns a controller registered with coord; nil means Default.
func New(actx audio.Context, coord *Coordinator) *Controller {
	if coord == nil {
		coord = Default
	}
	c := &Controller{
		actx:        actx,
		coord:       coord,
		pendingSeek: -1,
		events:      make(chan Event, 64),
	}
	c.id = coord.register(c)
	return c
}

// Events delivers progress and completion. Progress is dropped when the
// consumer falls behind. The channel is closed by Close.
func (c *Controller) Events() <-chan Event { return c.events }

// Play starts or resumes path. A different path than the loaded one is
// decoded asynchronously; playback begins once it is ready unless Pause
// is called first.
func (c *Controller) Play(path string) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.playLocked(path)
}

// playLocked is Play with opMu held.
func (c *Controller) playLocked(path string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if path != c.path {
		c.unloadLocked()
		c.path = path
		c.loadGen++
		go c.load(c.loadGen, path)
		log.Playback("load", path, 0)
	}
	c.playWhenReady = true
	start := c.ready && !c.playing
	c.mu.Unlock()

	if start {
		c.start()
	}
}

// Pause stops output and keeps the position.
func (c *Controller) Pause() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.yield()
}

// Toggle pauses when playback is intended, resumes otherwise.
func (c *Controller) Toggle() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	playing := c.playWhenReady
	path := c.path
	c.mu.Unlock()

	if playing {
		c.yield()
	} else if path != "" {
		c.playLocked(path)
	}
}

// Seek moves to fraction of the duration. Before the recording is decoded
// the seek is remembered and applied on readiness.
func (c *Controller) Seek(fraction float64) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	fraction = min(max(fraction, 0), 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.pendingSeek = fraction
		return
	}
	c.seekLocked(fraction)
	c.emit(c.progressLocked())
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Path: c.path, Ready: c.ready, Playing: c.playing}
	if c.pcm != nil {
		st.Duration = c.pcm.Duration()
		st.Position = c.position()
	}
	return st
}

// Close stops playback, leaves the coordinator and closes Events.
func (c *Controller) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.unloadLocked()
	c.mu.Unlock()

	c.coord.unregister(c.id)
	c.emitMu.Lock()
	c.evClosed = true
	close(c.events)
	c.emitMu.Unlock()
}

func (c *Controller) load(gen uint64, path string) {
	pcm, err := decodeFile(path)

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed || gen != c.loadGen {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.path = ""
		c.playWhenReady = false
		c.pendingSeek = -1
		c.mu.Unlock()
		log.Errorf("playback: %v", err)
		c.emit(Event{Kind: EventError, Path: path, Err: err})
		return
	}
	c.pcm = pcm
	c.ready = true
	if c.pendingSeek >= 0 {
		c.seekLocked(c.pendingSeek)
		c.pendingSeek = -1
	}
	start := c.playWhenReady
	if !start {
		c.emit(c.progressLocked())
	}
	c.mu.Unlock()

	if start {
		c.start()
	}
}

// start claims the output path and opens the device. Called with opMu
// held and mu released.
func (c *Controller) start() {
	c.coord.Claim(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.ready || !c.playWhenReady || c.playing {
		return
	}
	if int(c.pos.Load()) >= len(c.pcm.Samples) {
		c.pos.Store(0)
	}

	dev, err := c.actx.NewPlayback(audio.PlaybackConfig{SampleRate: c.pcm.SampleRate, Channels: 1})
	if err != nil {
		c.playWhenReady = false
		c.emit(Event{Kind: EventError, Path: c.path, Err: err})
		return
	}
	ended := make(chan struct{}, 1)
	if err := dev.Start(c.filler(c.pcm.Samples, ended)); err != nil {
		dev.Close()
		c.playWhenReady = false
		c.emit(Event{Kind: EventError, Path: c.path, Err: err})
		return
	}
	c.dev = dev
	c.playing = true
	c.playGen++
	go c.tick(c.playGen, ended)
	log.Playback("play", c.path, c.position())
}

// filler runs on the device thread and touches only the atomic position.
func (c *Controller) filler(samples []int16, ended chan<- struct{}) audio.FillCallback {
	return func(out []int16) int {
		for {
			p := c.pos.Load()
			if int(p) >= len(samples) {
				select {
				case ended <- struct{}{}:
				default:
				}
				return 0
			}
			n := copy(out, samples[p:])
			if c.pos.CompareAndSwap(p, p+int64(n)) {
				if n < len(out) {
					select {
					case ended <- struct{}{}:
					default:
					}
				}
				return n
			}
			// a seek moved the position; copy again from there
		}
	}
}

func (c *Controller) tick(gen uint64, ended <-chan struct{}) {
	ticker := time.NewTicker(ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if gen != c.playGen || !c.playing {
				c.mu.Unlock()
				return
			}
			c.emit(c.progressLocked())
			c.mu.Unlock()
		case <-ended:
			c.finish(gen)
			return
		}
	}
}

// finish handles end-of-media: rewind and report, no replay.
func (c *Controller) finish(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.playGen || !c.playing {
		return
	}
	c.stopDeviceLocked()
	c.playWhenReady = false
	c.pos.Store(0)
	c.emit(Event{Kind: EventPlayedToEnd, Path: c.path, Remaining: c.pcm.Duration()})
	c.emit(c.progressLocked())
	log.Playback("end", c.path, 0)
}

// yield is the coordinator's pause. It takes only mu so it can be called
// while another controller is mid-operation.
func (c *Controller) yield() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playWhenReady = false
	if !c.playing {
		return
	}
	c.stopDeviceLocked()
	c.emit(c.progressLocked())
	log.Playback("pause", c.path, c.position())
}

func (c *Controller) stopDeviceLocked() {
	if c.dev != nil {
		c.dev.Stop()
		c.dev.Close()
		c.dev = nil
	}
	c.playing = false
	c.playGen++
}

func (c *Controller) unloadLocked() {
	c.stopDeviceLocked()
	c.path = ""
	c.pcm = nil
	c.ready = false
	c.playWhenReady = false
	c.pendingSeek = -1
	c.pos.Store(0)
}

func (c *Controller) seekLocked(fraction float64) {
	c.pos.Store(int64(fraction * float64(len(c.pcm.Samples))))
}

func (c *Controller) position() time.Duration {
	if c.pcm == nil || c.pcm.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.pos.Load()) * time.Second / time.Duration(c.pcm.SampleRate)
}

func (c *Controller) progressLocked() Event {
	ev := Event{Kind: EventProgress, Path: c.path}
	if c.pcm == nil {
		return ev
	}
	total := c.pcm.Duration()
	ev.Position = min(c.position(), total)
	ev.Remaining = total - ev.Position
	if n := len(c.pcm.Samples); n > 0 {
		ev.Fraction = min(float64(c.pos.Load())/float64(n), 1)
	}
	return ev
}

func (c *Controller) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}
