package audio

import (
	"encoding/binary"
	"math"
	"os"
	"sync"
	"time"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

// FakeContext replays PCM through capture devices and swallows playback.
// It counts active captures and playbacks so tests can assert exclusivity.
type FakeContext struct {
	pcm      []byte
	realtime bool

	// PadSilence keeps delivering silent frames after the clip ends.
	PadSilence bool
	// StartErr, when set, is returned by every capture Start.
	StartErr error

	mu            sync.Mutex
	active        int
	maxActive     int
	starts        int
	playing       int
	maxPlaying    int
	samplesPlayed int
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime}, nil
}

func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, cfg CaptureConfig) (CaptureDevice, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}
	return &FakeCapture{
		ctx:        f,
		pcm:        f.pcm,
		realtime:   f.realtime,
		sampleRate: sr,
		audioDone:  make(chan struct{}),
	}, nil
}

func (f *FakeContext) NewPlayback(cfg PlaybackConfig) (PlaybackDevice, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 16000
	}
	return &FakePlayback{ctx: f, sampleRate: sr, realtime: f.realtime}, nil
}

// ActiveCaptures is the number of captures currently started.
func (f *FakeContext) ActiveCaptures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// MaxActiveCaptures is the highest ActiveCaptures value ever observed.
func (f *FakeContext) MaxActiveCaptures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Starts counts successful capture starts.
func (f *FakeContext) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *FakeContext) MaxActivePlaybacks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPlaying
}

func (f *FakeContext) SamplesPlayed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samplesPlayed
}

func (f *FakeContext) captureStarted() {
	f.mu.Lock()
	f.active++
	f.starts++
	f.maxActive = max(f.maxActive, f.active)
	f.mu.Unlock()
}

func (f *FakeContext) captureStopped() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

type FakeCapture struct {
	ctx        *FakeContext
	pcm        []byte
	realtime   bool
	sampleRate uint32
	audioDone  chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	running  bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioDone
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	if err := f.ctx.StartErr; err != nil {
		return err
	}
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stopCh, feedDone, audioDone := f.stopCh, f.feedDone, f.audioDone
	f.mu.Unlock()
	f.ctx.captureStarted()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(f.sampleRate)
	if !f.realtime {
		interval = time.Millisecond
	}

	go func() {
		defer close(feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		audioFinished := false
		for {
			select {
			case <-stopCh:
				return
			default:
			}

			if cb := f.callback(); cb == nil {
				time.Sleep(time.Millisecond)
				continue
			} else if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
				if !f.realtime {
					continue
				}
			} else {
				if !audioFinished {
					audioFinished = true
					close(audioDone)
				}
				if f.ctx.PadSilence {
					cb(silence, fakeFrameSize)
				}
			}

			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	feedDone := f.feedDone
	f.mu.Unlock()

	<-feedDone
	f.ctx.captureStopped()

	f.mu.Lock()
	f.audioDone = make(chan struct{}) // reset for replay
	f.mu.Unlock()
}

func (f *FakeCapture) Close() { f.Stop() }

// FakePlayback pulls samples from the fill callback in 100ms blocks, paced
// in real time when the context is realtime.
type FakePlayback struct {
	ctx        *FakeContext
	sampleRate uint32
	realtime   bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (p *FakePlayback) Start(fill FillCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return nil
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done

	p.ctx.mu.Lock()
	p.ctx.playing++
	p.ctx.maxPlaying = max(p.ctx.maxPlaying, p.ctx.playing)
	p.ctx.mu.Unlock()

	block := int(p.sampleRate / 10)
	interval := 100 * time.Millisecond
	if !p.realtime {
		interval = time.Millisecond
	}
	go func() {
		defer close(done)
		buf := make([]int16, block)
		for {
			n := fill(buf)
			p.ctx.mu.Lock()
			p.ctx.samplesPlayed += n
			p.ctx.mu.Unlock()
			if n < len(buf) {
				<-stop
				return
			}
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (p *FakePlayback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop, p.done = nil, nil

	p.ctx.mu.Lock()
	p.ctx.playing--
	p.ctx.mu.Unlock()
}

func (p *FakePlayback) Close() { p.Stop() }

// Tone returns d of a 440 Hz sine at the given amplitude in [0,1] as
// 16-bit mono PCM. Amplitude 0 yields silence.
func Tone(d time.Duration, amplitude float64, sampleRate int) []byte {
	n := int(d.Seconds() * float64(sampleRate))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(sampleRate)
		s := int16(math.Sin(2*math.Pi*440*t) * 32767 * amplitude)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
