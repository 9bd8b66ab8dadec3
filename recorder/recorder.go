// Package recorder captures the microphone to a FLAC file and reports
// duration and waveform progress while it runs.
package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"murmur/audio"
	"murmur/encoder"
	"murmur/log"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultInterval   = 100 * time.Millisecond
	DefaultMaxSamples = 100
)

type Config struct {
	Dir        string
	Device     *audio.DeviceInfo
	Interval   time.Duration
	MaxSamples int
	Floor      float64
	// Input is the arbiter for the microphone path; nil means audio.Input.
	Input *audio.Exclusive
}

// Progress is a periodic report from an active recording.
type Progress struct {
	Duration time.Duration
	Samples  []float64
}

// Snapshot is the terminal state of a recording. Path is empty unless the
// file was closed successfully.
type Snapshot struct {
	Duration time.Duration
	Samples  []float64
	Path     string
}

type Recorder struct {
	ctx  audio.Context
	perm audio.Permission
	cfg  Config

	opMu sync.Mutex

	mu     sync.Mutex
	active *session
	last   Snapshot
}

func New(ctx audio.Context, perm audio.Permission, cfg Config) *Recorder {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultMaxSamples
	}
	if cfg.Floor <= 0 {
		cfg.Floor = audio.LevelFloor
	}
	if cfg.Input == nil {
		cfg.Input = audio.Input
	}
	if cfg.Dir == "" {
		cfg.Dir = os.TempDir()
	}
	return &Recorder{ctx: ctx, perm: perm, cfg: cfg}
}

// RequestPermission prompts once and afterwards returns the stored answer.
func (r *Recorder) RequestPermission(ctx context.Context) bool {
	ok, err := r.perm.Request(ctx)
	return ok && err == nil
}

// Handle identifies a running recording.
type Handle struct {
	s *session
}

func (h *Handle) Path() string { return h.s.path }

// Progress delivers reports in chronological order and is closed once the
// recording has fully stopped.
func (h *Handle) Progress() <-chan Progress { return h.s.progress }

// Done is closed after teardown, whether stopped by the owner or forced.
func (h *Handle) Done() <-chan struct{} { return h.s.done }

// Stop ends this recording and returns its snapshot. If the recording was
// already stopped, by the recorder or by another holder of the input
// path, it returns the snapshot taken then.
func (h *Handle) Stop() Snapshot {
	h.s.teardown()
	return h.s.snap
}

// Start begins a new recording. Any recording still running on this
// recorder, and any other holder of the input path, is stopped first.
func (r *Recorder) Start(ctx context.Context) (*Handle, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.perm.Status() != audio.PermissionGranted {
		return nil, audio.ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()
	if prev != nil {
		prev.teardown()
	}

	if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recordings dir: %w: %w", audio.ErrEngineFailure, err)
	}

	s := &session{
		r:        r,
		path:     filepath.Join(r.cfg.Dir, ulid.Make().String()+encoder.Extension),
		progress: make(chan Progress, 16),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := r.cfg.Input.Acquire(s, s.begin); err != nil {
		return nil, err
	}

	go s.loop()
	log.CaptureStart("simple", s.dev.DeviceName(), s.path)
	return &Handle{s: s}, nil
}

// Stop ends the active recording and returns its snapshot once the file is
// closed. Without an active recording it returns the last snapshot's
// samples with zero duration and no path.
func (r *Recorder) Stop() Snapshot {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	s := r.active
	if s == nil {
		snap := Snapshot{Samples: r.last.Samples}
		r.mu.Unlock()
		return snap
	}
	r.mu.Unlock()

	s.teardown()
	return s.snap
}

// ForceStop stops any active recording, discarding the snapshot.
func (r *Recorder) ForceStop() {
	r.Stop()
}

// Active reports whether a recording is running.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

type session struct {
	r    *Recorder
	path string

	dev   audio.CaptureDevice
	pipe  *encoder.Pipe
	meter audio.Meter

	samples  []float64
	progress chan Progress
	stop     chan struct{}
	loopDone chan struct{}
	done     chan struct{}

	once sync.Once
	snap Snapshot
}

// begin runs while the input path is held.
func (s *session) begin() error {
	enc, err := encoder.CreateFlacFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: %w", audio.ErrEngineFailure, err)
	}
	s.pipe = encoder.NewPipe(enc)

	dev, err := s.r.ctx.NewCapture(s.r.cfg.Device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		s.discardFile()
		return fmt.Errorf("capture init: %w: %w", audio.ErrEngineFailure, err)
	}
	dev.SetCallback(func(data []byte, frameCount uint32) {
		s.meter.Observe(data, frameCount)
		s.pipe.Feed(data)
	})
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		s.discardFile()
		return fmt.Errorf("capture start: %w: %w", audio.ErrEngineFailure, err)
	}
	s.dev = dev

	s.r.mu.Lock()
	s.r.active = s
	s.r.mu.Unlock()
	return nil
}

func (s *session) discardFile() {
	s.pipe.Close()
	os.Remove(s.path)
}

func (s *session) ForceStop() { s.teardown() }

func (s *session) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			p := s.sample()
			select {
			case s.progress <- p:
			case <-s.stop:
				return
			default:
				// consumer is behind; later reports carry the full state
			}
		}
	}
}

func (s *session) sample() Progress {
	level := audio.NormalizeLevel(s.meter.Read(), s.r.cfg.Floor)
	s.samples = append(s.samples, level)
	if over := len(s.samples) - s.r.cfg.MaxSamples; over > 0 {
		s.samples = append(s.samples[:0], s.samples[over:]...)
	}
	return Progress{Duration: s.duration(), Samples: append([]float64(nil), s.samples...)}
}

func (s *session) duration() time.Duration {
	return time.Duration(s.pipe.Frames()) * time.Second / encoder.SampleRate
}

// teardown is safe to call concurrently; later callers block until the
// first has released the hardware and closed the file.
func (s *session) teardown() {
	s.once.Do(func() {
		close(s.stop)
		<-s.loopDone

		final := s.sample()

		s.dev.ClearCallback()
		s.dev.Stop()
		s.dev.Close()

		s.snap = Snapshot{Duration: final.Duration, Samples: final.Samples}
		if err := s.pipe.Close(); err != nil {
			log.Errorf("closing recording %s: %v", s.path, err)
			os.Remove(s.path)
		} else {
			s.snap.Path = s.path
		}
		close(s.progress)

		s.r.mu.Lock()
		if s.r.active == s {
			s.r.active = nil
		}
		s.r.last = s.snap
		s.r.mu.Unlock()

		s.r.cfg.Input.Release(s)
		close(s.done)
		log.CaptureStop("simple", s.snap.Duration, len(s.snap.Samples), s.snap.Path)
	})
}
