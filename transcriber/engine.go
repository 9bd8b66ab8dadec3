package transcriber

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"murmur/audio"
	"murmur/encoder"
	"murmur/log"

	"github.com/oklog/ulid/v2"
)

const (
	DefaultSilenceThreshold = 0.15
	DefaultSilenceDuration  = 2 * time.Second
	DefaultLevelInterval    = 100 * time.Millisecond

	signalBuffer = 256
)

type EngineConfig struct {
	Dir              string
	Device           *audio.DeviceInfo
	Language         string
	SilenceThreshold float64
	SilenceDuration  time.Duration
	LevelInterval    time.Duration
	Floor            float64
	// Input is the arbiter for the microphone path; nil means audio.Input.
	Input *audio.Exclusive
}

// Engine captures the microphone to a file while streaming it to a
// recognizer. At most one Session runs at a time.
type Engine struct {
	actx    audio.Context
	perm    audio.Permission
	factory Factory
	vocab   *Vocabulary
	cfg     EngineConfig

	opMu sync.Mutex

	mu     sync.Mutex
	lang   string
	rec    Recognizer
	active *Session
}

func NewEngine(actx audio.Context, perm audio.Permission, factory Factory, vocab *Vocabulary, cfg EngineConfig) *Engine {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.SilenceDuration <= 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = DefaultLevelInterval
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
	if vocab == nil {
		vocab = StaticVocabulary()
	}
	vocab.Prepare()
	return &Engine{
		actx:    actx,
		perm:    perm,
		factory: factory,
		vocab:   vocab,
		cfg:     cfg,
		lang:    cfg.Language,
	}
}

// RequestPermission prompts once and afterwards returns the stored answer.
func (e *Engine) RequestPermission(ctx context.Context) bool {
	ok, err := e.perm.Request(ctx)
	return ok && err == nil
}

func (e *Engine) Language() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lang
}

// SetLanguage discards the current recognizer; the next session or file
// transcription builds one for lang. A running session keeps its
// recognizer until it stops.
func (e *Engine) SetLanguage(lang string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lang == e.lang {
		return
	}
	e.lang = lang
	e.rec = nil
}

// recognizer returns the cached recognizer, building it after the
// vocabulary is ready.
func (e *Engine) recognizer(ctx context.Context) (Recognizer, error) {
	phrases, err := e.vocab.Wait(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		return e.rec, nil
	}
	if e.factory == nil {
		return nil, ErrNoRecognizer
	}
	rec, err := e.factory(e.lang, phrases)
	if err != nil {
		if !errors.Is(err, ErrNoRecognizer) {
			err = fmt.Errorf("%w: %w", ErrNoRecognizer, err)
		}
		return nil, err
	}
	e.rec = rec
	return rec, nil
}

// StartStreaming starts a capture session. It fails with
// audio.ErrPermissionDenied, an error wrapping ErrNoRecognizer, or one
// wrapping audio.ErrEngineFailure. Any running session, and any other
// holder of the input path, is stopped first.
func (e *Engine) StartStreaming(ctx context.Context) (*Session, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if e.perm.Status() != audio.PermissionGranted {
		return nil, audio.ErrPermissionDenied
	}
	rec, err := e.recognizer(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev := e.active
	e.mu.Unlock()
	if prev != nil {
		prev.ForceStop()
	}

	if err := os.MkdirAll(e.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recordings dir: %w: %w", audio.ErrEngineFailure, err)
	}

	s := &Session{
		e:       e,
		rec:     rec,
		path:    filepath.Join(e.cfg.Dir, ulid.Make().String()+encoder.Extension),
		signals: make(chan Signal, signalBuffer),
		halt:    make(chan struct{}),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		silence: SilenceDetector{
			Threshold: e.cfg.SilenceThreshold,
			Duration:  e.cfg.SilenceDuration,
		},
		levelFrames: uint64(e.cfg.LevelInterval * encoder.SampleRate / time.Second),
	}
	if s.levelFrames == 0 {
		s.levelFrames = 1
	}
	err = e.cfg.Input.Acquire(s, func() error { return s.begin(ctx) })
	close(s.ready)
	if err != nil {
		return nil, err
	}

	kind := "batch"
	if s.stream != nil {
		kind = "stream"
	}
	log.CaptureStart(kind, s.dev.DeviceName(), s.path)
	return s, nil
}

// Stop ends the running session, if any, and returns its capture.
func (e *Engine) Stop() Capture {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s == nil {
		return Capture{}
	}
	return s.Stop()
}

// ForceStop ends the running session, if any, without waiting for the
// recognizer.
func (e *Engine) ForceStop() {
	e.mu.Lock()
	s := e.active
	e.mu.Unlock()
	if s != nil {
		s.ForceStop()
	}
}

// Active reports whether a session is capturing.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// TranscribeFile submits a finished recording and returns its text. Any
// backend error or a missing result wraps ErrRecognitionFailure.
func (e *Engine) TranscribeFile(ctx context.Context, path string) (string, error) {
	rec, err := e.recognizer(ctx)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRecognitionFailure, err)
	}
	format := "flac"
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		format = "wav"
	}

	res, err := rec.TranscribeFile(ctx, data, format)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", rec.Name(), ErrRecognitionFailure, err)
	}
	if res == nil {
		return "", fmt.Errorf("%s: %w: no result", rec.Name(), ErrRecognitionFailure)
	}

	fm := log.FileMetricsData{
		Provider:   rec.Name(),
		Language:   rec.Language(),
		AudioKB:    float64(len(data)) / 1024,
		Confidence: res.Confidence,
	}
	if m := res.Metrics; m != nil {
		fm.DNSMs = float64(m.DNS.Milliseconds())
		fm.TLSMs = float64(m.TLS.Milliseconds())
		fm.TTFBMs = float64(m.TTFB.Milliseconds())
		fm.TotalMs = float64(m.Total.Milliseconds())
		fm.ConnReused = m.ConnReused
	}
	log.FileMetrics(fm)

	text := strings.TrimSpace(res.Text)
	if text != "" {
		log.TranscriptionText(text)
	}
	return text, nil
}

type SignalKind int

const (
	SignalAudioLevel SignalKind = iota
	SignalTranscript
	// SignalSilence marks a silence boundary: a quiet run reached the
	// configured duration. It is advisory.
	SignalSilence
)

func (k SignalKind) String() string {
	switch k {
	case SignalAudioLevel:
		return "audio_level"
	case SignalTranscript:
		return "transcript"
	case SignalSilence:
		return "silence"
	}
	return "unknown"
}

// Signal is one event of a session in arrival order. Level is set for
// audio levels; Text and Final for transcripts. Elapsed is audio time.
type Signal struct {
	Kind    SignalKind
	Level   float64
	Elapsed time.Duration
	Text    string
	Final   bool
}

// Capture is the terminal result of a session. Path is empty unless the
// file was closed successfully.
type Capture struct {
	Path       string
	Duration   time.Duration
	Transcript string
	Err        error
	Streamed   bool
}

// Session is one capture interval on the engine.
type Session struct {
	e    *Engine
	rec  Recognizer
	path string

	dev    audio.CaptureDevice
	pipe   *encoder.Pipe
	stream *streamSession

	signals chan Signal
	halt    chan struct{}
	emitMu  sync.Mutex
	closed  bool

	audioMu     sync.Mutex
	stopped     bool
	frames      uint64
	levelFrames uint64
	pending     uint64
	sumSquares  float64
	silence     SilenceDetector

	mu         sync.Mutex
	transcript string
	err        error

	ready  chan struct{} // closed once begin has returned
	once   sync.Once
	result Capture
	done   chan struct{}
}

// Signals is closed when the session completes: after Stop, ForceStop, or
// once the recognizer ends the stream on its own.
func (s *Session) Signals() <-chan Signal { return s.signals }

// Done is closed after the hardware is released and the file is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Path() string { return s.path }

// Streamed reports whether transcripts arrive live. Without streaming, the
// text comes from Engine.TranscribeFile after the session stops.
func (s *Session) Streamed() bool { return s.rec.Streaming() }

// Err is the error that ended the stream, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// begin runs while the input path is held.
func (s *Session) begin(ctx context.Context) error {
	enc, err := encoder.CreateFlacFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: %w", audio.ErrEngineFailure, err)
	}
	s.pipe = encoder.NewPipe(enc)

	dev, err := s.e.actx.NewCapture(s.e.cfg.Device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		s.discardFile()
		return fmt.Errorf("capture init: %w: %w", audio.ErrEngineFailure, err)
	}

	if s.rec.Streaming() {
		// Audio captured while the connection is still dialing is queued.
		// Stopping cancels a dial that has not finished.
		s.stream = newStreamSession(context.WithoutCancel(ctx), func(ctx context.Context) (StreamConn, error) {
			return s.rec.Stream(ctx, StreamConfig{
				SampleRate: encoder.SampleRate,
				Channels:   encoder.Channels,
			})
		}, s.onTranscript, s.onStreamEnd)
	}

	dev.SetCallback(s.onAudio)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		if s.stream != nil {
			s.stream.abort()
		}
		s.discardFile()
		return fmt.Errorf("capture start: %w: %w", audio.ErrEngineFailure, err)
	}
	s.dev = dev

	s.e.mu.Lock()
	s.e.active = s
	s.e.mu.Unlock()
	return nil
}

func (s *Session) discardFile() {
	s.pipe.Close()
	os.Remove(s.path)
}

// onAudio runs on the capture callback and never waits on the recognizer.
func (s *Session) onAudio(data []byte, frameCount uint32) {
	r, ok := s.meter(data, frameCount)
	if s.stream != nil && !s.isStopped() {
		s.stream.Feed(data)
	}
	if !ok {
		return
	}
	// A slow consumer loses levels, never transcripts.
	s.emit(Signal{Kind: SignalAudioLevel, Level: r.level, Elapsed: r.elapsed}, false)
	if r.silent {
		go s.emit(Signal{Kind: SignalSilence, Level: r.level, Elapsed: r.elapsed}, true)
	}
}

type levelReading struct {
	level   float64
	elapsed time.Duration
	silent  bool
}

// meter writes data to the file and folds it into the running level. ok
// is false when no level is due or the session has stopped.
func (s *Session) meter(data []byte, frameCount uint32) (levelReading, bool) {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.stopped {
		return levelReading{}, false
	}
	s.pipe.Feed(data)

	n := len(data) / 2
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
		s.sumSquares += v * v
	}
	s.frames += uint64(frameCount)
	s.pending += uint64(frameCount)
	if s.pending < s.levelFrames {
		return levelReading{}, false
	}

	rms := math.Sqrt(s.sumSquares / float64(s.pending))
	r := levelReading{
		level:   audio.NormalizeLevel(rms, s.e.cfg.Floor),
		elapsed: time.Duration(s.frames) * time.Second / encoder.SampleRate,
	}
	s.pending, s.sumSquares = 0, 0
	r.silent = s.silence.Observe(r.level, r.elapsed)
	return r, true
}

func (s *Session) isStopped() bool {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return s.stopped
}

func (s *Session) onTranscript(text string, final bool) {
	s.mu.Lock()
	if final {
		s.transcript = text
	}
	s.mu.Unlock()
	s.emit(Signal{Kind: SignalTranscript, Text: text, Final: final}, true)
}

// onStreamEnd runs on the stream's goroutine and must not block on it.
func (s *Session) onStreamEnd(err error) {
	if err != nil {
		s.mu.Lock()
		s.err = fmt.Errorf("%s: %w: %w", s.rec.Name(), ErrRecognitionFailure, err)
		s.mu.Unlock()
		log.Errorf("stream failed: %v", err)
	}
	go func() {
		<-s.ready
		if s.dev == nil {
			return
		}
		s.teardown(true)
	}()
}

func (s *Session) emit(sig Signal, block bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed {
		return
	}
	if !block {
		select {
		case s.signals <- sig:
		default:
		}
		return
	}
	select {
	case s.signals <- sig:
	case <-s.halt:
	}
}

func (s *Session) elapsed() time.Duration {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return time.Duration(s.frames) * time.Second / encoder.SampleRate
}

// Stop ends the session gracefully: capture stops, the recognizer flushes
// its final transcript, the file is closed. It returns once all of that
// is done and is safe to call repeatedly.
func (s *Session) Stop() Capture {
	s.teardown(true)
	return s.result
}

// Abort ends the session without waiting for the recognizer. The file is
// still closed and returned.
func (s *Session) Abort() Capture {
	s.teardown(false)
	return s.result
}

// ForceStop is Abort for the input arbiter.
func (s *Session) ForceStop() {
	s.teardown(false)
}

func (s *Session) teardown(graceful bool) {
	s.once.Do(func() {
		s.audioMu.Lock()
		s.stopped = true
		s.audioMu.Unlock()

		s.dev.ClearCallback()
		s.dev.Stop()
		s.dev.Close()

		if s.stream != nil {
			if graceful {
				text, err := s.stream.finish()
				s.mu.Lock()
				if text != "" {
					s.transcript = text
				}
				if err != nil && s.err == nil {
					s.err = fmt.Errorf("%s: %w: %w", s.rec.Name(), ErrRecognitionFailure, err)
				}
				s.mu.Unlock()
				if text != "" {
					// the last live update may have been interim
					s.emit(Signal{Kind: SignalTranscript, Text: text, Final: true}, true)
				}
			} else {
				s.stream.abort()
			}
		}

		close(s.halt)
		s.emitMu.Lock()
		s.closed = true
		close(s.signals)
		s.emitMu.Unlock()

		s.mu.Lock()
		s.result = Capture{
			Duration:   s.elapsed(),
			Transcript: strings.TrimSpace(s.transcript),
			Err:        s.err,
			Streamed:   s.stream != nil,
		}
		s.mu.Unlock()
		if err := s.pipe.Close(); err != nil {
			log.Errorf("closing recording %s: %v", s.path, err)
			os.Remove(s.path)
		} else {
			s.result.Path = s.path
		}

		s.e.mu.Lock()
		if s.e.active == s {
			s.e.active = nil
		}
		s.e.mu.Unlock()

		s.e.cfg.Input.Release(s)
		close(s.done)
		kind := "batch"
		if s.stream != nil {
			kind = "stream"
		}
		log.CaptureStop(kind, s.result.Duration, 0, s.result.Path)
	})
}
