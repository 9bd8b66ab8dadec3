package transcriber

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FakeStep is one scripted stream event. A step with Err set ends the
// stream with that error.
type FakeStep struct {
	Delay  time.Duration
	Update StreamUpdate
	Err    error
}

// FakeRecognizer replays a script on every stream and returns a canned
// file result.
type FakeRecognizer struct {
	Lang     string
	Live     bool
	Script   []FakeStep
	FileText string
	FileErr  error
	// DialErr fails Stream.
	DialErr error
	// DialDelay holds Stream until it passes or ctx is done.
	DialDelay time.Duration
	// HoldUntilFinalize delays the script until CloseSend.
	HoldUntilFinalize bool

	mu        sync.Mutex
	streams   int
	files     int
	sentBytes int
}

func NewFakeRecognizer(lang string, script ...FakeStep) *FakeRecognizer {
	return &FakeRecognizer{Lang: lang, Live: true, Script: script}
}

func (f *FakeRecognizer) Name() string    { return "fake" }
func (f *FakeRecognizer) Streaming() bool { return f.Live }

func (f *FakeRecognizer) Language() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Lang
}

// Factory returns a Factory that hands out f and records the language it
// was asked for.
func (f *FakeRecognizer) Factory() Factory {
	return func(language string, _ []string) (Recognizer, error) {
		f.mu.Lock()
		f.Lang = language
		f.mu.Unlock()
		return f, nil
	}
}

func (f *FakeRecognizer) Streams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams
}

func (f *FakeRecognizer) Files() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files
}

// SentBytes is the PCM received across all streams.
func (f *FakeRecognizer) SentBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentBytes
}

func (f *FakeRecognizer) Stream(ctx context.Context, _ StreamConfig) (StreamConn, error) {
	if !f.Live {
		return nil, ErrStreamingUnsupported
	}
	if f.DialDelay > 0 {
		select {
		case <-time.After(f.DialDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.DialErr != nil {
		return nil, f.DialErr
	}
	f.mu.Lock()
	f.streams++
	f.mu.Unlock()

	c := &fakeConn{
		f:         f,
		updates:   make(chan fakeRecv, len(f.Script)+1),
		closed:    make(chan struct{}),
		finalized: make(chan struct{}),
	}
	go c.play(f.Script, f.HoldUntilFinalize)
	return c, nil
}

func (f *FakeRecognizer) TranscribeFile(_ context.Context, audio []byte, _ string) (*Result, error) {
	f.mu.Lock()
	f.files++
	f.mu.Unlock()
	if f.FileErr != nil {
		return nil, f.FileErr
	}
	return &Result{Text: f.FileText, Duration: float64(len(audio))}, nil
}

type fakeRecv struct {
	update StreamUpdate
	err    error
}

type fakeConn struct {
	f         *FakeRecognizer
	updates   chan fakeRecv
	closed    chan struct{}
	finalized chan struct{}
	closeOnce sync.Once
	finOnce   sync.Once
}

func (c *fakeConn) play(script []FakeStep, hold bool) {
	if hold {
		select {
		case <-c.finalized:
		case <-c.closed:
			return
		}
	}
	for _, step := range script {
		select {
		case <-time.After(step.Delay):
		case <-c.closed:
			return
		}
		c.updates <- fakeRecv{update: step.Update, err: step.Err}
		if step.Err != nil {
			return
		}
	}
	// Acknowledge the finalize once the script is exhausted.
	select {
	case <-c.finalized:
		c.updates <- fakeRecv{update: StreamUpdate{FromFinalize: true}}
	case <-c.closed:
	}
}

func (c *fakeConn) Send(pcm []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake stream closed")
	default:
	}
	c.f.mu.Lock()
	c.f.sentBytes += len(pcm)
	c.f.mu.Unlock()
	return nil
}

func (c *fakeConn) CloseSend() error {
	c.finOnce.Do(func() { close(c.finalized) })
	return nil
}

func (c *fakeConn) Recv() (StreamUpdate, error) {
	select {
	case r := <-c.updates:
		return r.update, r.err
	case <-c.closed:
		return StreamUpdate{}, ErrStreamClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
