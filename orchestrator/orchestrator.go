// Package orchestrator is the recording state machine. It owns at most one
// capture at a time, folds component failures into state and hands
// finished messages to an Outbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"murmur/audio"
	"murmur/log"
	"murmur/recorder"
	"murmur/transcriber"
)

const (
	DefaultMinDuration     = 100 * time.Millisecond
	DefaultWaveformSamples = 100

	subscriberBuffer = 16
)

type Recorder interface {
	RequestPermission(ctx context.Context) bool
	Start(ctx context.Context) (*recorder.Handle, error)
	Stop() recorder.Snapshot
	ForceStop()
}

type Engine interface {
	RequestPermission(ctx context.Context) bool
	StartStreaming(ctx context.Context) (*transcriber.Session, error)
	TranscribeFile(ctx context.Context, path string) (string, error)
	SetLanguage(lang string)
	Language() string
	ForceStop()
}

// Outbox receives finished drafts. A successful Deliver transfers
// ownership of the recording file.
type Outbox interface {
	Deliver(ctx context.Context, d DraftMessage) error
}

type Options struct {
	Mode Mode
	// AutoStopOnSilence stops a recording at the first silence boundary
	// and shows its transcript.
	AutoStopOnSilence bool
	// MinDuration is the shortest recording kept. Shorter ones are
	// discarded.
	MinDuration     time.Duration
	WaveformSamples int
}

type Orchestrator struct {
	rec  Recorder
	eng  Engine
	out  Outbox
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// opMu serializes intents. mu guards everything below and is never
	// held while calling into a capture component.
	opMu sync.Mutex

	mu         sync.Mutex
	st         State
	active     activeCapture
	gen        uint64
	holding    bool
	procCancel context.CancelFunc
	closed     bool
	drafts     int
	subs       map[int]chan State
	nextSub    int

	// observe sees every transition, under mu
	observe func(from, to PhaseKind)
}

func New(rec Recorder, eng Engine, out Outbox, opts Options) *Orchestrator {
	if opts.MinDuration <= 0 {
		opts.MinDuration = DefaultMinDuration
	}
	if opts.WaveformSamples <= 0 {
		opts.WaveformSamples = DefaultWaveformSamples
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		rec:    rec,
		eng:    eng,
		out:    out,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		st:     State{Mode: opts.Mode, Language: eng.Language()},
		subs:   make(map[int]chan State),
	}
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.clone()
}

// Drafts is the number of messages delivered so far.
func (o *Orchestrator) Drafts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drafts
}

// Subscribe returns a channel that receives the current state and then
// every change. A slow reader loses the oldest states, never the latest.
// The channel is closed by cancel or Close.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan State, subscriberBuffer)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.st.clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

// StartHold begins a recording. Capture failures are reported through
// State; the returned error is only for an intent the phase does not
// accept.
func (o *Orchestrator) StartHold() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.st.Phase.Kind != Idle {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	o.holding = true
	if o.st.PermissionPending {
		o.mu.Unlock()
		return nil
	}
	o.st.Err = nil
	o.mu.Unlock()

	o.startCapture("hold", false)
	return nil
}

// DragTo moves between the drag zones while capturing.
func (o *Orchestrator) DragTo(z Zone) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if !o.st.Phase.Kind.capturing() {
		return ErrInvalidTransition
	}
	to := Recording
	switch z {
	case ZoneCancel:
		to = DraggingToCancel
	case ZoneConvertToText:
		to = DraggingToConvertToText
	}
	if to != o.st.Phase.Kind {
		o.transitionLocked(Phase{Kind: to}, "drag_"+z.String())
	}
	return nil
}

// Release ends the hold. The drag zone decides the outcome: cancel
// discards, convert-to-text transcribes, no zone sends the audio as is.
func (o *Orchestrator) Release() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.holding = false
	c := o.active
	if c == nil && o.st.Phase.Kind.capturing() {
		o.resetLocked()
		o.st.Err = newError(errInterrupted)
		o.transitionLocked(Phase{Kind: Idle}, "interrupted")
		o.mu.Unlock()
		return nil
	}
	switch o.st.Phase.Kind {
	case DraggingToCancel:
		o.active = nil
		o.resetLocked()
		o.transitionLocked(Phase{Kind: Idle}, "release_cancel")
		o.mu.Unlock()
		c.forceStop()
		removeFile(c.path())
		return nil

	case DraggingToConvertToText:
		o.beginProcessingLocked(c, IntentConvertToText, "release_text")
		o.mu.Unlock()
		return nil

	case Recording:
		o.active = nil
		o.st.Intent = IntentSendAudioOnly
		o.mu.Unlock()
		o.sendAudio(c)
		return nil
	}
	// releasing after an automatic stop, or with nothing held
	o.mu.Unlock()
	return nil
}

// BeginEdit opens the transcript for editing, seeded with the text.
func (o *Orchestrator) BeginEdit() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.st.Phase.Kind != TranscriptionComplete || o.st.Phase.Text == "" {
		return ErrInvalidTransition
	}
	o.st.Editing = true
	o.st.EditText = o.st.Phase.Text
	o.publishLocked()
	return nil
}

// ConfirmEdit sends text in place of the recording, which is deleted.
func (o *Orchestrator) ConfirmEdit(text string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	text = strings.TrimSpace(text)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.st.Phase.Kind != TranscriptionComplete {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	o.mu.Unlock()
	if text == "" {
		return ErrEmptyMessage
	}

	if err := o.deliver(text, nil); err != nil {
		o.failDelivery(err)
		return nil
	}

	o.mu.Lock()
	path := o.st.Recording.Path
	o.resetLocked()
	o.transitionLocked(Phase{Kind: Idle}, "send_text")
	o.mu.Unlock()
	removeFile(path)
	return nil
}

// SendVoice sends the original recording and drops the transcript.
func (o *Orchestrator) SendVoice() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.st.Phase.Kind != TranscriptionComplete || !o.valid(o.st.Recording) {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	rec := o.st.Recording.clone()
	o.mu.Unlock()

	if err := o.deliver("", &rec); err != nil {
		o.failDelivery(err)
		return nil
	}

	o.mu.Lock()
	o.resetLocked()
	o.transitionLocked(Phase{Kind: Idle}, "send_voice")
	o.mu.Unlock()
	return nil
}

// Cancel returns to Idle from any phase. Both capture components are
// stopped, the recording and transcript are discarded.
func (o *Orchestrator) Cancel() error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.gen++
	o.holding = false
	c := o.active
	o.active = nil
	processing := o.st.Phase.Kind == ProcessingTranscription
	if o.procCancel != nil {
		o.procCancel()
		o.procCancel = nil
	}
	path := o.st.Recording.Path
	if c != nil {
		path = c.path()
	}
	o.resetLocked()
	o.st.PermissionPending = false
	o.transitionLocked(Phase{Kind: Idle}, "cancel")
	o.mu.Unlock()

	if c != nil {
		c.forceStop()
	}
	// a processing stop is still finishing; it discards on its own
	if !processing {
		o.rec.ForceStop()
		o.eng.ForceStop()
	}
	removeFile(path)
	return nil
}

// SetMode switches between streaming and simple capture. Only valid in
// Idle.
func (o *Orchestrator) SetMode(m Mode) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.st.Phase.Kind != Idle {
		return ErrInvalidTransition
	}
	o.st.Mode = m
	o.publishLocked()
	return nil
}

// SetLanguage rebuilds the recognizer for lang. A streaming recording in
// progress is discarded and restarted if the user is still holding; a
// finished recording is transcribed again.
func (o *Orchestrator) SetLanguage(lang string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	o.mu.Unlock()
	o.eng.SetLanguage(lang)

	o.mu.Lock()
	o.st.Language = lang
	_, streaming := o.active.(*streamingCapture)
	switch {
	case streaming && o.st.Phase.Kind.capturing():
		c := o.active
		o.active = nil
		o.gen++
		holding := o.holding
		o.resetLocked()
		o.transitionLocked(Phase{Kind: Idle}, "language")
		o.mu.Unlock()

		c.finish(false)
		removeFile(c.path())
		if holding {
			o.startCapture("language", false)
		}
		return nil

	case o.st.Phase.Kind == TranscriptionComplete && o.valid(o.st.Recording):
		rec := o.st.Recording.clone()
		o.st.Editing = false
		o.st.EditText = ""
		o.st.Err = nil
		o.transitionLocked(Phase{Kind: ProcessingTranscription}, "language")
		ctx := o.processContextLocked()
		gen := o.gen
		o.wg.Add(1)
		o.mu.Unlock()
		go func() {
			defer o.wg.Done()
			o.transcribe(ctx, gen, rec, captureResult{})
		}()
		return nil
	}
	o.publishLocked()
	o.mu.Unlock()
	return nil
}

// SetReply attaches the message being replied to; empty clears it.
func (o *Orchestrator) SetReply(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.st.ReplyTo = id
	o.publishLocked()
}

func (o *Orchestrator) AddAttachment(ref string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.st.Attachments = append(o.st.Attachments, ref)
	o.publishLocked()
}

// Close stops any capture and waits for background work. Subscriptions
// are closed.
func (o *Orchestrator) Close() {
	o.opMu.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.opMu.Unlock()
		return
	}
	o.closed = true
	o.gen++
	c := o.active
	o.active = nil
	o.mu.Unlock()
	o.cancel()
	if c != nil {
		c.forceStop()
		removeFile(c.path())
	}
	o.opMu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.mu.Unlock()
}

// startCapture runs with opMu held. Afterwards the phase is Recording
// with a live capture, or Idle with an error, or Idle waiting for
// permission.
func (o *Orchestrator) startCapture(reason string, retried bool) {
	o.mu.Lock()
	mode := o.st.Mode
	o.gen++
	gen := o.gen
	o.mu.Unlock()

	var c activeCapture
	var err error
	if mode == ModeSimple {
		var h *recorder.Handle
		if h, err = o.rec.Start(o.ctx); err == nil {
			c = &simpleCapture{h: h}
		}
	} else {
		var s *transcriber.Session
		if s, err = o.eng.StartStreaming(o.ctx); err == nil {
			c = &streamingCapture{s: s}
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) && !retried {
			o.st.PermissionPending = true
			o.publishLocked()
			o.wg.Add(1)
			go o.awaitPermission(gen, mode)
			return
		}
		log.Warnf("start capture: %v", err)
		o.st.Err = newError(err)
		o.publishLocked()
		return
	}

	o.active = c
	o.resetLocked()
	o.transitionLocked(Phase{Kind: Recording}, reason)
	o.wg.Add(1)
	switch c := c.(type) {
	case *simpleCapture:
		go o.consumeProgress(c)
	case *streamingCapture:
		go o.consumeSignals(c)
	}
}

// awaitPermission shows the prompt and re-attempts the start if the user
// is still holding when it is granted.
func (o *Orchestrator) awaitPermission(gen uint64, mode Mode) {
	defer o.wg.Done()

	var granted bool
	if mode == ModeSimple {
		granted = o.rec.RequestPermission(o.ctx)
	} else {
		granted = o.eng.RequestPermission(o.ctx)
	}

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	if o.closed || gen != o.gen {
		o.mu.Unlock()
		return
	}
	o.st.PermissionPending = false
	if !granted {
		o.st.Err = newError(audio.ErrPermissionDenied)
		o.publishLocked()
		o.mu.Unlock()
		return
	}
	retry := o.holding && o.st.Phase.Kind == Idle
	o.publishLocked()
	o.mu.Unlock()

	if retry {
		o.startCapture("permission_granted", true)
	}
}

func (o *Orchestrator) consumeProgress(c *simpleCapture) {
	defer o.wg.Done()
	for p := range c.h.Progress() {
		o.mu.Lock()
		if o.active == activeCapture(c) {
			o.st.Recording.Duration = p.Duration
			samples := p.Samples
			if len(samples) > o.opts.WaveformSamples {
				samples = samples[len(samples)-o.opts.WaveformSamples:]
			}
			o.st.Recording.Samples = append(o.st.Recording.Samples[:0], samples...)
			o.publishLocked()
		}
		o.mu.Unlock()
	}
	o.captureEnded(c)
}

func (o *Orchestrator) consumeSignals(c *streamingCapture) {
	defer o.wg.Done()
	for sig := range c.s.Signals() {
		o.mu.Lock()
		if o.active != activeCapture(c) {
			o.mu.Unlock()
			continue
		}
		switch sig.Kind {
		case transcriber.SignalAudioLevel:
			o.st.Recording.Samples = pushSample(o.st.Recording.Samples, sig.Level, o.opts.WaveformSamples)
			o.st.Recording.Duration = sig.Elapsed
			o.publishLocked()
		case transcriber.SignalTranscript:
			o.st.TranscribedText = sig.Text
			o.publishLocked()
		case transcriber.SignalSilence:
			// dragging means the user is deciding; leave them be
			if o.opts.AutoStopOnSilence && o.st.Phase.Kind == Recording {
				o.wg.Add(1)
				go o.autoStop(c)
			}
		}
		o.mu.Unlock()
	}
	o.captureEnded(c)
}

func (o *Orchestrator) autoStop(c activeCapture) {
	defer o.wg.Done()
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.active != c || o.st.Phase.Kind != Recording {
		return
	}
	o.beginProcessingLocked(c, IntentNone, "silence")
}

// captureEnded runs when a capture's stream closes. If the orchestrator
// still owns it, the capture stopped on its own: the recognizer finished
// or failed, or another holder took the input.
func (o *Orchestrator) captureEnded(c activeCapture) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.active != c {
		return
	}
	if _, ok := c.(*simpleCapture); ok {
		o.active = nil
		path := c.path()
		o.resetLocked()
		o.st.Err = newError(errInterrupted)
		o.transitionLocked(Phase{Kind: Idle}, "interrupted")
		removeFile(path)
		return
	}
	o.beginProcessingLocked(c, IntentNone, "stream_ended")
}

// beginProcessingLocked detaches c and stops it in the background.
func (o *Orchestrator) beginProcessingLocked(c activeCapture, intent Intent, reason string) {
	o.active = nil
	o.st.Intent = intent
	o.transitionLocked(Phase{Kind: ProcessingTranscription}, reason)
	ctx := o.processContextLocked()
	gen := o.gen
	o.wg.Add(1)
	go o.process(ctx, gen, c)
}

func (o *Orchestrator) processContextLocked() context.Context {
	if o.procCancel != nil {
		o.procCancel()
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.procCancel = cancel
	return ctx
}

func (o *Orchestrator) process(ctx context.Context, gen uint64, c activeCapture) {
	defer o.wg.Done()
	res := c.finish(true)

	o.mu.Lock()
	rec := o.st.Recording.clone()
	o.mu.Unlock()
	rec.Duration = res.duration
	rec.Path = res.path

	if !o.valid(rec) {
		removeFile(c.path())
		o.commit(gen, "invalid", func() {
			o.resetLocked()
			o.st.Err = newError(ErrInvalidResult)
			o.transitionLocked(Phase{Kind: Idle}, "invalid")
		})
		return
	}
	o.transcribe(ctx, gen, rec, res)
}

// transcribe finishes processing of a valid recording. A result from a
// stopped stream is used as is; otherwise the file is submitted.
func (o *Orchestrator) transcribe(ctx context.Context, gen uint64, rec Take, res captureResult) {
	text, err := res.transcript, res.err
	if err == nil && !res.streamed {
		text, err = o.eng.TranscribeFile(ctx, rec.Path)
	}
	if err != nil {
		text = ""
		log.Warnf("transcription: %v", err)
	}

	ok := o.commit(gen, "result", func() {
		o.st.Recording = rec
		o.st.TranscribedText = text
		o.st.Err = newError(err)
		o.transitionLocked(Phase{Kind: TranscriptionComplete, Text: text}, "result")
	})
	if !ok {
		removeFile(rec.Path)
	}
}

// commit applies fn if processing for gen is still current.
func (o *Orchestrator) commit(gen uint64, reason string, fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.gen || o.st.Phase.Kind != ProcessingTranscription {
		log.Infof("dropping %s of a cancelled recording", reason)
		return false
	}
	o.procCancel = nil
	fn()
	return true
}

// sendAudio runs with opMu held after Release detached c.
func (o *Orchestrator) sendAudio(c activeCapture) {
	res := c.finish(false)

	o.mu.Lock()
	rec := o.st.Recording.clone()
	o.mu.Unlock()
	rec.Duration = res.duration
	rec.Path = res.path

	if !o.valid(rec) {
		removeFile(c.path())
		o.mu.Lock()
		o.resetLocked()
		o.st.Err = newError(ErrInvalidResult)
		o.transitionLocked(Phase{Kind: Idle}, "invalid")
		o.mu.Unlock()
		return
	}

	err := o.deliver("", &rec)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resetLocked()
	if err != nil {
		log.Warnf("recording kept at %s", rec.Path)
		o.st.Err = newError(err)
	}
	o.transitionLocked(Phase{Kind: Idle}, "send_audio")
}

func (o *Orchestrator) deliver(text string, rec *Take) error {
	o.mu.Lock()
	d := DraftMessage{
		ID:          ulid.Make().String(),
		Text:        text,
		Recording:   rec,
		ReplyTo:     o.st.ReplyTo,
		Attachments: append([]string(nil), o.st.Attachments...),
		CreatedAt:   time.Now(),
	}
	o.mu.Unlock()

	if err := o.out.Deliver(o.ctx, d); err != nil {
		log.Errorf("deliver draft %s: %v", d.ID, err)
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	kind := "text"
	if rec != nil {
		kind = "voice"
	}
	log.Draft(d.ID, kind, rec != nil)

	o.mu.Lock()
	o.drafts++
	o.st.ReplyTo = ""
	o.st.Attachments = nil
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) failDelivery(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.st.Err = newError(err)
	o.publishLocked()
}

func (o *Orchestrator) valid(r Take) bool {
	return r.Path != "" && r.Duration > o.opts.MinDuration
}

// resetLocked clears everything tied to one recording, including its
// error.
func (o *Orchestrator) resetLocked() {
	o.st.Recording = Take{}
	o.st.TranscribedText = ""
	o.st.Intent = IntentNone
	o.st.Editing = false
	o.st.EditText = ""
	o.st.Err = nil
}

func (o *Orchestrator) transitionLocked(to Phase, reason string) {
	from := o.st.Phase
	o.st.Phase = to
	if to.Kind == Idle {
		o.st.Intent = IntentNone
	}
	log.Phase(from.String(), to.String(), reason)
	if o.observe != nil {
		o.observe(from.Kind, to.Kind)
	}
	o.publishLocked()
}

func (o *Orchestrator) publishLocked() {
	st := o.st.clone()
	for _, ch := range o.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func removeFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("removing %s: %v", path, err)
	}
}
