package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"murmur/audio"
	"murmur/encoder"
	"murmur/recorder"
	"murmur/transcriber"
)

type fakeOutbox struct {
	mu     sync.Mutex
	drafts []DraftMessage
	err    error
}

func (f *fakeOutbox) Deliver(_ context.Context, d DraftMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.drafts = append(f.drafts, d)
	return nil
}

func (f *fakeOutbox) Drafts() []DraftMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DraftMessage(nil), f.drafts...)
}

type harnessConfig struct {
	pcm      []byte
	pad      bool
	realtime bool
	perm     *audio.StaticPermission
	fr       *transcriber.FakeRecognizer
	engine   transcriber.EngineConfig
	opts     Options
}

type harness struct {
	dir  string
	fc   *audio.FakeContext
	perm *audio.StaticPermission
	rec  *recorder.Recorder
	eng  *transcriber.Engine
	fr   *transcriber.FakeRecognizer
	out  *fakeOutbox
	o    *Orchestrator
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	h := &harness{
		dir:  t.TempDir(),
		fc:   audio.NewFakeContextPCM(hc.pcm, hc.realtime),
		perm: hc.perm,
		fr:   hc.fr,
		out:  &fakeOutbox{},
	}
	h.fc.PadSilence = hc.pad
	if h.perm == nil {
		h.perm = audio.NewStaticPermission(audio.PermissionGranted, true)
	}
	if h.fr == nil {
		h.fr = transcriber.NewFakeRecognizer("en")
	}
	input := &audio.Exclusive{}
	h.rec = recorder.New(h.fc, h.perm, recorder.Config{
		Dir:      h.dir,
		Interval: 5 * time.Millisecond,
		Input:    input,
	})
	cfg := hc.engine
	cfg.Dir = h.dir
	cfg.Input = input
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	h.eng = transcriber.NewEngine(h.fc, h.perm, h.fr.Factory(), nil, cfg)
	h.o = New(h.rec, h.eng, h.out, hc.opts)
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func waitFor(t *testing.T, o *Orchestrator, what string, ok func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := o.State(); ok(st) {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s: %+v", what, o.State())
	return State{}
}

func eventually(t *testing.T, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ok() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitPhase(t *testing.T, o *Orchestrator, k PhaseKind) State {
	t.Helper()
	return waitFor(t, o, k.String(), func(s State) bool { return s.Phase.Kind == k })
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// holdFor starts a hold and waits until at least d of audio is captured.
func holdFor(t *testing.T, h *harness, d time.Duration) {
	t.Helper()
	mustOK(t, h.o.StartHold())
	if st := h.o.State(); st.Phase.Kind != Recording {
		t.Fatalf("after StartHold phase = %v, err = %+v", st.Phase, st.Err)
	}
	waitFor(t, h.o, "captured audio", func(s State) bool { return s.Recording.Duration >= d })
}

func TestReleaseSendsAudioOnly(t *testing.T) {
	pcm := audio.Tone(2500*time.Millisecond, 0.3, encoder.SampleRate)
	h := newHarness(t, harnessConfig{pcm: pcm})

	holdFor(t, h, 2400*time.Millisecond)
	time.Sleep(20 * time.Millisecond) // let the tail of the clip arrive
	live := h.o.State()
	if len(live.Recording.Samples) == 0 {
		t.Fatal("no waveform samples while recording")
	}
	if live.Recording.Path != "" {
		t.Error("Path set before the capture stopped")
	}

	mustOK(t, h.o.Release())
	st := h.o.State()
	if st.Phase.Kind != Idle || st.Err != nil {
		t.Fatalf("after release: phase %v err %+v", st.Phase, st.Err)
	}

	drafts := h.out.Drafts()
	if len(drafts) != 1 {
		t.Fatalf("got %d drafts, want 1", len(drafts))
	}
	d := drafts[0]
	if d.Text != "" {
		t.Errorf("Text = %q, want empty", d.Text)
	}
	if d.ID == "" {
		t.Error("draft has no ID")
	}
	if d.Recording == nil {
		t.Fatal("draft has no recording")
	}
	if d.Recording.Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %v, want 2.5s", d.Recording.Duration)
	}
	if n := len(d.Recording.Samples); n == 0 || n > DefaultWaveformSamples {
		t.Errorf("%d waveform samples", n)
	}
	for _, v := range d.Recording.Samples {
		if v < 0 || v > 1 {
			t.Fatalf("sample %v outside [0,1]", v)
		}
	}
	pcmOut, err := encoder.DecodeFile(d.Recording.Path)
	if err != nil {
		t.Fatalf("delivered file unreadable: %v", err)
	}
	if pcmOut.Duration() != 2500*time.Millisecond {
		t.Errorf("file duration %v", pcmOut.Duration())
	}
	if h.fc.ActiveCaptures() != 0 {
		t.Error("capture still running")
	}
}

func TestConvertToTextThenEdit(t *testing.T) {
	fr := transcriber.NewFakeRecognizer("en", transcriber.FakeStep{
		Delay:  10 * time.Millisecond,
		Update: transcriber.StreamUpdate{Transcript: "hello world", IsFinal: true},
	})
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true, fr: fr})

	holdFor(t, h, 500*time.Millisecond)
	mustOK(t, h.o.DragTo(ZoneConvertToText))
	if k := h.o.State().Phase.Kind; k != DraggingToConvertToText {
		t.Fatalf("phase = %v", k)
	}
	mustOK(t, h.o.Release())

	st := waitPhase(t, h.o, TranscriptionComplete)
	if st.Phase.Text != "hello world" {
		t.Fatalf("text = %q", st.Phase.Text)
	}
	if st.Err != nil {
		t.Errorf("Err = %+v", st.Err)
	}
	if st.Intent != IntentConvertToText {
		t.Errorf("Intent = %v", st.Intent)
	}
	if f := DeriveFlags(st); !f.ShowOverlay || !f.HideTextInput || f.ShowCouldntHear {
		t.Errorf("flags = %+v", f)
	}
	recPath := st.Recording.Path
	if _, err := os.Stat(recPath); err != nil {
		t.Fatalf("recording missing while complete: %v", err)
	}

	mustOK(t, h.o.BeginEdit())
	st = h.o.State()
	if !st.Editing || st.EditText != "hello world" {
		t.Fatalf("edit = %v %q", st.Editing, st.EditText)
	}

	if err := h.o.ConfirmEdit("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank confirm = %v", err)
	}
	mustOK(t, h.o.ConfirmEdit("hello there"))
	if k := h.o.State().Phase.Kind; k != Idle {
		t.Fatalf("phase after confirm = %v", k)
	}
	drafts := h.out.Drafts()
	if len(drafts) != 1 || drafts[0].Text != "hello there" || drafts[0].Recording != nil {
		t.Fatalf("drafts = %+v", drafts)
	}
	if _, err := os.Stat(recPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("original audio kept after sending text")
	}
}

func TestEmptyTranscriptShowsCouldntHear(t *testing.T) {
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})

	holdFor(t, h, 500*time.Millisecond)
	mustOK(t, h.o.DragTo(ZoneConvertToText))
	mustOK(t, h.o.Release())

	st := waitPhase(t, h.o, TranscriptionComplete)
	if st.Phase.Text != "" || st.Err != nil {
		t.Fatalf("complete = %q err %+v", st.Phase.Text, st.Err)
	}
	f := DeriveFlags(st)
	if !f.ShowCouldntHear || f.ShowError {
		t.Errorf("flags = %+v", f)
	}
	if got := DisplayMessage(st); got != CouldntHearMessage {
		t.Errorf("message = %q", got)
	}
	if err := h.o.BeginEdit(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("BeginEdit on empty text = %v", err)
	}

	mustOK(t, h.o.SendVoice())
	drafts := h.out.Drafts()
	if len(drafts) != 1 || drafts[0].Recording == nil || drafts[0].Text != "" {
		t.Fatalf("drafts = %+v", drafts)
	}
}

func TestMidStreamErrorKeepsAudio(t *testing.T) {
	fr := transcriber.NewFakeRecognizer("en", transcriber.FakeStep{
		Delay: 30 * time.Millisecond,
		Err:   errors.New("socket reset"),
	})
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true, fr: fr})

	mustOK(t, h.o.StartHold())
	st := waitPhase(t, h.o, TranscriptionComplete)
	if st.Phase.Text != "" {
		t.Errorf("text = %q", st.Phase.Text)
	}
	if st.Err == nil || st.Err.Kind != ErrorRecognitionFailure {
		t.Fatalf("Err = %+v", st.Err)
	}
	if !strings.Contains(st.Err.Message, "socket reset") {
		t.Errorf("message %q lacks the backend's", st.Err.Message)
	}
	if got := DisplayMessage(st); got != st.Err.Message {
		t.Errorf("display = %q", got)
	}
	if _, err := os.Stat(st.Recording.Path); err != nil {
		t.Fatalf("audio not kept: %v", err)
	}

	// the user lets go after the failure
	mustOK(t, h.o.Release())
	if k := h.o.State().Phase.Kind; k != TranscriptionComplete {
		t.Fatalf("release moved phase to %v", k)
	}

	mustOK(t, h.o.SendVoice())
	drafts := h.out.Drafts()
	if len(drafts) != 1 || drafts[0].Recording == nil {
		t.Fatalf("drafts = %+v", drafts)
	}
	if drafts[0].Recording.Path != st.Recording.Path {
		t.Errorf("sent %q, want %q", drafts[0].Recording.Path, st.Recording.Path)
	}
}

func TestShortRecordingsAreDiscarded(t *testing.T) {
	for _, zone := range []Zone{ZoneNone, ZoneConvertToText} {
		t.Run(zone.String(), func(t *testing.T) {
			h := newHarness(t, harnessConfig{pcm: audio.Tone(50*time.Millisecond, 0.3, encoder.SampleRate)})
			var reached []PhaseKind
			var mu sync.Mutex
			h.o.observe = func(_, to PhaseKind) {
				mu.Lock()
				reached = append(reached, to)
				mu.Unlock()
			}

			mustOK(t, h.o.StartHold())
			time.Sleep(20 * time.Millisecond)
			mustOK(t, h.o.DragTo(zone))
			mustOK(t, h.o.Release())

			st := waitFor(t, h.o, "discarded", func(s State) bool { return s.Phase.Kind == Idle && s.Err != nil })
			if st.Err.Kind != ErrorInvalidResult {
				t.Errorf("Err = %+v", st.Err)
			}
			if n := len(h.out.Drafts()); n != 0 {
				t.Errorf("%d drafts sent for a short recording", n)
			}
			if files := h.files(t); len(files) != 0 {
				t.Errorf("files left behind: %v", files)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, k := range reached {
				if k == TranscriptionComplete {
					t.Error("short recording reached TranscriptionComplete")
				}
			}
		})
	}
}

func TestPermissionGrantedWhileHolding(t *testing.T) {
	perm := audio.NewStaticPermission(audio.PermissionUndetermined, true)
	perm.Gate = make(chan struct{})
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true, perm: perm})

	mustOK(t, h.o.StartHold())
	st := h.o.State()
	if st.Phase.Kind != Idle || !st.PermissionPending {
		t.Fatalf("state before consent = %+v", st)
	}
	if f := DeriveFlags(st); !f.ShowPermissionWait || f.ShowError {
		t.Errorf("flags = %+v", f)
	}

	close(perm.Gate)
	st = waitPhase(t, h.o, Recording)
	if st.PermissionPending || st.Err != nil {
		t.Errorf("state after grant = %+v", st)
	}
	mustOK(t, h.o.Cancel())
}

func TestPermissionDenied(t *testing.T) {
	perm := audio.NewStaticPermission(audio.PermissionUndetermined, false)
	h := newHarness(t, harnessConfig{perm: perm})

	mustOK(t, h.o.StartHold())
	st := waitFor(t, h.o, "denial", func(s State) bool { return s.Err != nil })
	if st.Err.Kind != ErrorPermissionDenied || st.Phase.Kind != Idle || st.PermissionPending {
		t.Fatalf("state = %+v", st)
	}
	if f := DeriveFlags(st); !f.ShowPermissionWait || f.ShowError {
		t.Errorf("flags = %+v", f)
	}
	if h.fc.Starts() != 0 {
		t.Error("capture started without permission")
	}
}

func TestReleaseBeforeConsentDoesNotRecord(t *testing.T) {
	perm := audio.NewStaticPermission(audio.PermissionUndetermined, true)
	perm.Gate = make(chan struct{})
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), perm: perm})

	mustOK(t, h.o.StartHold())
	mustOK(t, h.o.Release())
	close(perm.Gate)

	waitFor(t, h.o, "prompt answered", func(s State) bool { return !s.PermissionPending })
	time.Sleep(20 * time.Millisecond)
	if st := h.o.State(); st.Phase.Kind != Idle || st.Err != nil {
		t.Errorf("state = %+v", st)
	}
	if h.fc.Starts() != 0 {
		t.Error("recorded after the user let go")
	}
	if perm.Requests() != 1 {
		t.Errorf("prompted %d times", perm.Requests())
	}
}

func TestStartFailureStaysIdle(t *testing.T) {
	t.Run("engine", func(t *testing.T) {
		h := newHarness(t, harnessConfig{})
		h.fc.StartErr = errors.New("device busy")
		mustOK(t, h.o.StartHold())
		st := h.o.State()
		if st.Phase.Kind != Idle || st.Err == nil || st.Err.Kind != ErrorEngineFailure {
			t.Fatalf("state = %+v", st)
		}
		if h.fc.ActiveCaptures() != 0 {
			t.Error("capture left running")
		}
	})
	t.Run("no recognizer", func(t *testing.T) {
		h := newHarness(t, harnessConfig{})
		o := New(h.rec, transcriber.NewEngine(h.fc, h.perm,
			func(string, []string) (transcriber.Recognizer, error) {
				return nil, errors.New("no key")
			}, nil, transcriber.EngineConfig{Dir: h.dir, Input: &audio.Exclusive{}}), h.out, Options{})
		defer o.Close()

		mustOK(t, o.StartHold())
		st := o.State()
		if st.Phase.Kind != Idle || st.Err == nil || st.Err.Kind != ErrorNoRecognizer {
			t.Fatalf("state = %+v", st)
		}
		// a new hold clears the old error before trying again
		mustOK(t, o.StartHold())
		if st := o.State(); st.Err == nil {
			t.Error("error lost on a repeated failure")
		}
	})
}

func TestCancelFromEveryPhase(t *testing.T) {
	setups := map[string]func(t *testing.T, h *harness){
		"recording": func(t *testing.T, h *harness) { holdFor(t, h, 200*time.Millisecond) },
		"dragging to cancel": func(t *testing.T, h *harness) {
			holdFor(t, h, 200*time.Millisecond)
			mustOK(t, h.o.DragTo(ZoneCancel))
		},
		"dragging to text": func(t *testing.T, h *harness) {
			holdFor(t, h, 200*time.Millisecond)
			mustOK(t, h.o.DragTo(ZoneConvertToText))
		},
		"complete": func(t *testing.T, h *harness) {
			holdFor(t, h, 200*time.Millisecond)
			mustOK(t, h.o.DragTo(ZoneConvertToText))
			mustOK(t, h.o.Release())
			waitPhase(t, h.o, TranscriptionComplete)
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
			setup(t, h)
			mustOK(t, h.o.Cancel())

			st := h.o.State()
			if st.Phase.Kind != Idle || st.Err != nil || st.TranscribedText != "" || st.Recording.Path != "" {
				t.Errorf("state after cancel = %+v", st)
			}
			if h.fc.ActiveCaptures() != 0 {
				t.Error("capture still running")
			}
			if n := len(h.out.Drafts()); n != 0 {
				t.Errorf("%d drafts after cancel", n)
			}
			if files := h.files(t); len(files) != 0 {
				t.Errorf("files left behind: %v", files)
			}
		})
	}
}

func TestReleaseInCancelZoneDiscards(t *testing.T) {
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
	holdFor(t, h, 300*time.Millisecond)
	mustOK(t, h.o.DragTo(ZoneCancel))
	mustOK(t, h.o.DragTo(ZoneNone))
	mustOK(t, h.o.DragTo(ZoneCancel))
	mustOK(t, h.o.Release())

	if st := h.o.State(); st.Phase.Kind != Idle || st.Err != nil {
		t.Fatalf("state = %+v", st)
	}
	if files := h.files(t); len(files) != 0 {
		t.Errorf("files left behind: %v", files)
	}
	if n := len(h.out.Drafts()); n != 0 {
		t.Errorf("%d drafts", n)
	}
}

func TestInvalidTransitionsLeaveStateAlone(t *testing.T) {
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
	before := h.o.State()
	for name, err := range map[string]error{
		"drag":    h.o.DragTo(ZoneCancel),
		"edit":    h.o.BeginEdit(),
		"confirm": h.o.ConfirmEdit("hi"),
		"voice":   h.o.SendVoice(),
	} {
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s from idle = %v", name, err)
		}
	}
	mustOK(t, h.o.Release())
	if after := h.o.State(); after.Phase != before.Phase {
		t.Errorf("phase changed to %v", after.Phase)
	}

	holdFor(t, h, 100*time.Millisecond)
	if err := h.o.StartHold(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second hold = %v", err)
	}
	if err := h.o.SetMode(ModeSimple); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("SetMode while recording = %v", err)
	}
	if h.fc.MaxActiveCaptures() != 1 {
		t.Errorf("max active captures = %d", h.fc.MaxActiveCaptures())
	}
}

func TestSimpleModeTranscribesFile(t *testing.T) {
	fr := &transcriber.FakeRecognizer{Lang: "en", FileText: "from the file"}
	h := newHarness(t, harnessConfig{
		pcm:  audio.Tone(time.Second, 0.3, encoder.SampleRate),
		pad:  true,
		fr:   fr,
		opts: Options{Mode: ModeSimple},
	})

	holdFor(t, h, 500*time.Millisecond)
	if n := len(h.o.State().Recording.Samples); n == 0 {
		t.Error("no waveform samples from the recorder")
	}
	mustOK(t, h.o.DragTo(ZoneConvertToText))
	mustOK(t, h.o.Release())

	st := waitPhase(t, h.o, TranscriptionComplete)
	if st.Phase.Text != "from the file" {
		t.Errorf("text = %q", st.Phase.Text)
	}
	if fr.Files() != 1 {
		t.Errorf("file transcriptions = %d", fr.Files())
	}
	if fr.Streams() != 0 {
		t.Error("simple mode opened a stream")
	}
}

func TestSilenceAutoStop(t *testing.T) {
	fr := transcriber.NewFakeRecognizer("en", transcriber.FakeStep{
		Delay:  5 * time.Millisecond,
		Update: transcriber.StreamUpdate{Transcript: "hi", IsFinal: true},
	})
	h := newHarness(t, harnessConfig{
		pcm: audio.Tone(300*time.Millisecond, 0.5, encoder.SampleRate),
		pad: true,
		fr:  fr,
		engine: transcriber.EngineConfig{
			SilenceDuration: 300 * time.Millisecond,
			LevelInterval:   50 * time.Millisecond,
		},
		opts: Options{AutoStopOnSilence: true},
	})

	mustOK(t, h.o.StartHold())
	st := waitPhase(t, h.o, TranscriptionComplete)
	if st.Phase.Text != "hi" {
		t.Errorf("text = %q", st.Phase.Text)
	}
	if st.Intent != IntentNone {
		t.Errorf("Intent = %v, want none", st.Intent)
	}
	// the key comes up after the automatic stop
	mustOK(t, h.o.Release())
	if k := h.o.State().Phase.Kind; k != TranscriptionComplete {
		t.Errorf("phase = %v", k)
	}
}

func TestSilenceIgnoredWhileDragging(t *testing.T) {
	h := newHarness(t, harnessConfig{
		pcm:      audio.Tone(300*time.Millisecond, 0.5, encoder.SampleRate),
		pad:      true,
		realtime: true,
		engine: transcriber.EngineConfig{
			SilenceDuration: 300 * time.Millisecond,
			LevelInterval:   50 * time.Millisecond,
		},
		opts: Options{AutoStopOnSilence: true},
	})

	mustOK(t, h.o.StartHold())
	mustOK(t, h.o.DragTo(ZoneCancel))
	time.Sleep(time.Second)
	if k := h.o.State().Phase.Kind; k != DraggingToCancel {
		t.Fatalf("silence moved a dragging recording to %v", k)
	}
	mustOK(t, h.o.Release())
}

func TestLanguageChange(t *testing.T) {
	t.Run("finished recording is transcribed again", func(t *testing.T) {
		fr := transcriber.NewFakeRecognizer("en", transcriber.FakeStep{
			Delay:  5 * time.Millisecond,
			Update: transcriber.StreamUpdate{Transcript: "hello world", IsFinal: true},
		})
		fr.FileText = "hallo welt"
		h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true, fr: fr})

		holdFor(t, h, 300*time.Millisecond)
		mustOK(t, h.o.DragTo(ZoneConvertToText))
		mustOK(t, h.o.Release())
		first := waitPhase(t, h.o, TranscriptionComplete)

		mustOK(t, h.o.SetLanguage("de"))
		st := waitFor(t, h.o, "new transcript", func(s State) bool {
			return s.Phase.Kind == TranscriptionComplete && s.Phase.Text == "hallo welt"
		})
		if st.Language != "de" || fr.Language() != "de" {
			t.Errorf("language = %q, recognizer %q", st.Language, fr.Language())
		}
		if st.Recording.Path != first.Recording.Path {
			t.Error("re-transcription replaced the recording")
		}
		if fr.Streams() != 1 {
			t.Errorf("streams = %d, want no new capture", fr.Streams())
		}
	})
	t.Run("recording restarts while held", func(t *testing.T) {
		h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
		holdFor(t, h, 300*time.Millisecond)
		old := h.files(t)

		mustOK(t, h.o.SetLanguage("fr"))
		st := h.o.State()
		if st.Phase.Kind != Recording {
			t.Fatalf("phase = %v", st.Phase)
		}
		// the new stream dials in the background
		eventually(t, "restarted stream", func() bool { return h.fr.Streams() == 2 })
		if st := h.o.State(); st.Phase.Kind != Recording || st.Language != "fr" {
			t.Errorf("after restart phase = %v, language = %q", st.Phase, st.Language)
		}
		if h.fc.MaxActiveCaptures() != 1 {
			t.Errorf("max active captures = %d", h.fc.MaxActiveCaptures())
		}
		for _, name := range old {
			if _, err := os.Stat(h.dir + "/" + name); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("discarded recording %s still on disk", name)
			}
		}
	})
}

func TestDeliveryFailureKeepsFile(t *testing.T) {
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
	h.out.err = errors.New("disk full")

	holdFor(t, h, 300*time.Millisecond)
	mustOK(t, h.o.Release())
	st := h.o.State()
	if st.Phase.Kind != Idle || st.Err == nil || st.Err.Kind != ErrorDelivery {
		t.Fatalf("state = %+v", st)
	}
	if files := h.files(t); len(files) != 1 {
		t.Errorf("files = %v, want the recording kept", files)
	}
}

func TestDraftCarriesReplyAndAttachments(t *testing.T) {
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
	h.o.SetReply("msg-42")
	h.o.AddAttachment("photo.jpg")

	holdFor(t, h, 300*time.Millisecond)
	mustOK(t, h.o.Release())
	d := h.out.Drafts()
	if len(d) != 1 || d[0].ReplyTo != "msg-42" || len(d[0].Attachments) != 1 || d[0].Attachments[0] != "photo.jpg" {
		t.Fatalf("drafts = %+v", d)
	}
	if st := h.o.State(); st.ReplyTo != "" || len(st.Attachments) != 0 {
		t.Errorf("reply context not cleared after send: %+v", st)
	}
	if h.o.Drafts() != 1 {
		t.Errorf("Drafts = %d", h.o.Drafts())
	}
}

func TestSubscribeKeepsLatest(t *testing.T) {
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
	ch, cancel := h.o.Subscribe()

	holdFor(t, h, 500*time.Millisecond)
	mustOK(t, h.o.Cancel())

	var last State
	n := 0
	for done := false; !done; {
		select {
		case st := <-ch:
			last = st
			n++
		default:
			done = true
		}
	}
	if n == 0 || n > subscriberBuffer {
		t.Errorf("drained %d states", n)
	}
	if last.Phase.Kind != Idle {
		t.Errorf("latest state = %v, want idle", last.Phase)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}
}

func TestCloseIsFinal(t *testing.T) {
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true})
	ch, _ := h.o.Subscribe()
	holdFor(t, h, 200*time.Millisecond)

	h.o.Close()
	h.o.Close()
	if h.fc.ActiveCaptures() != 0 {
		t.Error("capture running after Close")
	}
	if err := h.o.StartHold(); !errors.Is(err, ErrClosed) {
		t.Errorf("StartHold after Close = %v", err)
	}
	for range ch {
	}
}

// TestAtMostOneCaptureUnderRandomInterleavings drives the orchestrator and
// both capture components directly from several goroutines.
func TestAtMostOneCaptureUnderRandomInterleavings(t *testing.T) {
	fr := transcriber.NewFakeRecognizer("en", transcriber.FakeStep{
		Delay:  time.Millisecond,
		Update: transcriber.StreamUpdate{Transcript: "x", IsFinal: true},
	})
	fr.FileText = "x"
	h := newHarness(t, harnessConfig{pcm: audio.Tone(time.Second, 0.3, encoder.SampleRate), pad: true, fr: fr})

	var mu sync.Mutex
	var violations []string
	h.o.observe = func(from, to PhaseKind) {
		mu.Lock()
		defer mu.Unlock()
		if to == TranscriptionComplete && from != ProcessingTranscription {
			violations = append(violations, from.String()+" -> complete")
		}
		if from == Idle && to != Idle && to != Recording {
			violations = append(violations, "idle -> "+to.String())
		}
	}

	accept := func(op string, err error) {
		if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("%s: %v", op, err)
		}
	}

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(20261014, uint64(w)))
			for range 60 {
				switch rng.IntN(11) {
				case 0:
					accept("hold", h.o.StartHold())
				case 1:
					accept("release", h.o.Release())
				case 2:
					accept("drag", h.o.DragTo(Zone(rng.IntN(3))))
				case 3:
					accept("cancel", h.o.Cancel())
				case 4:
					accept("send voice", h.o.SendVoice())
				case 5:
					accept("confirm", h.o.ConfirmEdit("x"))
				case 6:
					hd, err := h.rec.Start(context.Background())
					if err != nil {
						t.Errorf("recorder start: %v", err)
						continue
					}
					first := hd.Stop()
					second := hd.Stop()
					if second.Duration > first.Duration {
						t.Errorf("second stop %v > first %v", second.Duration, first.Duration)
					}
				case 7:
					s, err := h.eng.StartStreaming(context.Background())
					if err != nil {
						t.Errorf("engine start: %v", err)
						continue
					}
					first := s.Stop()
					if second := s.Stop(); second != first {
						t.Errorf("second stop %+v != first %+v", second, first)
					}
				case 8:
					accept("mode", h.o.SetMode(Mode(rng.IntN(2))))
				case 9:
					time.Sleep(time.Duration(rng.IntN(3)) * time.Millisecond)
				case 10:
					accept("language", h.o.SetLanguage([]string{"en", "de"}[rng.IntN(2)]))
				}
				if n := h.fc.ActiveCaptures(); n > 1 {
					t.Errorf("%d captures active", n)
				}
			}
		}()
	}
	wg.Wait()

	mustOK(t, h.o.Cancel())
	h.o.Close()
	if n := h.fc.MaxActiveCaptures(); n > 1 {
		t.Errorf("max active captures = %d", n)
	}
	if n := h.fc.ActiveCaptures(); n != 0 {
		t.Errorf("%d captures still active", n)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, v := range violations {
		t.Errorf("illegal transition %s", v)
	}
}
