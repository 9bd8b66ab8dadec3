package recorder

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"murmur/audio"
	"murmur/encoder"
)

func newTestRecorder(t *testing.T, pcm []byte, status audio.PermissionStatus) (*Recorder, *audio.FakeContext) {
	t.Helper()
	fc := audio.NewFakeContextPCM(pcm, false)
	r := New(fc, audio.NewStaticPermission(status, true), Config{
		Dir:      t.TempDir(),
		Interval: 5 * time.Millisecond,
		Input:    &audio.Exclusive{},
	})
	return r, fc
}

func waitDuration(t *testing.T, h *Handle, want time.Duration) Progress {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case p, ok := <-h.Progress():
			if !ok {
				t.Fatal("progress closed early")
			}
			if p.Duration >= want {
				return p
			}
		case <-timeout:
			t.Fatalf("duration never reached %v", want)
		}
	}
}

func TestRecordAndStop(t *testing.T) {
	pcm := audio.Tone(2500*time.Millisecond, 0.4, encoder.SampleRate)
	r, fc := newTestRecorder(t, pcm, audio.PermissionGranted)

	h, err := r.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := waitDuration(t, h, 2500*time.Millisecond)
	if len(p.Samples) == 0 {
		t.Error("expected waveform samples")
	}
	for _, s := range p.Samples {
		if s < audio.LevelFloor || s > 1 {
			t.Errorf("sample %v outside [floor,1]", s)
		}
	}

	snap := r.Stop()
	if snap.Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %v, want 2.5s", snap.Duration)
	}
	if snap.Path != h.Path() {
		t.Errorf("Path = %q, want %q", snap.Path, h.Path())
	}
	if fc.ActiveCaptures() != 0 {
		t.Error("capture still active after Stop")
	}
	select {
	case <-h.Done():
	default:
		t.Error("handle not done after Stop")
	}
	for range h.Progress() {
		// drains buffered reports; the loop only ends if the channel is closed
	}

	decoded, err := encoder.DecodeFile(snap.Path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if len(decoded.Samples) != len(pcm)/2 {
		t.Errorf("file has %d samples, want %d", len(decoded.Samples), len(pcm)/2)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r, _ := newTestRecorder(t, audio.Tone(time.Second, 0.2, encoder.SampleRate), audio.PermissionGranted)

	if snap := r.Stop(); snap.Duration != 0 || snap.Path != "" {
		t.Errorf("Stop before Start = %+v, want zero", snap)
	}

	h, err := r.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	waitDuration(t, h, time.Second)

	first := r.Stop()
	second := r.Stop()
	if second.Duration > first.Duration {
		t.Errorf("second Stop duration %v > first %v", second.Duration, first.Duration)
	}
	if second.Path != "" {
		t.Errorf("second Stop should not hand out the path again, got %q", second.Path)
	}
}

func TestStartWithoutPermission(t *testing.T) {
	r, fc := newTestRecorder(t, nil, audio.PermissionUndetermined)
	if _, err := r.Start(context.Background()); !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if fc.Starts() != 0 {
		t.Error("hardware touched without permission")
	}
	if !r.RequestPermission(context.Background()) {
		t.Fatal("RequestPermission should grant")
	}
	if _, err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start after grant: %v", err)
	}
	r.Stop()
}

func TestStartFailureLeavesNoFile(t *testing.T) {
	r, fc := newTestRecorder(t, nil, audio.PermissionGranted)
	fc.StartErr = errors.New("device busy")

	h, err := r.Start(context.Background())
	if !errors.Is(err, audio.ErrEngineFailure) {
		t.Fatalf("Start = %v, want ErrEngineFailure", err)
	}
	if h != nil {
		t.Error("expected nil handle")
	}
	entries, _ := os.ReadDir(r.cfg.Dir)
	if len(entries) != 0 {
		t.Errorf("left %d files behind", len(entries))
	}
	if r.Active() {
		t.Error("recorder reports active after failed start")
	}
}

func TestRestartForceStopsPrevious(t *testing.T) {
	r, fc := newTestRecorder(t, audio.Tone(time.Second, 0.2, encoder.SampleRate), audio.PermissionGranted)

	first, err := r.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-first.Done():
	default:
		t.Error("first recording should be stopped")
	}
	if fc.MaxActiveCaptures() > 1 {
		t.Errorf("max active captures = %d", fc.MaxActiveCaptures())
	}
	if first.Path() == second.Path() {
		t.Error("each recording needs its own file")
	}
	r.Stop()
}

func TestSampleRingIsBounded(t *testing.T) {
	fc := audio.NewFakeContextPCM(audio.Tone(200*time.Millisecond, 0.2, encoder.SampleRate), false)
	fc.PadSilence = true
	r := New(fc, audio.NewStaticPermission(audio.PermissionGranted, true), Config{
		Dir:        t.TempDir(),
		Interval:   time.Millisecond,
		MaxSamples: 10,
		Input:      &audio.Exclusive{},
	})
	h, err := r.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	snap := r.Stop()
	if len(snap.Samples) > 10 {
		t.Errorf("kept %d samples, cap is 10", len(snap.Samples))
	}
	for range h.Progress() {
	}
}

func TestHandleStopAfterForcedStop(t *testing.T) {
	r, _ := newTestRecorder(t, audio.Tone(time.Second, 0.3, encoder.SampleRate), audio.PermissionGranted)
	h, err := r.Start(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	waitDuration(t, h, 500*time.Millisecond)
	r.ForceStop()

	snap := h.Stop()
	if snap.Path != h.Path() {
		t.Errorf("Path = %q, want %q", snap.Path, h.Path())
	}
	if again := h.Stop(); again.Duration != snap.Duration {
		t.Errorf("second Stop duration %v, first %v", again.Duration, snap.Duration)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done open after Stop")
	}
}
