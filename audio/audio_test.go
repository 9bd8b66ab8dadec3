package audio

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingHolder struct {
	stops atomic.Int32
	onStop func()
}

func (h *countingHolder) ForceStop() {
	h.stops.Add(1)
	if h.onStop != nil {
		h.onStop()
	}
}

func TestExclusiveForceStopsPrevious(t *testing.T) {
	e := &Exclusive{}
	a := &countingHolder{}
	b := &countingHolder{}

	if err := e.Acquire(a, nil); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if err := e.Acquire(b, nil); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
	if a.stops.Load() != 1 {
		t.Errorf("a stopped %d times, want 1", a.stops.Load())
	}
	if b.stops.Load() != 0 {
		t.Errorf("b stopped %d times, want 0", b.stops.Load())
	}
	if e.Holder() != b {
		t.Error("holder should be b")
	}

	e.Release(a) // stale release must not free b
	if e.Holder() != b {
		t.Error("stale release freed the path")
	}
	e.Release(b)
	if e.Holder() != nil {
		t.Error("path should be free")
	}
}

func TestExclusiveStartFailureFreesPath(t *testing.T) {
	e := &Exclusive{}
	h := &countingHolder{}
	want := errors.New("boom")
	if err := e.Acquire(h, func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
	if e.Holder() != nil {
		t.Error("failed start should leave the path free")
	}
}

func TestExclusiveConcurrentAcquireNeverOverlaps(t *testing.T) {
	e := &Exclusive{}
	var active, peak atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var once sync.Once
			h := &countingHolder{}
			h.onStop = func() {
				once.Do(func() { active.Add(-1) })
			}
			_ = e.Acquire(h, func() error {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				return nil
			})
		}()
	}
	wg.Wait()
	if peak.Load() > 1 {
		t.Errorf("peak active holders = %d, want 1", peak.Load())
	}
}

func TestNormalizeLevel(t *testing.T) {
	tests := []struct {
		name string
		rms  float64
		want float64
	}{
		{"silence maps to floor", 0, LevelFloor},
		{"full scale", 1, 1},
		{"above full scale clamps", 2, 1},
		{"-25 dBFS is midway", 0.056234, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeLevel(tt.rms, LevelFloor)
			if diff := got - tt.want; diff > 0.01 || diff < -0.01 {
				t.Errorf("NormalizeLevel(%v) = %v, want %v", tt.rms, got, tt.want)
			}
		})
	}
}

func TestRMSOfTone(t *testing.T) {
	pcm := Tone(100*time.Millisecond, 0.5, 16000)
	got := RMS(pcm)
	// sine RMS is amplitude / sqrt(2)
	if got < 0.34 || got > 0.37 {
		t.Errorf("RMS = %v, want ~0.354", got)
	}
	if RMS(Tone(100*time.Millisecond, 0, 16000)) != 0 {
		t.Error("silence should have zero RMS")
	}
}

func TestStaticPermission(t *testing.T) {
	p := NewStaticPermission(PermissionUndetermined, true)
	ok, err := p.Request(context.Background())
	if err != nil || !ok {
		t.Fatalf("Request = %v, %v", ok, err)
	}
	ok, _ = p.Request(context.Background())
	if !ok || p.Requests() != 1 {
		t.Errorf("second request should not prompt again (requests=%d)", p.Requests())
	}

	denied := NewStaticPermission(PermissionDenied, true)
	if ok, _ := denied.Request(context.Background()); ok {
		t.Error("decided denial must stick")
	}
}

func TestStaticPermissionGateHonoursContext(t *testing.T) {
	p := NewStaticPermission(PermissionUndetermined, true)
	p.Gate = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Request(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
	if p.Status() != PermissionUndetermined {
		t.Error("cancelled prompt should leave status undetermined")
	}
}

func TestProbePermissionDeniesOnStartFailure(t *testing.T) {
	fc := NewFakeContextPCM(nil, false)
	fc.StartErr = ErrEngineFailure
	p := NewProbePermission(fc, nil, CaptureConfig{SampleRate: 16000, Channels: 1})
	if ok, _ := p.Request(context.Background()); ok {
		t.Error("probe should deny when capture cannot start")
	}
	if p.Status() != PermissionDenied {
		t.Errorf("status = %v", p.Status())
	}
}

func TestFakeCaptureDeliversClip(t *testing.T) {
	pcm := Tone(500*time.Millisecond, 0.3, 16000)
	fc := NewFakeContextPCM(pcm, false)
	dev, _ := fc.NewCapture(nil, CaptureConfig{SampleRate: 16000, Channels: 1})

	var frames atomic.Uint64
	dev.SetCallback(func(_ []byte, n uint32) { frames.Add(uint64(n)) })
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-dev.(*FakeCapture).AudioDone():
	case <-time.After(2 * time.Second):
		t.Fatal("clip not delivered")
	}
	if fc.ActiveCaptures() != 1 {
		t.Errorf("active = %d, want 1", fc.ActiveCaptures())
	}
	dev.Stop()
	dev.Stop()
	if fc.ActiveCaptures() != 0 {
		t.Errorf("active after stop = %d", fc.ActiveCaptures())
	}
	if got := frames.Load(); got != 8000 {
		t.Errorf("frames = %d, want 8000", got)
	}
}

func TestFakePlaybackSignalsEnd(t *testing.T) {
	fc := NewFakeContextPCM(nil, false)
	dev, _ := fc.NewPlayback(PlaybackConfig{SampleRate: 16000, Channels: 1})
	remaining := 4000
	ended := make(chan struct{})
	err := dev.Start(func(out []int16) int {
		n := min(len(out), remaining)
		remaining -= n
		if n < len(out) {
			select {
			case <-ended:
			default:
				close(ended)
			}
		}
		return n
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never reached end")
	}
	dev.Stop()
	if fc.SamplesPlayed() != 4000 {
		t.Errorf("played %d samples, want 4000", fc.SamplesPlayed())
	}
}
