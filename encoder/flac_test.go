package encoder

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sineSamples(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(math.Sin(2*math.Pi*440*float64(i)/SampleRate) * 12000)
	}
	return out
}

func toPCM(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestFlacEncoder(t *testing.T) {
	samples := sineSamples(SampleRate * 2)

	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}

	var totalFed uint64
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		block := samples[i:end]
		if err := enc.EncodeBlock(block); err != nil {
			t.Fatalf("EncodeBlock at offset %d: %v", i, err)
		}
		totalFed += uint64(len(block))
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if enc.TotalFrames() != totalFed {
		t.Errorf("TotalFrames = %d, want %d", enc.TotalFrames(), totalFed)
	}

	flacData := enc.Bytes()
	if len(flacData) < 4 || string(flacData[:4]) != "fLaC" {
		t.Fatal("output does not start with FLAC magic")
	}
}

func TestFlacEncoderEmpty(t *testing.T) {
	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close on empty encoder: %v", err)
	}
	if enc.TotalFrames() != 0 {
		t.Errorf("TotalFrames = %d, want 0", enc.TotalFrames())
	}
	if len(enc.Bytes()) == 0 {
		t.Error("expected non-empty FLAC output (at least header)")
	}
}

func TestPipeFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec"+Extension)
	enc, err := CreateFlacFile(path)
	if err != nil {
		t.Fatalf("CreateFlacFile: %v", err)
	}
	pipe := NewPipe(enc)

	samples := sineSamples(SampleRate*3/2 + 123) // not a multiple of BlockSize
	pcm := toPCM(samples)
	for i := 0; i < len(pcm); i += 2048 {
		pipe.Feed(pcm[i:min(i+2048, len(pcm))])
	}
	if pipe.Frames() != uint64(len(samples)) {
		t.Errorf("Frames = %d, want %d", pipe.Frames(), len(samples))
	}
	if err := pipe.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := pipe.Close(); !errors.Is(err, ErrPipeClosed) {
		t.Errorf("second Close = %v, want ErrPipeClosed", err)
	}
	pipe.Feed(pcm) // ignored after close

	decoded, err := DecodeFile(path)
	if err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
	if decoded.SampleRate != SampleRate {
		t.Errorf("SampleRate = %d", decoded.SampleRate)
	}
	if len(decoded.Samples) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded.Samples), len(samples))
	}
	for i := range samples {
		if decoded.Samples[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, decoded.Samples[i], samples[i])
		}
	}
	want := time.Duration(len(samples)) * time.Second / SampleRate
	if decoded.Duration() != want {
		t.Errorf("Duration = %v, want %v", decoded.Duration(), want)
	}
}

func TestCreateFlacFileCloseKeepsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take"+Extension)
	enc, err := CreateFlacFile(path)
	if err != nil {
		t.Fatalf("CreateFlacFile: %v", err)
	}
	pipe := NewPipe(enc)
	pipe.Feed(toPCM(sineSamples(BlockSize * 2)))
	if err := pipe.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file gone after Close: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("file is empty after Close")
	}
	if _, err := DecodeFile(path); err != nil {
		t.Fatalf("DecodeFile: %v", err)
	}
}

func TestDecodeFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.flac")
	if err := os.WriteFile(path, []byte("not a flac file"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFile(path); err == nil {
		t.Error("expected error for invalid file")
	}
}
