package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MURMUR_PROVIDER", "MURMUR_DEEPGRAM_API_KEY", "DEEPGRAM_API_KEY",
		"MURMUR_GROQ_API_KEY", "GROQ_API_KEY", "MURMUR_OPENAI_API_KEY", "OPENAI_API_KEY",
		"MURMUR_LANGUAGE", "MURMUR_MODE", "MURMUR_SILENCE_THRESHOLD",
		"MURMUR_SILENCE_DURATION", "MURMUR_AUTO_STOP_ON_SILENCE", "MURMUR_S3_BUCKET",
		"MURMUR_S3_ACCESS_KEY_ID", "MURMUR_S3_SECRET_ACCESS_KEY", "MURMUR_S3_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transcription.Provider != "deepgram" {
		t.Errorf("Provider = %q, want deepgram", cfg.Transcription.Provider)
	}
	if cfg.Transcription.Mode != ModeStream {
		t.Errorf("Mode = %q", cfg.Transcription.Mode)
	}
	if cfg.Capture.WaveformSamples != 100 {
		t.Errorf("WaveformSamples = %d", cfg.Capture.WaveformSamples)
	}
	if cfg.Capture.MinDuration != 100*time.Millisecond {
		t.Errorf("MinDuration = %v", cfg.Capture.MinDuration)
	}
	if cfg.Upload.Enabled() {
		t.Error("upload should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadPicksProviderWithKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("GROQ_API_KEY", "gsk-test")
	cfg, _ := Load()
	if cfg.Transcription.Provider != "groq" {
		t.Errorf("Provider = %q, want groq", cfg.Transcription.Provider)
	}
	if cfg.Transcription.APIKey() != "gsk-test" {
		t.Errorf("APIKey = %q", cfg.Transcription.APIKey())
	}
}

func TestLoadParsesDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("MURMUR_SILENCE_DURATION", "1500")
	t.Setenv("MURMUR_AUTO_STOP_ON_SILENCE", "yes")
	cfg, _ := Load()
	if cfg.Capture.SilenceDuration != 1500*time.Millisecond {
		t.Errorf("SilenceDuration = %v", cfg.Capture.SilenceDuration)
	}
	if !cfg.Capture.AutoStopOnSilence {
		t.Error("AutoStopOnSilence should be true")
	}

	t.Setenv("MURMUR_SILENCE_DURATION", "3s")
	cfg, _ = Load()
	if cfg.Capture.SilenceDuration != 3*time.Second {
		t.Errorf("SilenceDuration = %v", cfg.Capture.SilenceDuration)
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	clearEnv(t)
	cfg, _ := Load()
	cfg.Transcription.Provider = "whisper"
	cfg.Capture.SilenceThreshold = 2
	cfg.Upload.Bucket = "voice"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"Transcription.Provider must be one of",
		"Capture.SilenceThreshold must be less than or equal to 1",
		"Upload.AccessKeyID is required when Bucket is set",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
}
