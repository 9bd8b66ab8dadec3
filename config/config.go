package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	ModeStream = "stream"
	ModeSimple = "simple"
)

// Config stores runtime configuration for capture, transcription and hand-off.
type Config struct {
	Transcription TranscriptionConfig
	Capture       CaptureConfig
	Storage       StorageConfig
	Upload        UploadConfig
}

type TranscriptionConfig struct {
	Provider       string `validate:"required,oneof=deepgram groq openai"`
	DeepgramAPIKey string
	GroqAPIKey     string
	OpenAIAPIKey   string
	Language       string `validate:"omitempty,max=16"`
	VocabularyFile string `validate:"omitempty,max=4096"`
	Mode           string `validate:"required,oneof=stream simple"`
}

type CaptureConfig struct {
	Device            string
	SilenceThreshold  float64       `validate:"gte=0,lte=1"`
	SilenceDuration   time.Duration `validate:"gte=100ms,lte=5m"`
	AutoStopOnSilence bool
	LevelInterval     time.Duration `validate:"gte=10ms,lte=1s"`
	WaveformSamples   int           `validate:"gte=1,lte=10000"`
	MinDuration       time.Duration `validate:"gte=0,lte=10s"`
}

type StorageConfig struct {
	DataDir       string `validate:"required"`
	RecordingsDir string `validate:"required"`
}

// UploadConfig describes an optional S3-compatible bucket for voice audio.
type UploadConfig struct {
	Endpoint        string `validate:"omitempty,url"`
	Bucket          string `validate:"omitempty,max=63"`
	AccessKeyID     string `validate:"required_with=Bucket"`
	SecretAccessKey string `validate:"required_with=Bucket"`
	Prefix          string `validate:"omitempty,max=512"`
}

func (u UploadConfig) Enabled() bool { return u.Bucket != "" }

// APIKey returns the key for the configured provider.
func (t TranscriptionConfig) APIKey() string {
	switch t.Provider {
	case "deepgram":
		return t.DeepgramAPIKey
	case "groq":
		return t.GroqAPIKey
	case "openai":
		return t.OpenAIAPIKey
	}
	return ""
}

// Load resolves configuration from environment variables and defaults.
func Load() (Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Transcription: TranscriptionConfig{
			DeepgramAPIKey: firstNonEmpty(os.Getenv("MURMUR_DEEPGRAM_API_KEY"), os.Getenv("DEEPGRAM_API_KEY")),
			GroqAPIKey:     firstNonEmpty(os.Getenv("MURMUR_GROQ_API_KEY"), os.Getenv("GROQ_API_KEY")),
			OpenAIAPIKey:   firstNonEmpty(os.Getenv("MURMUR_OPENAI_API_KEY"), os.Getenv("OPENAI_API_KEY")),
			Language:       envOrDefault("MURMUR_LANGUAGE", "en"),
			VocabularyFile: strings.TrimSpace(os.Getenv("MURMUR_VOCABULARY_FILE")),
			Mode:           envOrDefault("MURMUR_MODE", ModeStream),
		},
		Capture: CaptureConfig{
			Device:            strings.TrimSpace(os.Getenv("MURMUR_DEVICE")),
			SilenceThreshold:  envOrDefaultFloat("MURMUR_SILENCE_THRESHOLD", 0.15),
			SilenceDuration:   envOrDefaultDuration("MURMUR_SILENCE_DURATION", 2*time.Second),
			AutoStopOnSilence: envOrDefaultBool("MURMUR_AUTO_STOP_ON_SILENCE", false),
			LevelInterval:     envOrDefaultDuration("MURMUR_LEVEL_INTERVAL", 100*time.Millisecond),
			WaveformSamples:   envOrDefaultInt("MURMUR_WAVEFORM_SAMPLES", 100),
			MinDuration:       envOrDefaultDuration("MURMUR_MIN_DURATION", 100*time.Millisecond),
		},
		Storage: StorageConfig{
			DataDir:       envOrDefault("MURMUR_DATA_DIR", dataDir),
			RecordingsDir: envOrDefault("MURMUR_RECORDINGS_DIR", filepath.Join(os.TempDir(), "murmur-recordings")),
		},
		Upload: UploadConfig{
			Endpoint:        strings.TrimSpace(os.Getenv("MURMUR_S3_ENDPOINT")),
			Bucket:          strings.TrimSpace(os.Getenv("MURMUR_S3_BUCKET")),
			AccessKeyID:     strings.TrimSpace(os.Getenv("MURMUR_S3_ACCESS_KEY_ID")),
			SecretAccessKey: strings.TrimSpace(os.Getenv("MURMUR_S3_SECRET_ACCESS_KEY")),
			Prefix:          strings.TrimSpace(os.Getenv("MURMUR_S3_PREFIX")),
		},
	}

	cfg.Transcription.Provider = envOrDefault("MURMUR_PROVIDER", defaultProvider(cfg.Transcription))
	cfg.Transcription.Mode = strings.ToLower(cfg.Transcription.Mode)
	return cfg, nil
}

// defaultProvider picks the first provider with a key, preferring the one
// that can stream.
func defaultProvider(t TranscriptionConfig) string {
	switch {
	case t.DeepgramAPIKey != "":
		return "deepgram"
	case t.GroqAPIKey != "":
		return "groq"
	case t.OpenAIAPIKey != "":
		return "openai"
	}
	return "deepgram"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and returns one readable error listing
// every violation.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		msgs = append(msgs, field+" "+formatValidationMessage(e))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "required_with":
		return fmt.Sprintf("is required when %s is set", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

func defaultDataDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", errors.New("could not determine home directory")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "murmur"), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// envOrDefaultDuration accepts Go duration strings or plain milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
