package transcriber

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrRecognitionFailure covers backend errors and empty responses.
	ErrRecognitionFailure = errors.New("recognition failed")
	// ErrNoRecognizer is returned when no backend can serve the configured
	// provider and language.
	ErrNoRecognizer = errors.New("no recognizer available")
	// ErrStreamingUnsupported is returned by backends that only accept files.
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}

type Result struct {
	Text       string
	Metrics    *NetworkMetrics
	RateLimit  string
	Confidence float64
	Duration   float64
}

type StreamConfig struct {
	SampleRate int
	Channels   int
}

// StreamUpdate is one message from a live recognition stream.
type StreamUpdate struct {
	Transcript   string
	IsFinal      bool
	SpeechFinal  bool
	FromFinalize bool
}

// StreamConn is a live connection to a recognition backend. Send and
// CloseSend are called from one goroutine, Recv from another.
type StreamConn interface {
	Send(pcm []byte) error
	// CloseSend asks the backend to flush pending results.
	CloseSend() error
	Recv() (StreamUpdate, error)
	Close() error
}

// Recognizer is a speech backend bound to one language and vocabulary.
// Changing either means building a new one.
type Recognizer interface {
	Name() string
	Language() string
	Streaming() bool
	Stream(ctx context.Context, cfg StreamConfig) (StreamConn, error)
	TranscribeFile(ctx context.Context, audio []byte, format string) (*Result, error)
}
