package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const groqAPIURL = "https://api.groq.com/openai/v1/audio/transcriptions"

type Groq struct {
	apiKey string
	lang   string
	prompt string
	client *TracedClient
	apiURL string
}

func NewGroq(apiKey, lang string, vocabulary []string) *Groq {
	g := &Groq{
		apiKey: apiKey,
		lang:   lang,
		prompt: strings.Join(vocabulary, ", "),
		client: NewTracedClient(groqAPIURL),
		apiURL: groqAPIURL,
	}
	go g.client.Warm()
	return g
}

func (g *Groq) Name() string     { return "groq" }
func (g *Groq) Language() string { return g.lang }
func (g *Groq) Streaming() bool  { return false }

func (g *Groq) Stream(context.Context, StreamConfig) (StreamConn, error) {
	return nil, fmt.Errorf("groq: %w", ErrStreamingUnsupported)
}

type groqResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		NoSpeechProb float64 `json:"no_speech_prob"`
		AvgLogProb   float64 `json:"avg_logprob"`
	} `json:"segments"`
}

func (g *Groq) TranscribeFile(ctx context.Context, audioData []byte, format string) (*Result, error) {
	resp, err := postWhisperForm(ctx, g.client, g.apiURL, g.apiKey, audioData, format, map[string]string{
		"model":           "whisper-large-v3-turbo",
		"response_format": "verbose_json",
		"language":        g.lang,
		"prompt":          g.prompt,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("groq API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var gResp groqResponse
	if err := json.Unmarshal(resp.Body, &gResp); err != nil {
		return nil, fmt.Errorf("groq response parse error: %w", err)
	}

	// Whisper has no confidence score; 1 minus the worst no-speech
	// probability is the closest proxy.
	confidence := 1.0
	for _, seg := range gResp.Segments {
		if 1-seg.NoSpeechProb < confidence {
			confidence = 1 - seg.NoSpeechProb
		}
	}

	remaining := firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests")
	limit := firstNonEmpty(resp.Header, "x-ratelimit-limit-requests")

	return &Result{
		Text:       gResp.Text,
		Metrics:    resp.Metrics,
		RateLimit:  remaining + "/" + limit,
		Confidence: confidence,
		Duration:   gResp.Duration,
	}, nil
}
