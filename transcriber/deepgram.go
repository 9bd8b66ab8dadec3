package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	deepgramAPIURL    = "https://api.deepgram.com/v1/listen"
	deepgramStreamURL = "wss://api.deepgram.com/v1/listen"
	deepgramModel     = "nova-3"
)

type Deepgram struct {
	apiKey   string
	lang     string
	keyterms []string
	client   *TracedClient
	apiURL   string
	wsURL    string
}

func NewDeepgram(apiKey, lang string, keyterms []string) *Deepgram {
	return &Deepgram{
		apiKey:   apiKey,
		lang:     lang,
		keyterms: keyterms,
		client:   NewTracedClient("https://api.deepgram.com"),
		apiURL:   deepgramAPIURL,
		wsURL:    deepgramStreamURL,
	}
}

func (d *Deepgram) Name() string     { return "deepgram" }
func (d *Deepgram) Language() string { return d.lang }
func (d *Deepgram) Streaming() bool  { return true }

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
		Channels int     `json:"channels"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// query builds the shared listen parameters for file and stream requests.
func (d *Deepgram) query() url.Values {
	q := url.Values{}
	q.Set("model", deepgramModel)
	q.Set("smart_format", "true")
	if d.lang != "" {
		q.Set("language", d.lang)
	}
	for _, term := range d.keyterms {
		q.Add("keyterm", term)
	}
	return q
}

func (d *Deepgram) TranscribeFile(ctx context.Context, audioData []byte, format string) (*Result, error) {
	contentType := "audio/flac"
	if format == "wav" {
		contentType = "audio/wav"
	}

	endpoint := d.apiURL + "?" + d.query().Encode()
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(audioData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("deepgram API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var dgResp deepgramResponse
	if err := json.Unmarshal(resp.Body, &dgResp); err != nil {
		return nil, fmt.Errorf("deepgram response parse error: %w", err)
	}

	var text string
	var confidence float64
	if len(dgResp.Results.Channels) > 0 && len(dgResp.Results.Channels[0].Alternatives) > 0 {
		alt := dgResp.Results.Channels[0].Alternatives[0]
		text = alt.Transcript
		confidence = alt.Confidence
	}

	remaining := firstNonEmpty(resp.Header,
		"x-dg-ratelimit-remaining", "x-ratelimit-remaining", "ratelimit-remaining")
	limit := firstNonEmpty(resp.Header,
		"x-dg-ratelimit-limit", "x-ratelimit-limit", "ratelimit-limit")

	return &Result{
		Text:       text,
		Metrics:    resp.Metrics,
		RateLimit:  remaining + "/" + limit,
		Confidence: confidence,
		Duration:   dgResp.Metadata.Duration,
	}, nil
}

func (d *Deepgram) streamURL(cfg StreamConfig) string {
	q := d.query()
	q.Set("encoding", "linear16")
	q.Set("interim_results", "true")
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	return d.wsURL + "?" + q.Encode()
}
