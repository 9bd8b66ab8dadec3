package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

const openAIAPIURL = "https://api.openai.com/v1/audio/transcriptions"

type OpenAI struct {
	apiKey string
	lang   string
	prompt string
	client *TracedClient
	apiURL string
}

func NewOpenAI(apiKey, lang string, vocabulary []string) *OpenAI {
	o := &OpenAI{
		apiKey: apiKey,
		lang:   lang,
		prompt: strings.Join(vocabulary, ", "),
		client: NewTracedClient(openAIAPIURL),
		apiURL: openAIAPIURL,
	}
	go o.client.Warm()
	return o
}

func (o *OpenAI) Name() string     { return "openai" }
func (o *OpenAI) Language() string { return o.lang }
func (o *OpenAI) Streaming() bool  { return false }

func (o *OpenAI) Stream(context.Context, StreamConfig) (StreamConn, error) {
	return nil, fmt.Errorf("openai: %w", ErrStreamingUnsupported)
}

func (o *OpenAI) TranscribeFile(ctx context.Context, audioData []byte, format string) (*Result, error) {
	resp, err := postWhisperForm(ctx, o.client, o.apiURL, o.apiKey, audioData, format, map[string]string{
		"model":           "gpt-4o-transcribe",
		"response_format": "json",
		"language":        o.lang,
		"prompt":          o.prompt,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("openai API error %d: %s", resp.StatusCode, string(resp.Body))
	}

	var oResp struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(resp.Body, &oResp); err != nil {
		return nil, fmt.Errorf("openai response parse error: %w", err)
	}

	remaining := firstNonEmpty(resp.Header, "x-ratelimit-remaining-requests")
	limit := firstNonEmpty(resp.Header, "x-ratelimit-limit-requests")

	return &Result{
		Text:      oResp.Text,
		Metrics:   resp.Metrics,
		RateLimit: remaining + "/" + limit,
	}, nil
}

// postWhisperForm uploads audio to an OpenAI-compatible transcription
// endpoint. Empty fields are omitted.
func postWhisperForm(ctx context.Context, client *TracedClient, apiURL, apiKey string, audioData []byte, format string, fields map[string]string) (*TracedResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio."+format)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(audioData); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := writer.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return client.Do(req)
}
