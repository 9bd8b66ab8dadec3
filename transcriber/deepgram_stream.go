package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrStreamClosed is returned by Recv after the backend closed the stream
// normally.
var ErrStreamClosed = errors.New("stream closed by backend")

type deepgramStreamResponse struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	Description  string `json:"description"`
	IsFinal      bool   `json:"is_final"`
	SpeechFinal  bool   `json:"speech_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type deepgramStream struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (d *Deepgram) Stream(ctx context.Context, cfg StreamConfig) (StreamConn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.streamURL(cfg), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram stream: handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram stream: %w", err)
	}
	return &deepgramStream{conn: conn}, nil
}

func (s *deepgramStream) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Finalize"}`))
}

func (s *deepgramStream) Recv() (StreamUpdate, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return StreamUpdate{}, ErrStreamClosed
			}
			return StreamUpdate{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}

		var resp deepgramStreamResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "", "Results":
		case "Error":
			msg := strings.TrimSpace(firstNonBlank(resp.Description, resp.Message))
			if msg == "" {
				msg = "deepgram returned an unknown error"
			}
			return StreamUpdate{}, errors.New(msg)
		default:
			// Metadata, SpeechStarted, UtteranceEnd
			continue
		}

		transcript := ""
		if len(resp.Channel.Alternatives) > 0 {
			transcript = resp.Channel.Alternatives[0].Transcript
		}
		return StreamUpdate{
			Transcript:   strings.TrimSpace(transcript),
			IsFinal:      resp.IsFinal,
			SpeechFinal:  resp.SpeechFinal,
			FromFinalize: resp.FromFinalize,
		}, nil
	}
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
