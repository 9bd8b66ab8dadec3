package transcriber

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"murmur/encoder"
	"murmur/log"
)

const (
	streamChunkMs      = 200
	streamChunkBytes   = encoder.SampleRate * encoder.Channels * (encoder.BitsPerSample / 8) * streamChunkMs / 1000
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
	streamDrainTimeout = 2 * time.Second
	streamConnectWait  = 5 * time.Second
)

var errStreamConnectTimeout = errors.New("stream did not connect in time")

// streamSession pumps PCM to a StreamConn and folds its updates into a
// committed transcript. onUpdate receives the full text so far; onEnd is
// called at most once if the stream ends before finish or abort.
type streamSession struct {
	conn      StreamConn
	committed string
	audioCh   chan []byte
	startedAt time.Time
	connected chan struct{} // closed when the connection is ready (or failed)
	halt      chan struct{}
	stopDial  context.CancelFunc

	onUpdate func(text string, final bool)
	onEnd    func(err error)

	sendDone      chan struct{}
	recvDone      chan struct{}
	finalized     chan struct{}
	finalizedOnce sync.Once

	feedBuf    []byte
	feedMu     sync.Mutex
	feedClosed bool

	mu      sync.Mutex
	err     error
	closing bool
	ended   bool
	stats   streamStats
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	DropChunks   int
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	CommitEvents int
	FinalizeWait time.Duration
	SessionDur   time.Duration
}

func (s streamStats) audioDuration() float64 {
	return float64(s.SentBytes) / float64(encoder.SampleRate*encoder.Channels*(encoder.BitsPerSample/8))
}

// newStreamSession dials in the background with a context that shutdown
// cancels.
func newStreamSession(ctx context.Context, dial func(context.Context) (StreamConn, error), onUpdate func(string, bool), onEnd func(error)) *streamSession {
	dialCtx, stopDial := context.WithCancel(ctx)
	ss := &streamSession{
		audioCh:   make(chan []byte, 128),
		startedAt: time.Now(),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		finalized: make(chan struct{}),
		connected: make(chan struct{}),
		halt:      make(chan struct{}),
		stopDial:  stopDial,
		onUpdate:  onUpdate,
		onEnd:     onEnd,
	}

	go func() {
		connectStart := time.Now()
		conn, err := dial(dialCtx)
		ss.mu.Lock()
		ss.stats.ConnectDur = time.Since(connectStart)
		closing := ss.closing
		ss.mu.Unlock()

		if err == nil && closing {
			// aborted while dialing
			conn.Close()
			err = errors.New("stream aborted")
		}
		if err != nil {
			close(ss.sendDone)
			close(ss.recvDone)
			close(ss.connected)
			ss.fail(err)
			return
		}

		ss.conn = conn
		close(ss.connected)
		go ss.runSender()
		go ss.runReceiver()
	}()

	return ss
}

// Feed buffers PCM and queues it in fixed-size chunks. It never blocks:
// chunks that do not fit in the queue are dropped.
func (s *streamSession) Feed(pcm []byte) {
	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()
	if failed {
		return
	}

	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feedClosed {
		return
	}
	s.feedBuf = append(s.feedBuf, pcm...)
	for len(s.feedBuf) >= streamChunkBytes {
		chunk := make([]byte, streamChunkBytes)
		copy(chunk, s.feedBuf[:streamChunkBytes])
		s.feedBuf = s.feedBuf[streamChunkBytes:]
		select {
		case s.audioCh <- chunk:
		default:
			s.dropped()
		}
	}
}

func (s *streamSession) dropped() {
	s.mu.Lock()
	s.stats.DropChunks++
	first := s.stats.DropChunks == 1
	s.mu.Unlock()
	if first {
		log.Warn("stream queue full, dropping audio")
	}
}

// closeFeed flushes the partial chunk unless discard is set, then ends the
// sender's input.
func (s *streamSession) closeFeed(discard bool) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.feedClosed {
		return
	}
	s.feedClosed = true
	if len(s.feedBuf) > 0 && !discard {
		tail := make([]byte, len(s.feedBuf))
		copy(tail, s.feedBuf)
		select {
		case s.audioCh <- tail:
		case <-s.halt:
		case <-s.sendDone:
		}
	}
	s.feedBuf = nil
	close(s.audioCh)
}

// finish sends the remaining audio, waits for the backend to flush and
// returns the committed transcript.
func (s *streamSession) finish() (string, error) {
	select {
	case <-s.connected:
	case <-time.After(streamConnectWait):
		s.mu.Lock()
		if s.err == nil {
			s.err = errStreamConnectTimeout
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	failed := s.err != nil
	s.mu.Unlock()
	if failed {
		s.shutdown(true)
		return s.result()
	}

	s.closeFeed(false)
	finalizeStart := time.Now()
	<-s.sendDone

	// Wait for the finalize acknowledgment, then a brief quiet period.
	select {
	case <-s.finalized:
		time.Sleep(streamFinalizeIdle)
	case <-s.recvDone:
	case <-time.After(streamFinalizeMax):
	}
	s.mu.Lock()
	s.stats.FinalizeWait = time.Since(finalizeStart)
	s.mu.Unlock()

	s.shutdown(false)
	text, err := s.result()
	s.logMetrics()
	return text, err
}

// abort drops pending audio and closes the connection without waiting for
// results.
func (s *streamSession) abort() {
	s.shutdown(true)
}

func (s *streamSession) shutdown(discard bool) {
	s.mu.Lock()
	already := s.closing
	s.closing = true
	s.mu.Unlock()
	if !already {
		close(s.halt)
	}
	s.stopDial()
	s.closeFeed(discard)

	select {
	case <-s.connected:
	case <-time.After(streamDrainTimeout):
		// the dial goroutine closes a late connection itself
		log.Warn("stream dial did not return after cancel")
		return
	}
	if s.conn != nil {
		s.conn.Close()
	}
	select {
	case <-s.sendDone:
	case <-time.After(streamDrainTimeout):
		log.Warn("stream sender drain timeout")
	}
	select {
	case <-s.recvDone:
	case <-time.After(streamDrainTimeout):
		log.Warn("stream receiver drain timeout")
	}
}

func (s *streamSession) result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.committed), s.err
}

func (s *streamSession) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.conn.Send(chunk); err != nil {
			s.fail(err)
			// keep draining so Feed never blocks on a dead connection
			for range s.audioCh {
			}
			return
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}
	if s.halted() {
		return
	}
	if err := s.conn.CloseSend(); err != nil {
		s.fail(err)
	}
}

func (s *streamSession) halted() bool {
	select {
	case <-s.halt:
		return true
	default:
		return false
	}
}

func (s *streamSession) runReceiver() {
	defer close(s.recvDone)
	for {
		update, err := s.conn.Recv()
		if err != nil {
			if errors.Is(err, ErrStreamClosed) {
				err = nil
			}
			s.fail(err)
			return
		}

		if update.FromFinalize {
			s.finalizedOnce.Do(func() { close(s.finalized) })
		}

		isFinal := update.IsFinal || update.SpeechFinal || update.FromFinalize

		s.mu.Lock()
		s.stats.RecvMessages++
		if isFinal {
			s.stats.RecvFinal++
		} else {
			s.stats.RecvInterim++
		}
		s.mu.Unlock()

		transcript := strings.TrimSpace(update.Transcript)
		if transcript == "" {
			continue
		}

		s.mu.Lock()
		text := transcript
		if s.committed != "" {
			text = s.committed + " " + transcript
		}
		if isFinal {
			s.committed = text
			s.stats.CommitEvents++
		}
		s.mu.Unlock()

		if s.onUpdate != nil {
			s.onUpdate(text, isFinal)
		}
	}
}

// fail records why the stream ended. Errors seen after finish or abort
// began are not failures. onEnd only fires for streams that end on their
// own.
func (s *streamSession) fail(err error) {
	s.mu.Lock()
	if s.closing || s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if err != nil {
		s.err = err
	}
	s.mu.Unlock()

	if err != nil && s.conn != nil {
		s.conn.Close()
	}
	if s.onEnd != nil {
		s.onEnd(err)
	}
}

func (s *streamSession) logMetrics() {
	s.mu.Lock()
	stats := s.stats
	stats.SessionDur = time.Since(s.startedAt)
	s.mu.Unlock()

	log.StreamMetrics(log.StreamMetricsData{
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		FinalizeMs:   float64(stats.FinalizeWait.Milliseconds()),
		TotalMs:      float64(stats.SessionDur.Milliseconds()),
		AudioS:       stats.audioDuration(),
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		RecvMessages: stats.RecvMessages,
		RecvFinal:    stats.RecvFinal,
		CommitEvents: stats.CommitEvents,
	})
}
