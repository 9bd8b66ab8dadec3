package orchestrator

import (
	"fmt"
	"time"

	"murmur/audio"
	"murmur/recorder"
	"murmur/transcriber"
)

var errInterrupted = fmt.Errorf("%w: capture interrupted", audio.ErrEngineFailure)

// activeCapture is the single capture the orchestrator owns. Only the two
// types below implement it.
type activeCapture interface {
	path() string
	// finish stops the capture and returns once the file is closed.
	// Graceful lets the recognizer flush its final transcript.
	finish(graceful bool) captureResult
	forceStop()
	isCapture()
}

type captureResult struct {
	duration   time.Duration
	path       string
	transcript string
	// streamed is false when the transcript still has to come from the
	// file path.
	streamed bool
	err      error
}

type simpleCapture struct {
	h *recorder.Handle
}

func (c *simpleCapture) path() string { return c.h.Path() }

func (c *simpleCapture) finish(bool) captureResult {
	snap := c.h.Stop()
	return captureResult{duration: snap.Duration, path: snap.Path}
}

func (c *simpleCapture) forceStop() { c.h.Stop() }

func (*simpleCapture) isCapture() {}

type streamingCapture struct {
	s *transcriber.Session
}

func (c *streamingCapture) path() string { return c.s.Path() }

func (c *streamingCapture) finish(graceful bool) captureResult {
	var res transcriber.Capture
	if graceful {
		res = c.s.Stop()
	} else {
		res = c.s.Abort()
	}
	return captureResult{
		duration:   res.Duration,
		path:       res.Path,
		transcript: res.Transcript,
		streamed:   res.Streamed,
		err:        res.Err,
	}
}

func (c *streamingCapture) forceStop() { c.s.ForceStop() }

func (*streamingCapture) isCapture() {}

// pushSample appends v and keeps the most recent limit samples.
func pushSample(samples []float64, v float64, limit int) []float64 {
	v = min(max(v, 0), 1)
	if len(samples) >= limit {
		n := copy(samples, samples[len(samples)-limit+1:])
		samples = samples[:n]
	}
	return append(samples, v)
}
