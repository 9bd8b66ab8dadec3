package audio

import (
	"context"
	"sync"
)

type PermissionStatus int

const (
	PermissionUndetermined PermissionStatus = iota
	PermissionGranted
	PermissionDenied
)

func (s PermissionStatus) String() string {
	switch s {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "undetermined"
	}
}

// Permission is the platform consent gate for the microphone.
type Permission interface {
	Status() PermissionStatus
	// Request prompts if undecided and returns the grant state. Once decided
	// it returns the stored answer without prompting again.
	Request(ctx context.Context) (bool, error)
}

// ProbePermission decides once by opening and starting the capture device.
// Desktop platforms have no consent prompt; failure to open is a denial.
type ProbePermission struct {
	ctx    Context
	device *DeviceInfo
	config CaptureConfig

	mu     sync.Mutex
	status PermissionStatus
}

func NewProbePermission(ctx Context, device *DeviceInfo, config CaptureConfig) *ProbePermission {
	return &ProbePermission{ctx: ctx, device: device, config: config}
}

func (p *ProbePermission) Status() PermissionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *ProbePermission) Request(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != PermissionUndetermined {
		return p.status == PermissionGranted, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dev, err := p.ctx.NewCapture(p.device, p.config)
	if err != nil {
		p.status = PermissionDenied
		return false, nil
	}
	defer dev.Close()
	if err := dev.Start(); err != nil {
		p.status = PermissionDenied
		return false, nil
	}
	dev.Stop()
	p.status = PermissionGranted
	return true, nil
}

// StaticPermission answers from a fixed script. When Gate is non-nil the
// first Request blocks until it is closed, simulating a pending prompt.
type StaticPermission struct {
	Answer bool
	Gate   chan struct{}

	mu       sync.Mutex
	status   PermissionStatus
	requests int
}

func NewStaticPermission(status PermissionStatus, answer bool) *StaticPermission {
	return &StaticPermission{status: status, Answer: answer}
}

func (p *StaticPermission) Status() PermissionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Requests reports how many times a prompt was shown.
func (p *StaticPermission) Requests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *StaticPermission) Request(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.status != PermissionUndetermined {
		granted := p.status == PermissionGranted
		p.mu.Unlock()
		return granted, nil
	}
	p.requests++
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == PermissionUndetermined {
		if p.Answer {
			p.status = PermissionGranted
		} else {
			p.status = PermissionDenied
		}
	}
	return p.status == PermissionGranted, nil
}
