package orchestrator

import (
	"errors"
	"time"

	"murmur/audio"
	"murmur/transcriber"
)

type PhaseKind int

const (
	Idle PhaseKind = iota
	Recording
	DraggingToCancel
	DraggingToConvertToText
	ProcessingTranscription
	TranscriptionComplete
)

func (k PhaseKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case DraggingToCancel:
		return "dragging_to_cancel"
	case DraggingToConvertToText:
		return "dragging_to_convert"
	case ProcessingTranscription:
		return "processing"
	case TranscriptionComplete:
		return "complete"
	}
	return "unknown"
}

// ParsePhase is the inverse of PhaseKind.String.
func ParsePhase(s string) (PhaseKind, bool) {
	for k := Idle; k <= TranscriptionComplete; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return Idle, false
}

// Phase is the state machine value. Text is only meaningful for
// TranscriptionComplete and may be empty.
type Phase struct {
	Kind PhaseKind
	Text string
}

func (p Phase) String() string { return p.Kind.String() }

// capturing reports whether a capture component is running in this phase.
func (k PhaseKind) capturing() bool {
	return k == Recording || k == DraggingToCancel || k == DraggingToConvertToText
}

type Zone int

const (
	ZoneNone Zone = iota
	ZoneCancel
	ZoneConvertToText
)

func (z Zone) String() string {
	switch z {
	case ZoneCancel:
		return "cancel"
	case ZoneConvertToText:
		return "text"
	}
	return "none"
}

// ParseZone accepts the String form and the empty string for ZoneNone.
func ParseZone(s string) (Zone, bool) {
	switch s {
	case "", "none":
		return ZoneNone, true
	case "cancel":
		return ZoneCancel, true
	case "text":
		return ZoneConvertToText, true
	}
	return ZoneNone, false
}

// Intent is set just before a capture stops and tells the stop what to
// produce. IntentNone is also the intent of an automatic stop.
type Intent int

const (
	IntentNone Intent = iota
	IntentSendAudioOnly
	IntentConvertToText
)

func (i Intent) String() string {
	switch i {
	case IntentSendAudioOnly:
		return "send_audio"
	case IntentConvertToText:
		return "convert_to_text"
	}
	return "none"
}

// Mode picks the capture component.
type Mode int

const (
	// ModeStream captures through the transcription engine.
	ModeStream Mode = iota
	// ModeSimple captures through the plain recorder.
	ModeSimple
)

func (m Mode) String() string {
	if m == ModeSimple {
		return "simple"
	}
	return "stream"
}

func ParseMode(s string) (Mode, bool) {
	switch s {
	case "stream":
		return ModeStream, true
	case "simple":
		return ModeSimple, true
	}
	return ModeStream, false
}

// Take is the orchestrator's copy of a capture. Path is set only
// after the capture component reported a successful stop.
type Take struct {
	Duration time.Duration
	Samples  []float64
	Path     string
}

func (r Take) clone() Take {
	r.Samples = append([]float64(nil), r.Samples...)
	return r
}

type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorPermissionDenied
	ErrorEngineFailure
	ErrorRecognitionFailure
	ErrorNoRecognizer
	ErrorInvalidResult
	ErrorDelivery
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorPermissionDenied:
		return "permission_denied"
	case ErrorEngineFailure:
		return "engine_failure"
	case ErrorRecognitionFailure:
		return "recognition_failure"
	case ErrorNoRecognizer:
		return "no_recognizer"
	case ErrorInvalidResult:
		return "invalid_result"
	case ErrorDelivery:
		return "delivery"
	}
	return "none"
}

var (
	// ErrInvalidTransition is returned for an intent the current phase
	// does not accept. State is unchanged.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidResult marks a recording that is too short or has no file.
	ErrInvalidResult = errors.New("recording too short")
	// ErrEmptyMessage is returned when confirming blank edited text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrDelivery wraps outbox failures.
	ErrDelivery = errors.New("delivery failed")
	ErrClosed   = errors.New("orchestrator closed")
)

// Error is what the presentation layer sees of a failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

// Classify maps an error onto the display taxonomy.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorNone
	case errors.Is(err, audio.ErrPermissionDenied):
		return ErrorPermissionDenied
	case errors.Is(err, transcriber.ErrNoRecognizer):
		return ErrorNoRecognizer
	case errors.Is(err, transcriber.ErrRecognitionFailure):
		return ErrorRecognitionFailure
	case errors.Is(err, ErrInvalidResult):
		return ErrorInvalidResult
	case errors.Is(err, ErrDelivery):
		return ErrorDelivery
	}
	return ErrorEngineFailure
}

func newError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: Classify(err), Message: err.Error()}
}

// State is everything the presentation layer observes.
type State struct {
	Phase           Phase
	Mode            Mode
	Intent          Intent
	Recording       Take
	TranscribedText string
	Err             *Error
	// PermissionPending is set while the consent prompt is open.
	PermissionPending bool
	Editing           bool
	EditText          string
	Language          string
	ReplyTo           string
	Attachments       []string
}

func (s State) clone() State {
	s.Recording = s.Recording.clone()
	s.Attachments = append([]string(nil), s.Attachments...)
	if s.Err != nil {
		e := *s.Err
		s.Err = &e
	}
	return s
}

// Flags are the UI affordances implied by a state.
type Flags struct {
	ShowOverlay        bool
	HideTextInput      bool
	ShowCouldntHear    bool
	ShowError          bool
	ShowPermissionWait bool
}

// DeriveFlags computes the flags for s. It is the only place they are
// defined; callers recompute on every state they observe.
func DeriveFlags(s State) Flags {
	complete := s.Phase.Kind == TranscriptionComplete
	emptyResult := complete && s.Phase.Text == ""
	permission := s.PermissionPending || (s.Err != nil && s.Err.Kind == ErrorPermissionDenied)
	return Flags{
		ShowOverlay:        s.Phase.Kind != Idle && !emptyResult,
		HideTextInput:      complete && (s.Phase.Text != "" || s.Err != nil),
		ShowCouldntHear:    emptyResult,
		ShowError:          s.Err != nil && !permission,
		ShowPermissionWait: permission,
	}
}

const (
	CouldntHearMessage    = "Couldn't hear anything"
	PermissionWaitMessage = "Waiting for microphone permission"
)

// DisplayMessage is the text of the failure bubble. An error always wins
// over the empty-result message.
func DisplayMessage(s State) string {
	if s.PermissionPending {
		return PermissionWaitMessage
	}
	if s.Err != nil {
		return s.Err.Message
	}
	if s.Phase.Kind == TranscriptionComplete && s.Phase.Text == "" {
		return CouldntHearMessage
	}
	return ""
}

// DraftMessage is the hand-off to the chat system. It is immutable once
// created.
type DraftMessage struct {
	ID          string
	Text        string
	Recording   *Take
	ReplyTo     string
	Attachments []string
	CreatedAt   time.Time
}
