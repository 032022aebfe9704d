package pipeline

import (
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/vad"
)

// Kind names an outbound event on the wire.
type Kind string

const (
	KindTranscription  Kind = "transcription"
	KindTextOutput     Kind = "text_output"
	KindAudioOutput    Kind = "audio_output"
	KindVADStatus      Kind = "vad_status"
	KindQualityWarning Kind = "audio_quality_warning"
	KindError          Kind = "error"
	KindInterrupt      Kind = "interrupt"
	KindPong           Kind = "pong"
)

// Event is the closed set of things a session reports to its client. Only
// the types in this file implement it.
type Event interface {
	Kind() Kind
	When() time.Time
	event()
}

type Transcription struct {
	Text      string
	Timestamp time.Time
}

type TextOutput struct {
	Text      string
	Timestamp time.Time
}

type AudioOutput struct {
	Clip      audio.Clip
	Format    string
	Timestamp time.Time
}

type VADStatus struct {
	Decision  vad.Decision
	Timestamp time.Time
}

type QualityWarning struct {
	Warning   audio.Warning
	Timestamp time.Time
}

// ErrorEvent reports a recoverable failure; the session keeps running.
type ErrorEvent struct {
	Stage     string
	Message   string
	Timestamp time.Time
}

// Interrupted reports that the user talked over playback and it was cut.
type Interrupted struct {
	Timestamp time.Time
}

type Pong struct {
	Timestamp time.Time
}

func (Transcription) Kind() Kind  { return KindTranscription }
func (TextOutput) Kind() Kind     { return KindTextOutput }
func (AudioOutput) Kind() Kind    { return KindAudioOutput }
func (VADStatus) Kind() Kind      { return KindVADStatus }
func (QualityWarning) Kind() Kind { return KindQualityWarning }
func (ErrorEvent) Kind() Kind     { return KindError }
func (Interrupted) Kind() Kind    { return KindInterrupt }
func (Pong) Kind() Kind           { return KindPong }

func (e Transcription) When() time.Time  { return e.Timestamp }
func (e TextOutput) When() time.Time     { return e.Timestamp }
func (e AudioOutput) When() time.Time    { return e.Timestamp }
func (e VADStatus) When() time.Time      { return e.Timestamp }
func (e QualityWarning) When() time.Time { return e.Timestamp }
func (e ErrorEvent) When() time.Time     { return e.Timestamp }
func (e Interrupted) When() time.Time    { return e.Timestamp }
func (e Pong) When() time.Time           { return e.Timestamp }

func (Transcription) event()  {}
func (TextOutput) event()     {}
func (AudioOutput) event()    {}
func (VADStatus) event()      {}
func (QualityWarning) event() {}
func (ErrorEvent) event()     {}
func (Interrupted) event()    {}
func (Pong) event()           {}

// Sink receives a session's events in order. Emit must not block for long;
// transports buffer and drop rather than stall the session.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
