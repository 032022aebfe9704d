package pipeline

import (
	"context"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
)

type turnIDKey struct{}

// TurnID returns the id of the turn a collaborator call belongs to, or ""
// outside of a turn. Clients send it as a correlation id.
func TurnID(ctx context.Context) string {
	id, _ := ctx.Value(turnIDKey{}).(string)
	return id
}

// Transcriber turns canonical mono PCM into text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error)
}

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Prompt is everything the language model sees for one turn.
type Prompt struct {
	SessionID    string
	SystemPrompt string
	Context      string
	History      []Message
	Text         string
}

// Generator produces the assistant's reply.
type Generator interface {
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Synthesizer turns reply text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, speed float64) (audio.Clip, error)
}

// ContextProvider supplies optional external context for a transcript.
type ContextProvider interface {
	Context(ctx context.Context, sessionID, text string) (string, error)
}

// Player renders synthesized audio to the user. Play returns when the clip
// has finished or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, clip audio.Clip) error
}

// TurnRecord is what an Archiver persists for a finished turn.
type TurnRecord struct {
	SessionID  string
	TurnID     string
	Labels     map[string]string
	Started    time.Time
	Samples    []int16
	SampleRate int
	Transcript string
	Response   string
	Outcome    string
	Stages     map[string]time.Duration
}

// Archiver stores turns for later inspection. Failures are the archiver's
// own business.
type Archiver interface {
	Archive(rec TurnRecord)
}
