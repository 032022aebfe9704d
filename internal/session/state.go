// Package session owns per-connection conversation state.
package session

import (
	"sync"
	"time"

	"github.com/discord-voice-lab/voiceloop/internal/audio"
	"github.com/discord-voice-lab/voiceloop/internal/echo"
	"github.com/discord-voice-lab/voiceloop/internal/vad"
)

// State is one active voice conversation. Its buffer, VAD detector and echo
// filters belong to this session alone.
type State struct {
	ID      string
	Created time.Time
	Labels  map[string]string

	VAD  *vad.Detector
	Echo *echo.Gate

	sampleRate int
	now        func() time.Time

	mu           sync.Mutex
	buf          []byte
	turns        int64
	processed    time.Duration
	chunks       int64
	lastActivity time.Time
}

// Info is a point-in-time copy of a session's counters.
type Info struct {
	ID                string            `json:"session_id"`
	Created           time.Time         `json:"created"`
	LastActivity      time.Time         `json:"last_activity"`
	ConversationState string            `json:"conversation_state"`
	TurnCount         int64             `json:"turn_count"`
	Chunks            int64             `json:"chunks"`
	AudioProcessed    time.Duration     `json:"total_audio_processed"`
	Buffered          time.Duration     `json:"buffered"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// Append adds PCM16 audio to the session buffer, dropping a trailing odd
// byte, and records the activity.
func (s *State) Append(pcm []byte) {
	pcm = audio.EvenLength(pcm)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, pcm...)
	s.chunks++
	s.processed += audio.BytesDuration(len(pcm), s.sampleRate)
	s.lastActivity = s.now()
}

// Take returns the buffered audio and clears the buffer.
func (s *State) Take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buf
	s.buf = nil
	return b
}

// Clear drops buffered audio.
func (s *State) Clear() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

func (s *State) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *State) Buffered() time.Duration {
	return audio.BytesDuration(s.BufferLen(), s.sampleRate)
}

// CompleteTurn bumps the turn counter and returns the new count.
func (s *State) CompleteTurn() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	return s.turns
}

// Touch records activity without audio, e.g. a ping.
func (s *State) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ConversationState is the echo gate's view of the conversation.
func (s *State) ConversationState() echo.State {
	return s.Echo.Timing.State(s.now())
}

func (s *State) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make(map[string]string, len(s.Labels))
	for k, v := range s.Labels {
		labels[k] = v
	}
	return Info{
		ID:                s.ID,
		Created:           s.Created,
		LastActivity:      s.lastActivity,
		ConversationState: s.Echo.Timing.State(s.now()).String(),
		TurnCount:         s.turns,
		Chunks:            s.chunks,
		AudioProcessed:    s.processed,
		Buffered:          audio.BytesDuration(len(s.buf), s.sampleRate),
		Labels:            labels,
	}
}
