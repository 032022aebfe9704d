// Package transport is the WebSocket boundary of the voice loop: it turns
// client messages into session input and session events into JSON frames.
package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

var (
	ErrUnknownKind = errors.New("unknown message type")
	ErrBadAudio    = errors.New("audio payload is not valid base64")
)

// Kind is an inbound message type. The set is closed.
type Kind int

const (
	KindStart Kind = iota + 1
	KindAudio
	KindEnd
	KindPing
)

var kindNames = map[string]Kind{
	"start": KindStart,
	"audio": KindAudio,
	"end":   KindEnd,
	"ping":  KindPing,
}

func (k Kind) String() string {
	for name, v := range kindNames {
		if v == k {
			return name
		}
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// envelope is the JSON shape clients send.
type envelope struct {
	Type       string `json:"type"`
	Audio      string `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Message is a decoded inbound message. SampleRate and Channels are zero
// when the client did not send them.
type Message struct {
	Kind       Kind
	PCM        []byte
	SampleRate int
	Channels   int
}

// Decode parses one text frame. An unrecognized type yields ErrUnknownKind.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}
	kind, ok := kindNames[strings.ToLower(strings.TrimSpace(env.Type))]
	if !ok {
		return Message{}, fmt.Errorf("%w %q", ErrUnknownKind, env.Type)
	}
	msg := Message{Kind: kind, SampleRate: env.SampleRate, Channels: env.Channels}
	if msg.SampleRate < 0 || msg.Channels < 0 {
		logging.Warnw("transport: negative audio format ignored", "sample_rate", env.SampleRate, "channels", env.Channels)
		msg.SampleRate, msg.Channels = 0, 0
	}
	if kind == KindAudio {
		pcm, err := base64.StdEncoding.DecodeString(env.Audio)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrBadAudio, err)
		}
		msg.PCM = pcm
	}
	return msg, nil
}
