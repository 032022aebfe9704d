package voice

import "errors"

// ErrOpusUnavailable is returned by the default codec of builds without the
// `opus` tag.
var ErrOpusUnavailable = errors.New("voice: built without libopus (use -tags opus)")

const (
	discordRate     = 48000
	discordChannels = 2
	// frameSize is 20 ms of audio per channel at discordRate.
	frameSize    = discordRate / 50
	maxOpusFrame = 4000
)

type OpusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type OpusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Codec builds Opus coders for Discord's 48 kHz stereo format. Each
// speaker gets its own decoder since Opus decoding is stateful.
type Codec interface {
	NewDecoder() (OpusDecoder, error)
	NewEncoder() (OpusEncoder, error)
}
