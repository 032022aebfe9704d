//go:build opus
// +build opus

package voice

import "github.com/hraban/opus"

type libopus struct{}

// DefaultCodec is libopus.
func DefaultCodec() Codec { return libopus{} }

func (libopus) NewDecoder() (OpusDecoder, error) {
	dec, err := opus.NewDecoder(discordRate, discordChannels)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

func (libopus) NewEncoder() (OpusEncoder, error) {
	enc, err := opus.NewEncoder(discordRate, discordChannels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	return enc, nil
}
