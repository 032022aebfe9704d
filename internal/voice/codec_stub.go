//go:build !opus
// +build !opus

package voice

// This file provides a codec for builds that do not include libopus. The
// bridge still starts but cannot decode or play Discord audio.

type noOpus struct{}

func DefaultCodec() Codec { return noOpus{} }

func (noOpus) NewDecoder() (OpusDecoder, error) { return nil, ErrOpusUnavailable }
func (noOpus) NewEncoder() (OpusEncoder, error) { return nil, ErrOpusUnavailable }
