package tts

import "context"

// SynthRequest is one phrase to speak.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
}

// SynthChunk is a slice of synthesized PCM.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer streams audio for a request. Both channels are closed when synthesis ends.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
