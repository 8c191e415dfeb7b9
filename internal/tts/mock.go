package tts

import (
	"context"
)

// mockSynth produces a single silent chunk so the read-back path can run without a voice.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	defer close(chunks)
	defer close(errs)
	if err := ctx.Err(); err != nil {
		errs <- err
		return chunks, errs
	}
	chunks <- SynthChunk{
		SessionID:  req.SessionID,
		SampleRate: m.sampleRate,
		Channels:   m.channels,
		PCM:        make([]byte, m.sampleRate/10*2*m.channels),
		Final:      true,
	}
	return chunks, errs
}
