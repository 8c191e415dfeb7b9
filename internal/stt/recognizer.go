package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-sign/internal/config"
)

// TranscriptResult captures recognizer output. Empty Text means no speech.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer transcribes one buffered utterance of 16-bit little-endian PCM.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error)
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(ctx context.Context, cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "google":
		return NewGoogleRecognizer(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
}
