// Package presentation delivers session events to the front ends that show
// sign clips: browsers over websocket, NATS subscribers and Kafka consumers.
package presentation

import (
	"context"
	"errors"
	"time"
)

type Type string

const (
	Listening         Type = "listening"
	TextRecognized    Type = "text_recognized"
	ResultsReady      Type = "results_ready"
	PromptContinue    Type = "prompt_continue"
	RecognitionFailed Type = "recognition_failed"
	SessionTerminated Type = "session_terminated"
)

// Clip is a staged clip ready for display.
type Clip struct {
	Word string `json:"word"`
	Stem string `json:"stem"`
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Event is one notification for a session. Sequence increases by one per
// event within a session so clients can detect gaps.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      Type      `json:"type"`
	Sequence  uint64    `json:"sequence"`
	Text      string    `json:"text,omitempty"`
	Clips     []Clip    `json:"clips,omitempty"`
	Missing   []string  `json:"missing,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Sink interface {
	Emit(ctx context.Context, evt Event) error
}

// Multi emits to every sink in order and joins their errors.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

