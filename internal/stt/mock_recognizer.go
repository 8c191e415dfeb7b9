package stt

import (
	"context"
	"sync"
)

// mockRecognizer hears nothing in silence and replays its phrases otherwise.
type mockRecognizer struct {
	mu      sync.Mutex
	phrases []string
	next    int
}

func NewMockRecognizer(phrases ...string) Recognizer {
	if len(phrases) == 0 {
		phrases = []string{"merhaba"}
	}
	return &mockRecognizer{phrases: phrases}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int) (TranscriptResult, error) {
	if silent(pcm) {
		return TranscriptResult{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	text := m.phrases[m.next%len(m.phrases)]
	m.next++
	return TranscriptResult{Text: text, Confidence: 1}, nil
}

func silent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
