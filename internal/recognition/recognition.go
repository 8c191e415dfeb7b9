// Package recognition turns one listen window into recognized text.
package recognition

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoSpeech means the window closed without intelligible speech.
	ErrNoSpeech = errors.New("no speech recognized")
	// ErrServiceUnavailable means the recognizer could not be reached or failed.
	ErrServiceUnavailable = errors.New("recognition service unavailable")
)

// Source performs a single bounded listen. It returns non-empty text, or an
// error wrapping ErrNoSpeech or ErrServiceUnavailable.
type Source interface {
	Listen(ctx context.Context, sessionID string, timeout time.Duration) (string, error)
}
