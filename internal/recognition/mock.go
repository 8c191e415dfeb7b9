package recognition

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Scripted replays a fixed list of phrases, one per listen, wrapping around at
// the end. A blank phrase or an empty script yields ErrNoSpeech.
type Scripted struct {
	mu      sync.Mutex
	phrases []string
	next    int
}

func NewScripted(phrases ...string) *Scripted {
	return &Scripted{phrases: append([]string(nil), phrases...)}
}

func (s *Scripted) Listen(ctx context.Context, _ string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.phrases) == 0 {
		return "", ErrNoSpeech
	}
	phrase := s.phrases[s.next%len(s.phrases)]
	s.next++
	if strings.TrimSpace(phrase) == "" {
		return "", ErrNoSpeech
	}
	return phrase, nil
}
