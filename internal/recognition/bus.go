package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/nats-io/nats.go"
)

const defaultGrace = 10 * time.Second

// BusSource delegates a listen to the capture edge and the STT service over NATS.
// It asks the edge to record on stt.listen.<session> and waits for the final
// transcript on stt.text.final.<session>.
type BusSource struct {
	conn     *nats.Conn
	language string
	grace    time.Duration
	log      *slog.Logger
}

type BusOption func(*BusSource)

// WithGrace sets how long past the listen window to wait for transcription. Default: 10s.
func WithGrace(d time.Duration) BusOption {
	return func(b *BusSource) {
		if d >= 0 {
			b.grace = d
		}
	}
}

func NewBusSource(conn *nats.Conn, language string, logger *slog.Logger, opts ...BusOption) *BusSource {
	b := &BusSource{
		conn:     conn,
		language: language,
		grace:    defaultGrace,
		log:      logger.With(slog.String("component", "recognition.bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BusSource) Listen(ctx context.Context, sessionID string, timeout time.Duration) (string, error) {
	if b.conn == nil || !b.conn.IsConnected() {
		return "", fmt.Errorf("%w: bus disconnected", ErrServiceUnavailable)
	}
	sub, err := b.conn.SubscribeSync(protocol.TranscriptFinalSubject(sessionID))
	if err != nil {
		return "", fmt.Errorf("%w: subscribe transcripts: %v", ErrServiceUnavailable, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	req := protocol.ListenRequest{
		SessionID:   sessionID,
		Language:    b.language,
		TimeoutMS:   int(timeout.Milliseconds()),
		RequestedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal listen request: %w", err)
	}
	if err := b.conn.Publish(protocol.ListenSubject(sessionID), data); err != nil {
		return "", fmt.Errorf("%w: publish listen request: %v", ErrServiceUnavailable, err)
	}
	b.log.Debug("listen requested", slog.String("session_id", sessionID), slog.Duration("timeout", timeout))

	waitCtx, cancel := context.WithTimeout(ctx, timeout+b.grace)
	defer cancel()
	for {
		msg, err := sub.NextMsgWithContext(waitCtx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return "", ctx.Err()
			case errors.Is(err, context.DeadlineExceeded):
				return "", fmt.Errorf("%w: no transcript within %s", ErrNoSpeech, timeout+b.grace)
			default:
				return "", fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
			}
		}
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			b.log.Warn("failed to decode transcript", slog.String("error", err.Error()))
			continue
		}
		if tr.Partial {
			continue
		}
		return verdict(tr.Text, tr.Error)
	}
}
