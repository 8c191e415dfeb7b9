package presentation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSink publishes every event on sign.event.<session>.<type>.
type BusSink struct {
	conn *nats.Conn
}

func NewBusSink(conn *nats.Conn) *BusSink {
	return &BusSink{conn: conn}
}

func (b *BusSink) Emit(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(protocol.EventSubject(evt.SessionID, string(evt.Type)), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
