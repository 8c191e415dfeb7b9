package presentation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink writes events to a topic keyed by session id, so every event of
// a session lands on the same partition in emission order.
type KafkaSink struct {
	writer *kafka.Writer
	log    *slog.Logger
}

func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka sink needs a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{DialTimeout: 10 * time.Second},
	}
	log := logger.With(slog.String("component", "presentation.kafka"))
	log.Info("kafka sink initialized", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &KafkaSink{writer: w, log: log}, nil
}

func (k *KafkaSink) Emit(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(evt.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka event: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
