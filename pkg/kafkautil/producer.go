package kafkautil

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer[T any] struct {
	writer messageWriter
	logger lg.Logger
}

func NewProducer[T any](cfg Config, logger lg.Logger) *Producer[T] {
	return newProducer[T](&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}, logger)
}

func newProducer[T any](w messageWriter, logger lg.Logger) *Producer[T] {
	if logger == nil {
		logger = lg.Discard
	}
	return &Producer[T]{writer: w, logger: logger}
}

// Publish writes payload as JSON under key.
func (p *Producer[T]) Publish(ctx context.Context, key string, payload T) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	p.logger.Debug("Message published", lg.String("key", key))
	return nil
}

func (p *Producer[T]) Close() error {
	return p.writer.Close()
}
