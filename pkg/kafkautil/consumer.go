package kafkautil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/segmentio/kafka-go"
)

// ErrDecode wraps payloads that are not valid JSON for the target type.
var ErrDecode = errors.New("decode message")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader messageReader
	logger lg.Logger
}

func NewConsumer[T any](cfg Config, logger lg.Logger) *Consumer[T] {
	return newConsumer[T](kafka.NewReader(cfg.readerConfig()), logger)
}

func newConsumer[T any](r messageReader, logger lg.Logger) *Consumer[T] {
	if logger == nil {
		logger = lg.Discard
	}
	return &Consumer[T]{reader: r, logger: logger}
}

// Read fetches and commits the next message. A message that cannot be
// decoded is committed too, so it is not redelivered, and reported as
// ErrDecode.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	if decodeErr != nil {
		c.logger.Warn("Skipping undecodable message",
			lg.Int("partition", msg.Partition),
			lg.Any("offset", msg.Offset),
			lg.Err(decodeErr))
		return zero, fmt.Errorf("%w at offset %d: %v", ErrDecode, msg.Offset, decodeErr)
	}
	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
