// Package kafkautil moves JSON encoded requests through Kafka.
package kafkautil

import "github.com/segmentio/kafka-go"

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) readerConfig() kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers: c.Brokers,
		GroupID: c.GroupID,
		Topic:   c.Topic,
	}
}
