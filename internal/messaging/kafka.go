// Package messaging publishes pool events (shares, blocks, payouts) to Kafka
// as protobuf-encoded messages.
package messaging

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/pplnspool/pkg/circuit"
	"github.com/bardlex/pplnspool/pkg/errors"
	"github.com/bardlex/pplnspool/pkg/log"
	"github.com/bardlex/pplnspool/pkg/retry"
)

// messageWriter is the subset of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events to Kafka behind a circuit breaker.
type Publisher struct {
	writer         messageWriter
	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewPublisher creates a publisher for brokers. Topics are set per message.
func NewPublisher(brokers []string, logger *log.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Compression:  kafka.Snappy,
	}
	return newPublisher(writer, logger)
}

func newPublisher(w messageWriter, logger *log.Logger) *Publisher {
	return &Publisher{
		writer: w,
		logger: logger.WithComponent("kafka"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
		}),
		retryConfig: retry.DefaultConfig(),
	}
}

// Publish marshals msg and writes it to topic under key
func (p *Publisher) Publish(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return p.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, p.retryConfig, func() error {
			if err := p.writer.WriteMessages(ctx, kafka.Message{
				Topic: topic,
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			p.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close flushes and closes the writer
func (p *Publisher) Close() error {
	return p.writer.Close()
}
