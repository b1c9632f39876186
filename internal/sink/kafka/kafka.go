package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclog/internal/changelog"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Sink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

func New(brokers []string, topic string, logger *zap.Logger) (*Sink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka sink needs brokers and a topic")
	}
	logger.Info("Creating Kafka sink",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic))

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug("Kafka writer log", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error("Kafka writer error", zap.String("msg", fmt.Sprintf(msg, args...)))
		}),
	}
	return newSink(writer, topic, logger), nil
}

func newSink(w messageWriter, topic string, logger *zap.Logger) *Sink {
	return &Sink{writer: w, topic: topic, logger: logger}
}

// MessageKey is the table and partition key of a row. Every row of a
// partition hashes to the same kafka partition, which keeps them in order.
func MessageKey(r *changelog.Row) []byte {
	return []byte(r.Table + r.Partition)
}

// Write publishes rows as JSON in one synchronous batch.
func (s *Sink) Write(ctx context.Context, rows []changelog.Row) error {
	msgs := make([]kafka.Message, len(rows))
	for i := range rows {
		data, err := json.Marshal(&rows[i])
		if err != nil {
			return errors.Wrapf(err, "encoding log row of %s", rows[i].Table)
		}
		msgs[i] = kafka.Message{
			Key:   MessageKey(&rows[i]),
			Value: data,
			Time:  time.UnixMicro(rows[i].Timestamp),
		}
	}

	s.logger.Debug("Sending log rows to Kafka",
		zap.String("topic", s.topic),
		zap.Int("rows", len(msgs)))

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	err := s.writer.WriteMessages(ctx, msgs...)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("Failed to write messages to Kafka",
			zap.Error(err),
			zap.Int("rows", len(msgs)),
			zap.Duration("duration", duration))
		return errors.Wrap(err, "writing to kafka")
	}

	s.logger.Debug("Messages sent to Kafka successfully",
		zap.Int("rows", len(msgs)),
		zap.Duration("duration", duration))
	return nil
}

func (s *Sink) Close() error {
	s.logger.Info("Closing Kafka sink")
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}
