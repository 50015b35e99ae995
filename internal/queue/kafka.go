package queue

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaQueue publishes with acks from all in-sync replicas and commits the
// consumer-group offset only when a delivery is acked.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	log    *zap.SugaredLogger
}

func NewKafkaQueue(cfg KafkaConfig, log *zap.SugaredLogger) *KafkaQueue {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaQueue{writer: w, reader: r, log: log.Named("kafka")}
}

func (q *KafkaQueue) Publish(ctx context.Context, job Job) error {
	b, err := job.Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(job.AutoMessageID),
		Value: b,
		Time:  job.EnqueuedAt,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish %s: %w", job.AutoMessageID, err)
	}
	return nil
}

func (q *KafkaQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		m, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrClosed
			}
			return nil, err
		}
		job, err := DecodeJob(m.Value)
		if err != nil {
			q.log.Errorw("dropping undecodable job", "offset", m.Offset, "partition", m.Partition, "error", err)
			if err := q.reader.CommitMessages(ctx, m); err != nil {
				return nil, err
			}
			continue
		}
		commit := func(ctx context.Context) error { return q.reader.CommitMessages(ctx, m) }
		// Kafka has no per-message negative ack: the job is written back
		// to the topic and the original offset committed.
		requeue := func(ctx context.Context) error {
			if err := q.Publish(ctx, job); err != nil {
				return err
			}
			return q.reader.CommitMessages(ctx, m)
		}
		return NewDelivery(job, commit, requeue), nil
	}
}

func (q *KafkaQueue) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
