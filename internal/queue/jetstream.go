package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

type JetStreamConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
}

// JetStreamQueue uses a work-queue stream with one durable pull consumer.
type JetStreamQueue struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cons    jetstream.Consumer
	subject string
	log     *zap.SugaredLogger
}

func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig, log *zap.SugaredLogger) (*JetStreamQueue, error) {
	log = log.Named("jetstream")
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warnw("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Subjects:    []string{cfg.Subject},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Auto-message delivery jobs",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		FilterSubject: cfg.Subject,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &JetStreamQueue{nc: nc, js: js, cons: cons, subject: cfg.Subject, log: log}, nil
}

func (q *JetStreamQueue) Publish(ctx context.Context, job Job) error {
	b, err := job.Encode()
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.subject, b); err != nil {
		return fmt.Errorf("jetstream publish %s: %w", job.AutoMessageID, err)
	}
	return nil
}

func (q *JetStreamQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.nc.IsClosed() {
			return nil, ErrClosed
		}
		msg, err := q.cons.Next(jetstream.FetchMaxWait(2 * time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			return nil, err
		}
		job, err := DecodeJob(msg.Data())
		if err != nil {
			q.log.Errorw("dropping undecodable job", "subject", msg.Subject(), "error", err)
			_ = msg.Term()
			continue
		}
		return NewDelivery(job,
			func(context.Context) error { return msg.Ack() },
			func(context.Context) error { return msg.Nak() },
		), nil
	}
}

func (q *JetStreamQueue) Close() error {
	q.nc.Close()
	return nil
}
