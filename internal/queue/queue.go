// Package queue carries delivery jobs from admission to the consumer with
// at-least-once semantics. A job stays with the broker until it is acked.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
)

var ErrClosed = errors.New("queue closed")

// Job is the wire form of one auto-message delivery attempt.
type Job struct {
	AutoMessageID string             `json:"auto_message_id"`
	SenderID      string             `json:"sender_id"`
	ReceiverID    string             `json:"receiver_id"`
	Content       string             `json:"content"`
	Type          domain.MessageType `json:"message_type"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	Attempt       int                `json:"attempt"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
}

func NewJob(d *domain.AutoMessage, attempt int, at time.Time) Job {
	return Job{
		AutoMessageID: d.ID,
		SenderID:      d.SenderID,
		ReceiverID:    d.ReceiverID,
		Content:       d.Content,
		Type:          domain.MessageText,
		Metadata:      d.Metadata,
		Attempt:       attempt,
		EnqueuedAt:    at,
	}
}

func (j Job) Encode() ([]byte, error) { return json.Marshal(j) }

func DecodeJob(b []byte) (Job, error) {
	var j Job
	err := json.Unmarshal(b, &j)
	return j, err
}

// Delivery is a received job awaiting acknowledgement. Ack removes it from
// the broker; Nack hands it back for redelivery.
type Delivery struct {
	Job  Job
	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

func NewDelivery(job Job, ack, nack func(ctx context.Context) error) *Delivery {
	return &Delivery{Job: job, ack: ack, nack: nack}
}

func (d *Delivery) Ack(ctx context.Context) error  { return d.ack(ctx) }
func (d *Delivery) Nack(ctx context.Context) error { return d.nack(ctx) }

type Queue interface {
	Publish(ctx context.Context, job Job) error
	// Receive blocks until a job arrives, ctx ends or the queue closes.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}
