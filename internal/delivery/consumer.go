// Package delivery turns queued auto-message jobs into stored messages.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"github.com/fathima-sithara/delivery-service/internal/presence"
	"github.com/fathima-sithara/delivery-service/internal/queue"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"github.com/fathima-sithara/delivery-service/internal/service"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDropped   Outcome = "dropped"
	OutcomeFailed    Outcome = "failed"
)

// Deliverer stores a message and updates its conversation.
type Deliverer interface {
	Deliver(ctx context.Context, msg *domain.Message) (*service.Delivered, error)
}

// Pusher notifies a connected user.
type Pusher interface {
	Push(ctx context.Context, userID, event string, data any) bool
}

// Submitter puts a draft back on the queue.
type Submitter interface {
	Submit(ctx context.Context, d *domain.AutoMessage, attempt int) bool
}

type Options struct {
	RetryDelay      time.Duration
	MaxRedeliveries int
	ProcessTimeout  time.Duration
}

func (o *Options) defaults() {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.MaxRedeliveries < 0 {
		o.MaxRedeliveries = 0
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = 30 * time.Second
	}
}

type Consumer struct {
	queue    queue.Queue
	drafts   repository.AutoMessageRepository
	messages Deliverer
	push     Pusher
	resubmit Submitter
	opts     Options
	retries  *retryTimers
	now      func() time.Time
	log      *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConsumer(q queue.Queue, drafts repository.AutoMessageRepository, messages Deliverer, push Pusher, resubmit Submitter, opts Options, log *zap.SugaredLogger) *Consumer {
	opts.defaults()
	return &Consumer{
		queue:    q,
		drafts:   drafts,
		messages: messages,
		push:     push,
		resubmit: resubmit,
		opts:     opts,
		retries:  newRetryTimers(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.Named("consumer"),
	}
}

func (c *Consumer) WithClock(now func() time.Time) *Consumer {
	c.now = now
	return c
}

// Start runs the receive loop in the background until Stop.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := c.Run(ctx); err != nil {
			c.log.Errorw("consumer stopped", "error", err)
		}
	}()
	c.log.Info("delivery consumer started")
}

// Stop ends the receive loop, lets the job in hand finish, cancels pending
// resubmissions and waits for any that already fired. It gives up waiting
// when ctx ends.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := c.retries.stop(ctx); err != nil {
		return err
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		c.log.Info("delivery consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run receives and handles jobs one at a time until ctx ends or the queue
// closes. Receive errors are retried with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = 30 * time.Second

	for {
		d, err := backoff.RetryNotifyWithData(func() (*queue.Delivery, error) {
			d, err := c.queue.Receive(ctx)
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return d, err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			c.log.Warnw("receive failed, backing off", "wait", wait, "error", err)
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		c.handle(ctx, d)
	}
}

// handle runs on a context detached from ctx's cancellation so a job in
// progress at shutdown still completes and settles.
func (c *Consumer) handle(ctx context.Context, d *queue.Delivery) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ProcessTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := c.Process(jobCtx, d.Job)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	metrics.DeliveryJobs.WithLabelValues(string(outcome)).Inc()

	if err == nil {
		if aerr := d.Ack(jobCtx); aerr != nil {
			c.log.Warnw("ack failed", "auto_message_id", d.Job.AutoMessageID, "error", aerr)
		}
		return
	}

	c.log.Warnw("job failed", "auto_message_id", d.Job.AutoMessageID, "attempt", d.Job.Attempt, "error", err)
	draft, ferr := c.drafts.RecordFailure(jobCtx, d.Job.AutoMessageID, err.Error(), c.now())
	if ferr != nil {
		if errors.Is(ferr, domain.ErrNotFound) {
			// Sent or deleted in the meantime; nothing left to retry.
			_ = d.Ack(jobCtx)
			return
		}
		c.log.Errorw("record failure failed, returning job to broker", "auto_message_id", d.Job.AutoMessageID, "error", ferr)
		if nerr := d.Nack(jobCtx); nerr != nil {
			c.log.Errorw("nack failed", "auto_message_id", d.Job.AutoMessageID, "error", nerr)
		}
		return
	}
	if aerr := d.Ack(jobCtx); aerr != nil {
		c.log.Warnw("ack failed", "auto_message_id", d.Job.AutoMessageID, "error", aerr)
	}

	if d.Job.Attempt < c.opts.MaxRedeliveries && !draft.Exhausted() {
		c.scheduleResubmit(draft.ID, d.Job.Attempt+1)
	}
}

// Process materialises one job. A nil error means the job is settled and
// can be acked: delivered now, delivered before, or nothing left to deliver.
func (c *Consumer) Process(ctx context.Context, job queue.Job) (Outcome, error) {
	draft, err := c.drafts.Get(ctx, job.AutoMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.log.Warnw("draft not found, dropping job", "auto_message_id", job.AutoMessageID)
			return OutcomeDropped, nil
		}
		return OutcomeFailed, fmt.Errorf("load draft: %w", err)
	}
	if draft.IsSent {
		c.log.Debugw("draft already sent", "auto_message_id", draft.ID, "message_id", draft.MessageID)
		return OutcomeDuplicate, nil
	}

	meta := make(map[string]any, len(draft.Metadata)+2)
	for k, v := range draft.Metadata {
		meta[k] = v
	}
	meta["auto_message_id"] = draft.ID
	meta["kind"] = "auto"

	msg := &domain.Message{
		ID:         service.MessageIDForDraft(draft.ID),
		SenderID:   draft.SenderID,
		ReceiverID: draft.ReceiverID,
		Content:    draft.Content,
		Type:       job.Type,
		Metadata:   meta,
		CreatedAt:  c.now(),
	}
	out, err := c.messages.Deliver(ctx, msg)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("deliver: %w", err)
	}

	first, err := c.drafts.MarkSent(ctx, draft.ID, out.Message.ID, c.now())
	if err != nil {
		return OutcomeFailed, fmt.Errorf("mark sent: %w", err)
	}
	if !first {
		return OutcomeDuplicate, nil
	}
	metrics.MessagesSent.WithLabelValues("queued").Inc()

	ev := presence.MessageEvent{Message: out.Message, ConversationID: out.Conversation.ID, Auto: true}
	if !c.push.Push(ctx, out.Message.ReceiverID, presence.EventMessageReceived, ev) {
		c.log.Debugw("receiver offline, message stored only", "receiver_id", out.Message.ReceiverID)
	}
	c.log.Infow("auto message delivered",
		"auto_message_id", draft.ID, "message_id", out.Message.ID, "conversation_id", out.Conversation.ID)
	return OutcomeDelivered, nil
}

func (c *Consumer) scheduleResubmit(draftID string, attempt int) {
	ok := c.retries.after(c.opts.RetryDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ProcessTimeout)
		defer cancel()
		draft, err := c.drafts.Get(ctx, draftID)
		if err != nil {
			c.log.Warnw("resubmit lookup failed", "auto_message_id", draftID, "error", err)
			return
		}
		// Admission may have picked it up already.
		if draft.State() != domain.StateDrafted {
			return
		}
		if c.resubmit.Submit(ctx, draft, attempt) {
			c.log.Infow("job resubmitted", "auto_message_id", draftID, "attempt", attempt)
		}
	})
	if !ok {
		c.log.Debugw("shutting down, resubmission left to admission", "auto_message_id", draftID)
	}
}

// SendTest publishes an ad-hoc job. Its id has no draft behind it, so the
// consumer logs and drops it; useful to check the broker round trip.
func (c *Consumer) SendTest(ctx context.Context, senderID, receiverID, content string) (queue.Job, error) {
	job := queue.Job{
		AutoMessageID: "test-" + fmt.Sprint(c.now().UnixNano()),
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Content:       content,
		Type:          domain.MessageText,
		Metadata:      map[string]any{"kind": "test"},
		EnqueuedAt:    c.now(),
	}
	return job, c.queue.Publish(ctx, job)
}
