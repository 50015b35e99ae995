package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var ErrBreakerOpen = errors.New("queue publish circuit open")

type BreakerConfig struct {
	Name        string
	MaxFailures int
	Timeout     time.Duration
}

// BreakerQueue short-circuits Publish while the broker keeps failing, so a
// dead broker costs admission one fast error per draft instead of a timeout.
type BreakerQueue struct {
	Queue
	cb *gobreaker.CircuitBreaker
}

func WithBreaker(q Queue, cfg BreakerConfig, log *zap.SugaredLogger) *BreakerQueue {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infow("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerQueue{Queue: q, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerQueue) Publish(ctx context.Context, job Job) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Queue.Publish(ctx, job)
	})
	return err
}

func (b *BreakerQueue) State() gobreaker.State { return b.cb.State() }

// Check reports ErrBreakerOpen while publishes are short-circuited.
func (b *BreakerQueue) Check(context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return ErrBreakerOpen
	}
	return nil
}
