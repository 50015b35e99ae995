package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"github.com/fathima-sithara/delivery-service/internal/queue"
	"github.com/fathima-sithara/delivery-service/internal/repository"
	"go.uber.org/zap"
)

// DefaultStaleAfter is how long a draft may stay queued before admission
// assumes its job was lost.
const DefaultStaleAfter = 30 * time.Minute

type AdmissionResult struct {
	Reclaimed int `json:"reclaimed"`
	Due       int `json:"due"`
	Queued    int `json:"queued"`
	Failed    int `json:"failed"`
}

// Admission moves due drafts onto the delivery queue.
type Admission struct {
	drafts     repository.AutoMessageRepository
	queue      queue.Queue
	batch      int
	staleAfter time.Duration
	guard      Guard
	sweep      Guard
	now        func() time.Time
	log        *zap.SugaredLogger
}

func NewAdmission(drafts repository.AutoMessageRepository, q queue.Queue, batch int, log *zap.SugaredLogger) *Admission {
	return &Admission{
		drafts:     drafts,
		queue:      q,
		batch:      batch,
		staleAfter: DefaultStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
		log:        log.Named("admission"),
	}
}

// WithStaleAfter sets how long a queued draft may go unsettled before it is
// reclaimed. Zero or less keeps the default.
func (a *Admission) WithStaleAfter(d time.Duration) *Admission {
	if d > 0 {
		a.staleAfter = d
	}
	return a
}

func (a *Admission) WithClock(now func() time.Time) *Admission {
	a.now = now
	return a
}

func (a *Admission) Running() bool { return a.guard.Running() }

// Run publishes every due draft. A publish failure counts against that
// draft's retries and the run moves on to the next one.
func (a *Admission) Run(ctx context.Context) (AdmissionResult, error) {
	if !a.guard.TryAcquire() {
		a.log.Warn("queue admission is already running, skipping")
		return AdmissionResult{}, ErrAlreadyRunning
	}
	defer a.guard.Release()

	res := AdmissionResult{Reclaimed: a.reclaim(ctx)}
	due, err := a.drafts.ListDue(ctx, a.now(), a.batch)
	if err != nil {
		return res, fmt.Errorf("list due drafts: %w", err)
	}
	res.Due = len(due)
	if len(due) == 0 {
		return res, nil
	}

	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if a.Submit(ctx, d, 0) {
			res.Queued++
		} else {
			res.Failed++
		}
	}
	a.log.Infow("queue admission completed", "reclaimed", res.Reclaimed, "due", res.Due, "queued", res.Queued, "failed", res.Failed)
	return res, nil
}

// Submit publishes one draft and marks it queued. It reports whether the
// job reached the queue; on failure the draft's retry count is incremented.
func (a *Admission) Submit(ctx context.Context, d *domain.AutoMessage, attempt int) bool {
	now := a.now()
	if err := a.queue.Publish(ctx, queue.NewJob(d, attempt, now)); err != nil {
		metrics.PublishFailures.Inc()
		a.log.Warnw("publish failed", "auto_message_id", d.ID, "retry_count", d.RetryCount, "error", err)
		if _, ferr := a.drafts.RecordFailure(ctx, d.ID, err.Error(), now); ferr != nil {
			a.log.Errorw("record publish failure", "auto_message_id", d.ID, "error", ferr)
		}
		return false
	}
	ok, err := a.drafts.MarkQueued(ctx, d.ID, d.RetryCount, now)
	if err != nil {
		// The job is on the queue; the consumer settles the draft either way.
		a.log.Errorw("mark queued failed", "auto_message_id", d.ID, "error", err)
		return true
	}
	if !ok {
		a.log.Debugw("draft changed while publishing", "auto_message_id", d.ID)
	}
	metrics.DraftsAdmitted.Inc()
	return true
}

// reclaim returns drafts whose job went missing after publish (neither acked
// nor failed) to drafted so a later run admits them again. Errors are logged.
func (a *Admission) reclaim(ctx context.Context) int {
	now := a.now()
	n, err := a.drafts.ReclaimStale(ctx, now.Add(-a.staleAfter), now, fmt.Sprintf("not settled within %s of queueing", a.staleAfter))
	if err != nil {
		a.log.Warnw("reclaim stale drafts failed", "error", err)
		return 0
	}
	if n > 0 {
		a.log.Warnw("reclaimed stale queued drafts", "count", n)
	}
	return int(n)
}

type RetryResult struct {
	Reclaimed int `json:"reclaimed"`
	Exhausted int `json:"exhausted"`
	Requeued  int `json:"requeued"`
}

// RetryFailed reclaims stale queued drafts, then resets every exhausted draft
// and submits it once more.
func (a *Admission) RetryFailed(ctx context.Context) (RetryResult, error) {
	if !a.sweep.TryAcquire() {
		return RetryResult{}, ErrAlreadyRunning
	}
	defer a.sweep.Release()

	res := RetryResult{Reclaimed: a.reclaim(ctx)}
	failed, err := a.drafts.ListExhausted(ctx, a.batch)
	if err != nil {
		return res, fmt.Errorf("list exhausted drafts: %w", err)
	}
	res.Exhausted = len(failed)
	for _, d := range failed {
		reset, err := a.drafts.ResetRetries(ctx, d.ID, a.now())
		if err != nil {
			a.log.Warnw("reset retries failed", "auto_message_id", d.ID, "error", err)
			continue
		}
		if a.Submit(ctx, reset, 0) {
			res.Requeued++
		}
	}
	a.log.Infow("retry sweep completed", "reclaimed", res.Reclaimed, "exhausted", res.Exhausted, "requeued", res.Requeued)
	return res, nil
}

func (a *Admission) Status(ctx context.Context) (domain.QueueStats, error) {
	return a.drafts.Stats(ctx)
}
