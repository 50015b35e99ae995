// Package scheduler plans auto-messages and admits due ones to the delivery
// queue on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/fathima-sithara/delivery-service/internal/metrics"
	"go.uber.org/zap"
)

const (
	TaskPlanning  = "message_planning"
	TaskAdmission = "queue_admission"
)

// TaskFunc is one scheduled unit of work. Returning ErrAlreadyRunning marks
// the tick as skipped.
type TaskFunc func(ctx context.Context) error

type task struct {
	name    string
	expr    string
	run     TaskFunc
	running func() bool

	mu       sync.Mutex
	lastRun  time.Time
	lastErr  string
	nextRun  time.Time
	runCount int
}

// TaskStatus is a point-in-time view of one task.
type TaskStatus struct {
	Name      string    `json:"name"`
	Cron      string    `json:"cron"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int       `json:"runs"`
}

// Scheduler runs each task on its cron expression, evaluated in loc. Each
// tick runs on its own goroutine and the task's guard drops overlapping runs.
type Scheduler struct {
	loc   *time.Location
	now   func() time.Time
	tasks []*task
	log   *zap.SugaredLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(loc *time.Location, log *zap.SugaredLogger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc, now: time.Now, log: log.Named("scheduler")}
}

// Add registers a task. running reports whether a run is in progress.
func (s *Scheduler) Add(name, expr string, run TaskFunc, running func() bool) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid cron expression for %s: %q", name, expr)
	}
	s.tasks = append(s.tasks, &task{name: name, expr: expr, run: run, running: running})
	return nil
}

func (s *Scheduler) AddPlanner(expr string, p *Planner) error {
	return s.Add(TaskPlanning, expr, func(ctx context.Context) error {
		_, err := p.Run(ctx)
		return err
	}, p.Running)
}

func (s *Scheduler) AddAdmission(expr string, a *Admission) error {
	return s.Add(TaskAdmission, expr, func(ctx context.Context) error {
		_, err := a.Run(ctx)
		return err
	}, a.Running)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t *task) {
			defer s.wg.Done()
			s.loop(ctx, t)
		}(t)
		s.log.Infow("task scheduled", "task", t.name, "cron", t.expr, "timezone", s.loc.String())
	}
}

// Stop ends the loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	for {
		now := s.now().In(s.loc)
		next, err := gronx.NextTickAfter(t.expr, now, false)
		if err != nil {
			s.log.Errorw("next tick failed", "task", t.name, "cron", t.expr, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		t.mu.Lock()
		t.nextRun = next
		t.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// a run in progress finishes even if Stop is called
			_ = s.Trigger(context.WithoutCancel(ctx), t.name)
		}()
	}
}

// Trigger runs the named task once, now. It returns ErrAlreadyRunning when a
// run is in progress and an error for unknown names.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	t := s.find(name)
	if t == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	start := s.now()
	err := t.run(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		metrics.SchedulerRuns.WithLabelValues(t.name, "skipped").Inc()
		return err
	case err != nil:
		metrics.SchedulerRuns.WithLabelValues(t.name, "error").Inc()
		s.log.Errorw("task failed", "task", t.name, "error", err)
		t.lastErr = err.Error()
	default:
		metrics.SchedulerRuns.WithLabelValues(t.name, "ok").Inc()
		t.lastErr = ""
	}
	t.lastRun = start
	t.runCount++
	return err
}

func (s *Scheduler) find(name string) *task {
	for _, t := range s.tasks {
		if t.name == name {
			return t
		}
	}
	return nil
}

// Services reports every task with its schedule and last outcome.
func (s *Scheduler) Services() []TaskStatus {
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		st := TaskStatus{
			Name:      t.name,
			Cron:      t.expr,
			LastRun:   t.lastRun,
			NextRun:   t.nextRun,
			LastError: t.lastErr,
			Runs:      t.runCount,
		}
		t.mu.Unlock()
		if t.running != nil {
			st.Running = t.running()
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
