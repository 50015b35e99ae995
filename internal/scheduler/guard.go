package scheduler

import (
	"errors"
	"sync/atomic"
)

var ErrAlreadyRunning = errors.New("run already in progress")

// Guard admits one run at a time. A second caller is turned away rather than queued.
type Guard struct {
	running atomic.Bool
}

func (g *Guard) TryAcquire() bool { return g.running.CompareAndSwap(false, true) }

func (g *Guard) Release() { g.running.Store(false) }

func (g *Guard) Running() bool { return g.running.Load() }
