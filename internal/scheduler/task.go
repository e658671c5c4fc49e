// Package scheduler runs periodic work on a clockwork clock so tests can
// drive it with a fake clock.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
)

// Task runs fn every interval. The next run is scheduled only after the
// current one returns, so runs never overlap.
type Task struct {
	name     string
	clock    clockwork.Clock
	interval time.Duration
	fn       func(ctx context.Context)

	running atomic.Bool

	mu      sync.Mutex
	timer   clockwork.Timer
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewTask(name string, clock clockwork.Clock, interval time.Duration, fn func(ctx context.Context)) *Task {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Task{
		name:     name,
		clock:    clock,
		interval: interval,
		fn:       fn,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.timer != nil {
		return
	}
	logger.DebugF("Scheduled task %s every %s", t.name, t.interval)
	t.timer = t.clock.AfterFunc(t.interval, t.fire)
}

func (t *Task) fire() {
	t.RunOnce()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = t.clock.AfterFunc(t.interval, t.fire)
}

// RunOnce runs fn now unless a run is already in progress, in which case it
// reports false.
func (t *Task) RunOnce() bool {
	if !t.running.CompareAndSwap(false, true) {
		logger.DebugF("Task %s still running, skipping", t.name)
		return false
	}
	defer t.running.Store(false)
	t.fn(t.ctx)
	return true
}

func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.cancel()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Invoke lets a task be registered with the shutdown cleaner.
func (t *Task) Invoke(_ context.Context) error {
	t.Stop()
	return nil
}
