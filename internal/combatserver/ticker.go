package combatserver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/condition"
	"github.com/cory-johannsen/arena/internal/game/lock"
)

// Ticker periodically advances every entity's active conditions. Each
// entity is ticked under its own lock, so one busy or wedged entity never
// delays the others; an entity whose lock is busy is skipped and caught up
// on the next pass.
type Ticker struct {
	engine   *condition.Engine
	locks    *lock.Service
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// TickerOption configures a Ticker.
type TickerOption func(*Ticker)

// WithTickerClock overrides the ticker's time source for tests.
func WithTickerClock(now func() time.Time) TickerOption {
	return func(t *Ticker) { t.now = now }
}

// NewTicker creates a Ticker driving engine at the given interval.
//
// Precondition: engine, locks, and logger must be non-nil.
func NewTicker(engine *condition.Engine, locks *lock.Service, interval time.Duration, logger *zap.Logger, opts ...TickerOption) *Ticker {
	t := &Ticker{
		engine:   engine,
		locks:    locks,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start launches the tick loop.
//
// Postcondition: Returns an error if the interval is not positive; otherwise
// the loop runs until Stop.
func (t *Ticker) Start() error {
	if t.interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", t.interval)
	}
	t.started.Store(true)
	go t.run()
	t.logger.Info("condition ticker started", zap.Duration("interval", t.interval))
	return nil
}

// Stop halts the tick loop and waits for the in-flight pass to finish.
// Idempotent, and safe to call when Start failed or was never called.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.started.Load() {
			<-t.done
		}
		t.logger.Info("condition ticker stopped")
	})
}

func (t *Ticker) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.RunOnce(t.now())
		}
	}
}

// RunOnce performs a single tick pass over every entity with active
// conditions. Exposed for tests and manual driving.
func (t *Ticker) RunOnce(now time.Time) {
	for _, h := range t.engine.EntitiesWithConditions() {
		handle := h
		granted := t.locks.WithLock(handle.ID(), "condition tick", func() {
			t.engine.TickEntity(handle, now)
		})
		if !granted {
			t.logger.Debug("entity busy, tick deferred", zap.String("entity", handle.ID()))
		}
	}
}
