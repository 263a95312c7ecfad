// Package server orchestrates the long-running components of the combat
// server: startup in registration order, shutdown in reverse, and
// signal-driven termination.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component managed by the Lifecycle.
type Service interface {
	// Start runs the service. It may block for the service's lifetime or
	// return nil immediately for services that run in their own goroutines.
	// A non-nil error brings the whole lifecycle down.
	Start() error
	// Stop gracefully stops the service.
	Stop()
}

// FuncService adapts a start/stop function pair into the Service interface.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls the underlying start function.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls the underlying stop function.
func (f *FuncService) Stop() { f.StopFn() }

type member struct {
	name string
	svc  Service
}

// Lifecycle starts registered services in order and stops them in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	logger  *zap.Logger
	members []member
}

// NewLifecycle creates an empty lifecycle manager.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{logger: logger}
}

// Add registers a named service. Services start in registration order and
// stop in reverse.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.members = append(l.members, member{name: name, svc: svc})
}

// Run starts every registered service and blocks until SIGINT or SIGTERM
// arrives, a service's Start returns an error, or ctx is cancelled. All
// services are stopped before Run returns.
//
// Postcondition: Returns the first service error, or nil on signal or
// context shutdown.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	failed := make(chan error, len(l.members))
	for _, m := range l.members {
		m := m
		go func() {
			l.logger.Info("starting service", zap.String("service", m.name))
			if err := m.svc.Start(); err != nil {
				failed <- fmt.Errorf("service %s: %w", m.name, err)
				cancel()
			}
		}()
	}
	l.logger.Info("all services started", zap.Int("count", len(l.members)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		l.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case runErr = <-failed:
		l.logger.Error("service error, shutting down", zap.Error(runErr))
	case <-ctx.Done():
		l.logger.Info("context cancelled, shutting down")
	}

	for i := len(l.members) - 1; i >= 0; i-- {
		m := l.members[i]
		stopStart := time.Now()
		m.svc.Stop()
		l.logger.Info("service stopped",
			zap.String("service", m.name),
			zap.Duration("elapsed", time.Since(stopStart)),
		)
	}

	l.logger.Info("shutdown complete", zap.Duration("uptime", time.Since(start)))
	return runErr
}
