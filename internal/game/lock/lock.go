// Package lock provides named per-entity mutual exclusion for condition and
// chain state mutations.
//
// The lock is deliberately not a blocking mutex: Acquire never waits. A held
// lock whose age exceeds the configured timeout is stale and is taken over by
// the next acquirer. This trades strict exclusivity for forward progress: a
// wedged holder must never permanently freeze an entity's condition
// processing.
package lock

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout is the stale-lock age used when no timeout is configured.
const DefaultTimeout = 500 * time.Millisecond

// holder records who holds an entity lock and since when.
type holder struct {
	operation  string
	acquiredAt time.Time
}

// Service owns the process-wide table of entity locks.
// All methods are safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	holders map[string]holder
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Used by tests to simulate stale locks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a lock Service with the given stale timeout.
//
// Precondition: logger must be non-nil. timeout <= 0 uses DefaultTimeout.
// Postcondition: Returns a non-nil Service with an empty lock table.
func NewService(timeout time.Duration, logger *zap.Logger, opts ...Option) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Service{
		holders: make(map[string]holder),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire attempts to take the lock for entityID on behalf of operation.
// An unheld lock is granted immediately. A held lock older than the stale
// timeout is taken over with a warning. A held, non-stale lock is denied.
// Acquire never blocks.
//
// Precondition: entityID and operation must be non-empty.
// Postcondition: On true, the caller holds the lock and must Release it.
func (s *Service) Acquire(entityID, operation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if h, held := s.holders[entityID]; held {
		age := now.Sub(h.acquiredAt)
		if age <= s.timeout {
			return false
		}
		s.logger.Warn("taking over stale entity lock",
			zap.String("entity", entityID),
			zap.String("stale_operation", h.operation),
			zap.String("new_operation", operation),
			zap.Duration("held_for", age),
		)
	}

	s.holders[entityID] = holder{operation: operation, acquiredAt: now}
	return true
}

// Release clears the lock for entityID unconditionally. No ownership token is
// checked; callers are trusted to release only locks they were granted.
//
// Postcondition: IsLocked(entityID) is false.
func (s *Service) Release(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holders, entityID)
}

// WithLock acquires the entity lock, runs fn, and releases the lock on every
// exit path including panics. Returns false without running fn if the lock
// could not be acquired.
//
// Precondition: fn must be non-nil.
func (s *Service) WithLock(entityID, operation string, fn func()) bool {
	if !s.Acquire(entityID, operation) {
		return false
	}
	defer s.Release(entityID)
	fn()
	return true
}

// IsLocked reports whether entityID's lock is currently held.
// Introspection only: the answer may be stale by the time the caller acts on
// it. Never use it to decide whether to Acquire.
func (s *Service) IsLocked(entityID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.holders[entityID]
	return held
}

// LockInfo returns the holding operation and hold duration for entityID.
// Introspection only, same caveat as IsLocked.
//
// Postcondition: Returns ("", 0, false) when the lock is not held.
func (s *Service) LockInfo(entityID string) (operation string, heldFor time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, held := s.holders[entityID]
	if !held {
		return "", 0, false
	}
	return h.operation, s.now().Sub(h.acquiredAt), true
}
