package condition

import "time"

// Active is one live condition instance on an entity. A condition with
// StackIndependent behavior may have several Active records for the same
// entity; other behaviors have at most one.
//
// Invariant: Stacks >= 1 for as long as the record is tracked. A record
// whose stacks reach zero is removed in the same transition.
type Active struct {
	// ConditionID names the Def this instance was created from.
	ConditionID string
	// InstanceID distinguishes independent instances of the same condition.
	InstanceID string
	// Stacks is the current stack count, 1..MaxStacks.
	Stacks int
	// AppliedAt is when the instance was first created.
	AppliedAt time.Time
	// ExpiresAt is when the current duration lapses.
	ExpiresAt time.Time
	// LastTickAt is when the periodic effect last fired. Set to the apply
	// time on creation so the first tick happens one full interval later.
	LastTickAt time.Time
	// SourceID identifies the entity that applied the condition, if any.
	SourceID string
	// Data is the opaque payload handed to lifecycle hooks.
	Data map[string]any
}

// Snapshot is a read-only copy of an Active record, safe to hand out without
// holding any lock.
type Snapshot struct {
	ConditionID string
	InstanceID  string
	Stacks      int
	AppliedAt   time.Time
	ExpiresAt   time.Time
	SourceID    string
	// Remaining is the time until expiry at the moment the snapshot was
	// taken, clamped to zero.
	Remaining time.Duration
	Data      map[string]any
}

func (a *Active) snapshot(now time.Time) Snapshot {
	remaining := a.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	data := make(map[string]any, len(a.Data))
	for k, v := range a.Data {
		data[k] = v
	}
	return Snapshot{
		ConditionID: a.ConditionID,
		InstanceID:  a.InstanceID,
		Stacks:      a.Stacks,
		AppliedAt:   a.AppliedAt,
		ExpiresAt:   a.ExpiresAt,
		SourceID:    a.SourceID,
		Remaining:   remaining,
		Data:        data,
	}
}
