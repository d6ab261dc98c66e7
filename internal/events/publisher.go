// Package events broadcasts lifecycle transition events for downstream
// consumers (UI, audit log, metrics). Publishing is best-effort from the
// cycles' point of view; failures are logged by callers, never cycle-fatal.
package events

import (
	"time"

	"github.com/sokovanproject/sokovan/internal/common/sokovancontext"
)

type EntityKind string

const (
	EntitySession    EntityKind = "session"
	EntityRoute      EntityKind = "route"
	EntityDeployment EntityKind = "deployment"
)

// LifecycleEvent records one status transition of a session, route or
// deployment.
type LifecycleEvent struct {
	Kind       EntityKind `json:"kind"`
	EntityID   string     `json:"entity_id"`
	FromStatus string     `json:"from_status"`
	ToStatus   string     `json:"to_status"`
	Reason     string     `json:"reason,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx *sokovancontext.Context, events []LifecycleEvent) error
	Close()
}

// NullPublisher discards all events. Used in tests and when no broker is
// configured.
type NullPublisher struct{}

func (NullPublisher) Publish(_ *sokovancontext.Context, _ []LifecycleEvent) error {
	return nil
}

func (NullPublisher) Close() {}
