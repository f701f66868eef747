/*
Package events publishes ledger events to downstream consumers.

PURPOSE:
  The export pipeline and the payroll generator react to batches being
  locked and adjustments being approved. Services publish after their
  store transaction commits. Publishing is best-effort: a failed publish
  is logged and never rolls back ledger state, because the audit log is
  the record of truth and consumers can re-read it.

EVENT TYPES (routing keys):
  batch.created, batch.finalised, batch.exported,
  adjustment.approved, adjustment.rejected, dispute.resolved,
  ruleset.activated

IMPLEMENTATIONS:
  Nop:      discards events (default)
  Recorder: keeps events in memory (tests, demo)
  AMQP:     RabbitMQ topic exchange (amqp091-go)

SEE ALSO:
  - tips/: Publishers are called after WithTx returns nil
*/
package events

import (
	"context"
	"sync"
	"time"
)

// Type is the routing key of an event.
type Type string

const (
	BatchCreated       Type = "batch.created"
	BatchFinalised     Type = "batch.finalised"
	BatchExported      Type = "batch.exported"
	AdjustmentApproved Type = "adjustment.approved"
	AdjustmentRejected Type = "adjustment.rejected"
	DisputeResolved    Type = "dispute.resolved"
	RuleSetActivated   Type = "ruleset.activated"
)

// Event is the message body. Consumers look entities up by ID; the
// payload only carries what they need to route.
type Event struct {
	Type       Type              `json:"type"`
	EntityID   string            `json:"entity_id"`
	LocationID string            `json:"location_id,omitempty"`
	ActorID    string            `json:"actor_id,omitempty"`
	AuditSeq   int64             `json:"audit_sequence,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// =============================================================================
// NOP
// =============================================================================

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// =============================================================================
// RECORDER
// =============================================================================

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
