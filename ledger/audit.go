/*
audit.go - Append-only audit events with a hash chain

PURPOSE:
  Every batch transition, every adjustment creation or decision, every
  dispute decision and every RuleSet activation is recorded as one
  AuditEvent. Events are retained for tax-authority inspection (six years
  minimum, enforced by retention policy, not code).

CRITICAL INVARIANTS:
  1. APPEND-ONLY: the store exposes Insert and List. No Update, no Delete.
  2. CHAINED: event N stores hash(N-1) as PrevHash and its own Hash over
     its content plus PrevHash. Editing or removing any stored event
     breaks every hash after it.
  3. SEQUENCED: Sequence is dense and unique; two writers cannot both
     append sequence N.

VERIFICATION:
  VerifyChain is a read-only pass over stored events. It is not coupled
  to any write path.

SEE ALSO:
  - store.go: AuditStore interface
  - tips/audit.go: Listing and verification service
*/
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// GenesisHash is the PrevHash of the first event.
const GenesisHash = "genesis"

// =============================================================================
// AUDIT EVENT
// =============================================================================

type EntityType string

const (
	EntityBatch      EntityType = "allocation_batch"
	EntityLine       EntityType = "allocation_line"
	EntityAdjustment EntityType = "adjustment"
	EntityDispute    EntityType = "dispute"
	EntityRuleSet    EntityType = "rule_set"
)

type AuditAction string

const (
	AuditBatchCreated       AuditAction = "batch_created"
	AuditBatchRecomputed    AuditAction = "batch_recomputed"
	AuditBatchFinalised     AuditAction = "batch_finalised"
	AuditBatchExported      AuditAction = "batch_exported"
	AuditLineEdited         AuditAction = "line_edited"
	AuditAdjustmentCreated  AuditAction = "adjustment_created"
	AuditAdjustmentApproved AuditAction = "adjustment_approved"
	AuditAdjustmentRejected AuditAction = "adjustment_rejected"
	AuditDisputeOpened      AuditAction = "dispute_opened"
	AuditDisputeReview      AuditAction = "dispute_under_review"
	AuditDisputeResolved    AuditAction = "dispute_resolved"
	AuditDisputeRejected    AuditAction = "dispute_rejected"
	AuditRuleSetActivated   AuditAction = "rule_set_activated"
)

// AuditEvent records who did what, when.
type AuditEvent struct {
	ID             AuditEventID
	Sequence       int64
	EntityType     EntityType
	EntityID       string
	Action         AuditAction
	ActorID        string
	ActorEmail     string
	ChangesSummary string
	HMRCRelevant   bool
	CreatedAt      time.Time
	PrevHash       string
	Hash           string
}

// ComputeHash hashes the event content chained to PrevHash.
func (e AuditEvent) ComputeHash() string {
	return contentHash(
		strconv.FormatInt(e.Sequence, 10),
		string(e.ID),
		string(e.EntityType),
		e.EntityID,
		string(e.Action),
		e.ActorID,
		e.ActorEmail,
		e.ChangesSummary,
		strconv.FormatBool(e.HMRCRelevant),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
	)
}

// contentHash hashes fields framed as "<len>:<field>" so no separator
// inside a field can make two different tuples share a payload.
func contentHash(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// AuditFilter selects events for listing. Zero values mean "any".
type AuditFilter struct {
	ActorID    string
	EntityType EntityType
	EntityID   string
	Action     AuditAction
	From       *time.Time
	To         *time.Time
	HMRCOnly   bool
	AfterSeq   int64
	Limit      int
	Offset     int
}

// =============================================================================
// APPEND
// =============================================================================

// AppendAudit chains ev onto the current head and inserts it. Call it
// inside the same store transaction as the change being audited so the
// event and the change commit together.
func AppendAudit(ctx context.Context, s AuditStore, ev AuditEvent) (AuditEvent, error) {
	head, err := s.AuditHead(ctx)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("reading audit head: %w", err)
	}

	ev.Sequence = head.Sequence + 1
	ev.PrevHash = head.Hash
	if ev.PrevHash == "" {
		ev.PrevHash = GenesisHash
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.Hash = ev.ComputeHash()

	if err := s.InsertAuditEvent(ctx, ev); err != nil {
		return AuditEvent{}, fmt.Errorf("inserting audit event: %w", err)
	}
	return ev, nil
}

// AuditHead is the last event's position in the chain.
type AuditHead struct {
	Sequence int64
	Hash     string
}

// =============================================================================
// VERIFY
// =============================================================================

// ChainReport summarizes a verification pass.
type ChainReport struct {
	Events   int
	HeadSeq  int64
	HeadHash string
}

// VerifyChain walks events in sequence order and recomputes every hash.
// It stops at the first break.
func VerifyChain(events []AuditEvent) (ChainReport, error) {
	report := ChainReport{}
	prev := GenesisHash
	var expectSeq int64 = 1

	for _, e := range events {
		if e.Sequence != expectSeq {
			return report, &HashMismatchError{
				Kind:     "audit_sequence",
				ID:       string(e.ID),
				Expected: strconv.FormatInt(expectSeq, 10),
				Actual:   strconv.FormatInt(e.Sequence, 10),
			}
		}
		if e.PrevHash != prev {
			return report, &HashMismatchError{Kind: "audit_prev_hash", ID: string(e.ID), Expected: prev, Actual: e.PrevHash}
		}
		if expected := e.ComputeHash(); e.Hash != expected {
			return report, &HashMismatchError{Kind: "audit_event", ID: string(e.ID), Expected: expected, Actual: e.Hash}
		}

		prev = e.Hash
		expectSeq++
		report.Events++
		report.HeadSeq = e.Sequence
		report.HeadHash = e.Hash
	}
	return report, nil
}
