// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by one mutex.
// WithTx snapshots the maps and restores them if fn fails.
type Memory struct {
	view
	mu sync.Mutex
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	m := &Memory{}
	m.view = view{st: newState(), lock: &m.mu}
	return m
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// fn must only use the Store it is given.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st, lock: noLock{}}); err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// =============================================================================
// STATE
// =============================================================================

type state struct {
	transactions map[ledger.TransactionID]ledger.Transaction
	shifts       map[ledger.ShiftID]ledger.Shift
	employees    map[ledger.EmployeeID]ledger.Employee
	ruleSets     map[ledger.RuleSetID]ledger.RuleSet
	batches      map[ledger.BatchID]ledger.Batch
	lines        map[ledger.LineID]ledger.Line
	batchLines   map[ledger.BatchID][]ledger.LineID
	adjustments  map[ledger.AdjustmentID]ledger.Adjustment
	disputes     map[ledger.DisputeID]ledger.Dispute
	audit        []ledger.AuditEvent
}

func newState() *state {
	return &state{
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		shifts:       make(map[ledger.ShiftID]ledger.Shift),
		employees:    make(map[ledger.EmployeeID]ledger.Employee),
		ruleSets:     make(map[ledger.RuleSetID]ledger.RuleSet),
		batches:      make(map[ledger.BatchID]ledger.Batch),
		lines:        make(map[ledger.LineID]ledger.Line),
		batchLines:   make(map[ledger.BatchID][]ledger.LineID),
		adjustments:  make(map[ledger.AdjustmentID]ledger.Adjustment),
		disputes:     make(map[ledger.DisputeID]ledger.Dispute),
	}
}

// clone copies the maps. Values are replaced on write, never mutated in
// place, so a shallow copy is a full snapshot.
func (s *state) clone() *state {
	return &state{
		transactions: maps.Clone(s.transactions),
		shifts:       maps.Clone(s.shifts),
		employees:    maps.Clone(s.employees),
		ruleSets:     maps.Clone(s.ruleSets),
		batches:      maps.Clone(s.batches),
		lines:        maps.Clone(s.lines),
		batchLines:   maps.Clone(s.batchLines),
		adjustments:  maps.Clone(s.adjustments),
		disputes:     maps.Clone(s.disputes),
		audit:        slices.Clone(s.audit),
	}
}

// view is the Store surface. The root view locks the store mutex; the
// view handed to WithTx runs under the already-held lock.
type view struct {
	st   *state
	lock sync.Locker
}

var _ ledger.TxStore = (*Memory)(nil)

// =============================================================================
// FEED
// =============================================================================

func (v *view) SaveTransactions(_ context.Context, txs []ledger.Transaction) (int, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	n := 0
	for _, t := range txs {
		if existing, ok := v.st.transactions[t.ID]; ok {
			if t.RefundStatus.After(existing.RefundStatus) {
				existing.RefundStatus = t.RefundStatus
				v.st.transactions[t.ID] = existing
			}
			continue
		}
		v.st.transactions[t.ID] = t
		n++
	}
	return n, nil
}

func (v *view) ListTransactions(_ context.Context, f ledger.TransactionFilter) ([]ledger.Transaction, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.Transaction
	for _, t := range v.st.transactions {
		if f.LocationID != "" && t.LocationID != f.LocationID {
			continue
		}
		if f.From != nil && t.Timestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && !t.Timestamp.Before(*f.To) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) SaveShifts(_ context.Context, shifts []ledger.Shift) (int, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	n := 0
	for _, s := range shifts {
		if existing, ok := v.st.shifts[s.ID]; ok {
			if existing.EndAt == nil && s.EndAt != nil {
				existing.EndAt = s.EndAt
				existing.HoursWorked = s.HoursWorked
				v.st.shifts[s.ID] = existing
			}
			continue
		}
		v.st.shifts[s.ID] = s
		n++
	}
	return n, nil
}

func (v *view) ListShifts(_ context.Context, locationID ledger.LocationID, from, to time.Time) ([]ledger.Shift, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.Shift
	for _, s := range v.st.shifts {
		if s.LocationID != locationID || !s.StartAt.Before(to) {
			continue
		}
		if s.EndAt != nil && s.EndAt.Before(from) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) SaveEmployees(_ context.Context, employees []ledger.Employee) (int, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for _, e := range employees {
		v.st.employees[e.ID] = e
	}
	return len(employees), nil
}

func (v *view) GetEmployee(_ context.Context, id ledger.EmployeeID) (ledger.Employee, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	e, ok := v.st.employees[id]
	if !ok {
		return ledger.Employee{}, fmt.Errorf("%w: %s", ledger.ErrEmployeeNotFound, id)
	}
	return e, nil
}

func (v *view) ListEmployees(_ context.Context, locationID ledger.LocationID) ([]ledger.Employee, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.Employee
	for _, e := range v.st.employees {
		if locationID == "" || e.LocationID == locationID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// RULES
// =============================================================================

func (v *view) InsertRuleSet(_ context.Context, rs ledger.RuleSet) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if _, ok := v.st.ruleSets[rs.ID]; ok {
		return fmt.Errorf("rule set %s already exists", rs.ID)
	}
	for _, existing := range v.st.ruleSets {
		if existing.LocationID != rs.LocationID {
			continue
		}
		if existing.Version == rs.Version {
			return fmt.Errorf("%w: version %d exists for %s", ledger.ErrConcurrentModification, rs.Version, rs.LocationID)
		}
		if rs.IsCurrent && existing.IsCurrent {
			return fmt.Errorf("%w: %s already has a current rule set", ledger.ErrConcurrentModification, rs.LocationID)
		}
	}
	v.st.ruleSets[rs.ID] = rs
	return nil
}

func (v *view) DeactivateRuleSet(_ context.Context, id ledger.RuleSetID, effectiveTo time.Time) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	rs, ok := v.st.ruleSets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrRuleSetNotFound, id)
	}
	if !rs.IsCurrent {
		return fmt.Errorf("%w: rule set %s is not current", ledger.ErrConcurrentModification, id)
	}
	rs.IsCurrent = false
	rs.EffectiveTo = &effectiveTo
	v.st.ruleSets[id] = rs
	return nil
}

func (v *view) GetRuleSet(_ context.Context, id ledger.RuleSetID) (ledger.RuleSet, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	rs, ok := v.st.ruleSets[id]
	if !ok {
		return ledger.RuleSet{}, fmt.Errorf("%w: %s", ledger.ErrRuleSetNotFound, id)
	}
	return rs, nil
}

func (v *view) CurrentRuleSet(_ context.Context, locationID ledger.LocationID) (ledger.RuleSet, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for _, rs := range v.st.ruleSets {
		if rs.LocationID == locationID && rs.IsCurrent {
			return rs, nil
		}
	}
	return ledger.RuleSet{}, fmt.Errorf("%w: %s", ledger.ErrNoCurrentRuleSet, locationID)
}

func (v *view) ListRuleSets(_ context.Context, locationID ledger.LocationID) ([]ledger.RuleSet, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.RuleSet
	for _, rs := range v.st.ruleSets {
		if locationID == "" || rs.LocationID == locationID {
			out = append(out, rs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LocationID != out[j].LocationID {
			return out[i].LocationID < out[j].LocationID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

// =============================================================================
// BATCHES
// =============================================================================

func (v *view) InsertBatch(_ context.Context, b ledger.Batch, lines []ledger.Line) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if _, ok := v.st.batches[b.ID]; ok {
		return fmt.Errorf("%w: batch %s exists", ledger.ErrConcurrentModification, b.ID)
	}
	for _, existing := range v.st.batches {
		if existing.LocationID == b.LocationID && samePeriod(existing.Period, b.Period) {
			return fmt.Errorf("%w: batch for %s %s exists", ledger.ErrConcurrentModification, b.LocationID, b.Period)
		}
	}
	v.st.batches[b.ID] = b
	v.putLines(b.ID, lines)
	return nil
}

func (v *view) ReplaceDraft(_ context.Context, b ledger.Batch, lines []ledger.Line) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	stored, ok := v.st.batches[b.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, b.ID)
	}
	if stored.Status != ledger.BatchDraft {
		return fmt.Errorf("%w: batch %s is %s", ledger.ErrBatchLocked, b.ID, stored.Status)
	}
	for _, id := range v.st.batchLines[b.ID] {
		delete(v.st.lines, id)
	}
	b.Version = stored.Version + 1
	v.st.batches[b.ID] = b
	v.putLines(b.ID, lines)
	return nil
}

func samePeriod(a, b ledger.Period) bool {
	return a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

func (v *view) putLines(batchID ledger.BatchID, lines []ledger.Line) {
	ids := make([]ledger.LineID, 0, len(lines))
	for _, l := range lines {
		v.st.lines[l.ID] = l
		ids = append(ids, l.ID)
	}
	v.st.batchLines[batchID] = ids
}

func (v *view) GetBatch(_ context.Context, id ledger.BatchID) (ledger.Batch, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	b, ok := v.st.batches[id]
	if !ok {
		return ledger.Batch{}, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, id)
	}
	return b, nil
}

func (v *view) GetBatchByPeriod(_ context.Context, locationID ledger.LocationID, p ledger.Period) (ledger.Batch, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	for _, b := range v.st.batches {
		if b.LocationID == locationID && samePeriod(b.Period, p) {
			return b, nil
		}
	}
	return ledger.Batch{}, fmt.Errorf("%w: %s %s", ledger.ErrBatchNotFound, locationID, p)
}

func (v *view) ListBatches(_ context.Context, f ledger.BatchFilter) ([]ledger.Batch, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.Batch
	for _, b := range v.st.batches {
		if f.LocationID != "" && b.LocationID != f.LocationID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.From != nil && b.Period.End.Before(*f.From) {
			continue
		}
		if f.To != nil && b.Period.Start.After(*f.To) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Period.Start.Equal(out[j].Period.Start) {
			return out[i].Period.Start.Before(out[j].Period.Start)
		}
		if out[i].LocationID != out[j].LocationID {
			return out[i].LocationID < out[j].LocationID
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Offset, f.Limit), nil
}

func (v *view) TransitionBatch(_ context.Context, id ledger.BatchID, from, to ledger.BatchStatus, at time.Time) (bool, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	b, ok := v.st.batches[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, id)
	}
	if b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = at
	b.Version++
	switch to {
	case ledger.BatchFinalised:
		b.FinalisedAt = &at
	case ledger.BatchExported:
		b.ExportedAt = &at
	}
	v.st.batches[id] = b
	return true, nil
}

func (v *view) ListLines(_ context.Context, batchID ledger.BatchID) ([]ledger.Line, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	ids := v.st.batchLines[batchID]
	out := make([]ledger.Line, 0, len(ids))
	for _, id := range ids {
		out = append(out, v.st.lines[id])
	}
	return out, nil
}

func (v *view) GetLine(_ context.Context, id ledger.LineID) (ledger.Line, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	l, ok := v.st.lines[id]
	if !ok {
		return ledger.Line{}, fmt.Errorf("%w: %s", ledger.ErrLineNotFound, id)
	}
	return l, nil
}

func (v *view) ListLinesByEmployee(_ context.Context, employeeID ledger.EmployeeID) ([]ledger.Line, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.Line
	for _, l := range v.st.lines {
		if l.EmployeeID == employeeID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) SetLineHashes(_ context.Context, batchID ledger.BatchID, hashes map[ledger.LineID]string) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if err := v.draftLocked(batchID); err != nil {
		return err
	}
	for id, h := range hashes {
		l, ok := v.st.lines[id]
		if !ok || l.BatchID != batchID {
			return fmt.Errorf("%w: %s in batch %s", ledger.ErrLineNotFound, id, batchID)
		}
		l.AuditHash = h
		v.st.lines[id] = l
	}
	return nil
}

func (v *view) UpdateLineGross(_ context.Context, id ledger.LineID, amount money.Money) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	l, ok := v.st.lines[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrLineNotFound, id)
	}
	if err := v.draftLocked(l.BatchID); err != nil {
		return err
	}
	l.GrossAmount = amount
	v.st.lines[id] = l

	b := v.st.batches[l.BatchID]
	b.TotalTipsAllocated = 0
	for _, lid := range v.st.batchLines[l.BatchID] {
		b.TotalTipsAllocated += v.st.lines[lid].GrossAmount
	}
	b.Version++
	v.st.batches[l.BatchID] = b
	return nil
}

// draftLocked rejects writes to lines of a locked batch.
func (v *view) draftLocked(batchID ledger.BatchID) error {
	b, ok := v.st.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrBatchNotFound, batchID)
	}
	if b.Status != ledger.BatchDraft {
		return fmt.Errorf("%w: batch %s is %s", ledger.ErrBatchLocked, batchID, b.Status)
	}
	return nil
}

func (v *view) AllocatedTransactionIDs(_ context.Context, locationID ledger.LocationID) (map[ledger.TransactionID]bool, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	out := make(map[ledger.TransactionID]bool)
	for _, b := range v.st.batches {
		if locationID != "" && b.LocationID != locationID {
			continue
		}
		for _, id := range b.SourceTransactionIDs {
			out[id] = true
		}
		for _, lid := range v.st.batchLines[b.ID] {
			if t := v.st.lines[lid].TransactionID; t != nil {
				out[*t] = true
			}
		}
	}
	return out, nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func (v *view) InsertAdjustment(_ context.Context, a ledger.Adjustment) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if _, ok := v.st.adjustments[a.ID]; ok {
		return fmt.Errorf("adjustment %s already exists", a.ID)
	}
	v.st.adjustments[a.ID] = a
	return nil
}

func (v *view) GetAdjustment(_ context.Context, id ledger.AdjustmentID) (ledger.Adjustment, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	a, ok := v.st.adjustments[id]
	if !ok {
		return ledger.Adjustment{}, fmt.Errorf("%w: %s", ledger.ErrAdjustmentNotFound, id)
	}
	return a, nil
}

func (v *view) ListAdjustments(_ context.Context, f ledger.AdjustmentFilter) ([]ledger.Adjustment, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.Adjustment
	for _, a := range v.st.adjustments {
		if f.BatchID != "" && a.BatchID != f.BatchID {
			continue
		}
		if f.LineID != "" && a.LineID != f.LineID {
			continue
		}
		if f.EmployeeID != "" && a.EmployeeID != f.EmployeeID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) TransitionAdjustment(_ context.Context, decided ledger.Adjustment) (bool, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	a, ok := v.st.adjustments[decided.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ledger.ErrAdjustmentNotFound, decided.ID)
	}
	if a.Status != ledger.AdjustmentPending {
		return false, nil
	}
	a.Status = decided.Status
	a.ApprovedBy = decided.ApprovedBy
	a.DecidedAt = decided.DecidedAt
	a.RejectionReason = decided.RejectionReason
	v.st.adjustments[a.ID] = a
	return true, nil
}

// =============================================================================
// DISPUTES
// =============================================================================

func (v *view) InsertDispute(_ context.Context, d ledger.Dispute) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if _, ok := v.st.disputes[d.ID]; ok {
		return fmt.Errorf("dispute %s already exists", d.ID)
	}
	v.st.disputes[d.ID] = d
	return nil
}

func (v *view) GetDispute(_ context.Context, id ledger.DisputeID) (ledger.Dispute, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	d, ok := v.st.disputes[id]
	if !ok {
		return ledger.Dispute{}, fmt.Errorf("%w: %s", ledger.ErrDisputeNotFound, id)
	}
	return d, nil
}

func (v *view) ListDisputes(_ context.Context, f ledger.DisputeFilter) ([]ledger.Dispute, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.Dispute
	for _, d := range v.st.disputes {
		if f.EmployeeID != "" && d.EmployeeID != f.EmployeeID {
			continue
		}
		if f.BatchID != "" && d.BatchID != f.BatchID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) UpdateDispute(_ context.Context, d ledger.Dispute, from ledger.DisputeStatus) (bool, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	stored, ok := v.st.disputes[d.ID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ledger.ErrDisputeNotFound, d.ID)
	}
	if stored.Status != from {
		return false, nil
	}
	stored.Status = d.Status
	stored.AdjustmentID = d.AdjustmentID
	stored.Resolution = d.Resolution
	stored.UpdatedAt = d.UpdatedAt
	stored.ClosedBy = d.ClosedBy
	v.st.disputes[d.ID] = stored
	return true, nil
}

// =============================================================================
// AUDIT
// =============================================================================

func (v *view) AuditHead(_ context.Context) (ledger.AuditHead, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	if len(v.st.audit) == 0 {
		return ledger.AuditHead{}, nil
	}
	last := v.st.audit[len(v.st.audit)-1]
	return ledger.AuditHead{Sequence: last.Sequence, Hash: last.Hash}, nil
}

func (v *view) InsertAuditEvent(_ context.Context, ev ledger.AuditEvent) error {
	v.lock.Lock()
	defer v.lock.Unlock()

	if want := int64(len(v.st.audit)) + 1; ev.Sequence != want {
		return fmt.Errorf("%w: audit sequence %d, expected %d", ledger.ErrConcurrentModification, ev.Sequence, want)
	}
	v.st.audit = append(v.st.audit, ev)
	return nil
}

func (v *view) ListAuditEvents(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var out []ledger.AuditEvent
	for _, e := range v.st.audit {
		if matchAudit(e, f) {
			out = append(out, e)
		}
	}
	return page(out, f.Offset, f.Limit), nil
}

func matchAudit(e ledger.AuditEvent, f ledger.AuditFilter) bool {
	switch {
	case e.Sequence <= f.AfterSeq:
		return false
	case f.ActorID != "" && e.ActorID != f.ActorID:
		return false
	case f.EntityType != "" && e.EntityType != f.EntityType:
		return false
	case f.EntityID != "" && e.EntityID != f.EntityID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.From != nil && e.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && !e.CreatedAt.Before(*f.To):
		return false
	case f.HMRCOnly && !e.HMRCRelevant:
		return false
	}
	return true
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
