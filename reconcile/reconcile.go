/*
Package reconcile finds inconsistencies between synced inputs and the
ledger. Every function here is pure: it reads slices and maps that the
caller already loaded and returns findings. Nothing is mutated and no
correction is ever created automatically.

CHECKS:
  UnallocatedTips:    tipped transactions no batch has allocated
  MissingEmployee:    tipped transactions with no employee link
  OrphanedShifts:     closed shifts no transaction references
  ClawbackCandidates: refunded transactions that were already allocated

ALLOCATED:
  A transaction counts as allocated if a line references it or a batch
  recorded it as a source. Pooled lines carry no transaction ID, so the
  batch sources are what link pooled tips back to their transactions.

CLAWBACKS:
  A candidate is only a finding. An operator reviews it and creates a
  clawback Adjustment by hand; pay is never deducted silently.
*/
package reconcile

import (
	"sort"

	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/money"
)

// Input is the data one reconciliation run looks at.
type Input struct {
	Transactions []ledger.Transaction
	Shifts       []ledger.Shift
	Lines        []ledger.Line
	Allocated    map[ledger.TransactionID]bool
}

// ClawbackCandidate is a refunded transaction whose tip was paid out.
type ClawbackCandidate struct {
	Transaction ledger.Transaction
	Lines       []ledger.Line // direct lines naming it; empty for pooled tips
}

// Report collects every finding of one run.
type Report struct {
	UnallocatedTips    []ledger.Transaction
	UnallocatedTotal   money.Money
	MissingEmployee    []ledger.Transaction
	OrphanedShifts     []ledger.Shift
	ClawbackCandidates []ClawbackCandidate
}

// Clean reports whether nothing was found.
func (r Report) Clean() bool {
	return len(r.UnallocatedTips) == 0 && len(r.MissingEmployee) == 0 &&
		len(r.OrphanedShifts) == 0 && len(r.ClawbackCandidates) == 0
}

// Run performs every check.
func Run(in Input) Report {
	allocated := allocatedSet(in)
	r := Report{
		UnallocatedTips:    UnallocatedTips(in.Transactions, allocated),
		MissingEmployee:    MissingEmployee(in.Transactions),
		OrphanedShifts:     OrphanedShifts(in.Shifts, in.Transactions),
		ClawbackCandidates: ClawbackCandidates(in.Transactions, in.Lines, allocated),
	}
	for _, t := range r.UnallocatedTips {
		r.UnallocatedTotal += t.TipAmount
	}
	return r
}

func allocatedSet(in Input) map[ledger.TransactionID]bool {
	out := make(map[ledger.TransactionID]bool, len(in.Allocated)+len(in.Lines))
	for id, ok := range in.Allocated {
		if ok {
			out[id] = true
		}
	}
	for _, l := range in.Lines {
		if l.TransactionID != nil {
			out[*l.TransactionID] = true
		}
	}
	return out
}

// UnallocatedTips returns transactions with a positive tip that appear in
// no batch.
func UnallocatedTips(txs []ledger.Transaction, allocated map[ledger.TransactionID]bool) []ledger.Transaction {
	var out []ledger.Transaction
	for _, t := range txs {
		if t.TipAmount.IsPositive() && !allocated[t.ID] {
			out = append(out, t)
		}
	}
	return sortTxs(out)
}

// MissingEmployee returns tipped transactions with no employee link.
func MissingEmployee(txs []ledger.Transaction) []ledger.Transaction {
	var out []ledger.Transaction
	for _, t := range txs {
		if !t.TipAmount.IsZero() && !t.HasEmployee() {
			out = append(out, t)
		}
	}
	return sortTxs(out)
}

// OrphanedShifts returns closed shifts that no transaction references.
func OrphanedShifts(shifts []ledger.Shift, txs []ledger.Transaction) []ledger.Shift {
	referenced := make(map[ledger.ShiftID]bool)
	for _, t := range txs {
		if t.ShiftID != nil {
			referenced[*t.ShiftID] = true
		}
	}

	var out []ledger.Shift
	for _, s := range shifts {
		if s.IsClosed() && !referenced[s.ID] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClawbackCandidates returns fully refunded transactions that were
// allocated, with any direct lines that name them.
func ClawbackCandidates(txs []ledger.Transaction, lines []ledger.Line, allocated map[ledger.TransactionID]bool) []ClawbackCandidate {
	byTxn := make(map[ledger.TransactionID][]ledger.Line)
	for _, l := range lines {
		if l.TransactionID != nil {
			byTxn[*l.TransactionID] = append(byTxn[*l.TransactionID], l)
		}
	}

	var out []ClawbackCandidate
	for _, t := range sortTxs(append([]ledger.Transaction(nil), txs...)) {
		if !t.IsRefunded() {
			continue
		}
		if !allocated[t.ID] && len(byTxn[t.ID]) == 0 {
			continue
		}
		out = append(out, ClawbackCandidate{Transaction: t, Lines: byTxn[t.ID]})
	}
	return out
}

func sortTxs(txs []ledger.Transaction) []ledger.Transaction {
	sort.Slice(txs, func(i, j int) bool { return txs[i].ID < txs[j].ID })
	return txs
}
