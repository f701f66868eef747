package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/ledger/store"
)

func period() ledger.Period {
	p, _ := ledger.NewPeriod(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC))
	return p
}

func draft(id string) (ledger.Batch, []ledger.Line) {
	b := ledger.Batch{ID: ledger.BatchID(id), LocationID: "loc-1", Period: period(), Status: ledger.BatchDraft}
	lines := []ledger.Line{
		{ID: ledger.LineID(id + "-l1"), BatchID: b.ID, EmployeeID: "emp-a", Method: ledger.MethodPooled, GrossAmount: 600},
		{ID: ledger.LineID(id + "-l2"), BatchID: b.ID, EmployeeID: "emp-b", Method: ledger.MethodPooled, GrossAmount: 400},
	}
	b.SourceTransactionIDs = []ledger.TransactionID{"t1", "t2"}
	b.Summarise(lines)
	return b, lines
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx ledger.Store) error {
		b, lines := draft("b1")
		require.NoError(t, tx.InsertBatch(ctx, b, lines))
		_, err := ledger.AppendAudit(ctx, tx, ledger.AuditEvent{ID: "ev-1", Action: ledger.AuditBatchCreated})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetBatch(ctx, "b1")
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
	head, err := s.AuditHead(ctx)
	require.NoError(t, err)
	assert.Zero(t, head.Sequence, "audit event rolled back with the batch")
}

func TestMemory_WithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Store) error {
		b, lines := draft("b1")
		return tx.InsertBatch(ctx, b, lines)
	}))

	lines, err := s.ListLines(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestMemory_TransitionBatch_IsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	b, lines := draft("b1")
	require.NoError(t, s.InsertBatch(ctx, b, lines))

	now := time.Now().UTC()
	ok, err := s.TransitionBatch(ctx, "b1", ledger.BatchDraft, ledger.BatchFinalised, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second swap from draft loses
	ok, err = s.TransitionBatch(ctx, "b1", ledger.BatchDraft, ledger.BatchFinalised, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.GetBatch(ctx, "b1")
	assert.Equal(t, ledger.BatchFinalised, got.Status)
	require.NotNil(t, got.FinalisedAt)
}

func TestMemory_LockedBatch_RejectsLineWrites(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	b, lines := draft("b1")
	require.NoError(t, s.InsertBatch(ctx, b, lines))

	// Draft edit updates the batch total
	require.NoError(t, s.UpdateLineGross(ctx, "b1-l1", 700))
	got, _ := s.GetBatch(ctx, "b1")
	assert.EqualValues(t, 1100, got.TotalTipsAllocated)

	_, err := s.TransitionBatch(ctx, "b1", ledger.BatchDraft, ledger.BatchFinalised, time.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, s.UpdateLineGross(ctx, "b1-l1", 1), ledger.ErrBatchLocked)
	assert.ErrorIs(t, s.SetLineHashes(ctx, "b1", map[ledger.LineID]string{"b1-l1": "x"}), ledger.ErrBatchLocked)
	assert.ErrorIs(t, s.ReplaceDraft(ctx, b, lines), ledger.ErrBatchLocked)
}

func TestMemory_OneBatchPerLocationPeriod(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	b1, l1 := draft("b1")
	b2, l2 := draft("b2")

	require.NoError(t, s.InsertBatch(ctx, b1, l1))
	assert.ErrorIs(t, s.InsertBatch(ctx, b2, l2), ledger.ErrConcurrentModification)

	got, err := s.GetBatchByPeriod(ctx, "loc-1", period())
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchID("b1"), got.ID)
}

func TestMemory_SingleCurrentRuleSet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	v1 := ledger.RuleSet{ID: "rs-1", LocationID: "loc-1", Version: 1, Method: ledger.MethodIndividual, IsCurrent: true}
	v2 := ledger.RuleSet{ID: "rs-2", LocationID: "loc-1", Version: 2, Method: ledger.MethodPooled, IsCurrent: true}

	require.NoError(t, s.InsertRuleSet(ctx, v1))
	assert.ErrorIs(t, s.InsertRuleSet(ctx, v2), ledger.ErrConcurrentModification)

	require.NoError(t, s.DeactivateRuleSet(ctx, "rs-1", time.Now()))
	require.NoError(t, s.InsertRuleSet(ctx, v2))

	current, err := s.CurrentRuleSet(ctx, "loc-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RuleSetID("rs-2"), current.ID)
}

func TestMemory_AuditSequenceIsDense(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	err := s.InsertAuditEvent(ctx, ledger.AuditEvent{ID: "ev-x", Sequence: 2})
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestMemory_AllocatedTransactionIDs_IncludesSources(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	b, lines := draft("b1")
	txn := ledger.TransactionID("t9")
	lines[0].TransactionID = &txn
	require.NoError(t, s.InsertBatch(ctx, b, lines))

	ids, err := s.AllocatedTransactionIDs(ctx, "loc-1")
	require.NoError(t, err)
	assert.True(t, ids["t1"])
	assert.True(t, ids["t2"])
	assert.True(t, ids["t9"])
}

func TestMemory_SaveTransactions_IdempotentByID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	tx := ledger.Transaction{ID: "t1", LocationID: "loc-1", TipAmount: 100, Timestamp: time.Now()}

	n, err := s.SaveTransactions(ctx, []ledger.Transaction{tx})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tx.TipAmount = 999
	n, err = s.SaveTransactions(ctx, []ledger.Transaction{tx})
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := s.ListTransactions(ctx, ledger.TransactionFilter{LocationID: "loc-1"})
	require.Len(t, got, 1)
	assert.EqualValues(t, 100, got[0].TipAmount, "first write wins")
}
