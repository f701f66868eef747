package tips_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tip-ledger/events"
	"github.com/warp/tip-ledger/ledger"
	"github.com/warp/tip-ledger/ledger/store"
	"github.com/warp/tip-ledger/money"
	"github.com/warp/tip-ledger/store/sqlite"
	"github.com/warp/tip-ledger/tips"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const loc = ledger.LocationID("loc-1")

var (
	manager  = ledger.Actor{ID: "manager-1", Email: "m1@example.com"}
	approver = ledger.Actor{ID: "manager-2", Email: "m2@example.com"}
)

type fixture struct {
	svc    *tips.Services
	store  ledger.TxStore
	events *events.Recorder
}

// eachStore runs fn against the in-memory store and SQLite.
func eachStore(t *testing.T, fn func(t *testing.T, f *fixture)) {
	stores := map[string]func(t *testing.T) ledger.TxStore{
		"memory": func(t *testing.T) ledger.TxStore { return store.NewMemory() },
		"sqlite": func(t *testing.T) ledger.TxStore {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			log := logrus.New()
			log.SetLevel(logrus.PanicLevel)

			rec := events.NewRecorder()
			st := stores[name](t)
			f := &fixture{
				store:  st,
				events: rec,
				svc: tips.New(tips.Deps{
					Store:     st,
					Publisher: rec,
					Log:       log,
					Now:       func() time.Time { return time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC) },
				}),
			}
			fn(t, f)
		})
	}
}

func week() ledger.Period {
	p, _ := ledger.NewPeriod(
		time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC),
	)
	return p
}

func at(day, hour int) time.Time {
	return time.Date(2025, 3, day, hour, 0, 0, 0, time.UTC)
}

func emp(id string) *ledger.EmployeeID {
	e := ledger.EmployeeID(id)
	return &e
}

func txn(id, employee string, tip money.Money) ledger.Transaction {
	return ledger.Transaction{
		ID:         ledger.TransactionID(id),
		LocationID: loc,
		EmployeeID: emp(employee),
		Amount:     tip * 10,
		TipAmount:  tip,
		Timestamp:  at(4, 20),
	}
}

// seed loads alice and bob (servers) and carol (bartender), a shift each
// and tips of 50.00, 40.00 and 30.00.
func (f *fixture) seed(t *testing.T) {
	ctx := context.Background()
	_, err := f.svc.Sync.IngestEmployees(ctx, []ledger.Employee{
		{ID: "alice", LocationID: loc, Name: "Alice", Role: "server", PayrollID: "P-001"},
		{ID: "bob", LocationID: loc, Name: "Bob", Role: "server", PayrollID: "P-002"},
		{ID: "carol", LocationID: loc, Name: "Carol", Role: "bartender", PayrollID: "P-003"},
	})
	require.NoError(t, err)

	var shifts []ledger.Shift
	for _, id := range []string{"alice", "bob", "carol"} {
		end := at(4, 17)
		shifts = append(shifts, ledger.Shift{
			ID: ledger.ShiftID("s-" + id), EmployeeID: ledger.EmployeeID(id), LocationID: loc,
			StartAt: at(4, 9), EndAt: &end, HoursWorked: decimal.NewFromInt(8),
		})
	}
	_, err = f.svc.Sync.IngestShifts(ctx, shifts)
	require.NoError(t, err)

	_, err = f.svc.Sync.IngestTransactions(ctx, []ledger.Transaction{
		txn("t1", "alice", 5000),
		txn("t2", "bob", 4000),
		txn("t3", "carol", 3000),
	})
	require.NoError(t, err)
}

func (f *fixture) activate(t *testing.T, m ledger.Method, p ledger.Parameters) ledger.RuleSet {
	rs, err := f.svc.Rules.Activate(context.Background(), ledger.RuleSet{
		LocationID:    loc,
		Name:          string(m),
		Method:        m,
		Parameters:    p,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}, manager)
	require.NoError(t, err)
	return rs
}

func (f *fixture) draft(t *testing.T) tips.CreateResult {
	res, err := f.svc.Batches.Create(context.Background(), loc, week(), manager)
	require.NoError(t, err)
	return res
}

func (f *fixture) finalised(t *testing.T) ledger.Batch {
	res := f.draft(t)
	b, err := f.svc.Batches.Finalise(context.Background(), res.Batch.ID, manager)
	require.NoError(t, err)
	return b
}

func lineOf(t *testing.T, f *fixture, batchID ledger.BatchID, employee string) ledger.Line {
	lines, err := f.store.ListLines(context.Background(), batchID)
	require.NoError(t, err)
	for _, l := range lines {
		if l.EmployeeID == ledger.EmployeeID(employee) {
			return l
		}
	}
	t.Fatalf("no line for %s", employee)
	return ledger.Line{}
}

func auditCount(t *testing.T, f *fixture) int {
	evs, err := f.svc.Audit.List(context.Background(), ledger.AuditFilter{})
	require.NoError(t, err)
	return len(evs)
}

// =============================================================================
// RULES
// =============================================================================

func TestRules_SupersessionKeepsOneCurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		// GIVEN: two activations for the same location
		v1 := f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		v2 := f.activate(t, ledger.MethodPooled, ledger.Parameters{})

		// THEN: v2 is current, v1 is closed at v2's start
		assert.Equal(t, 1, v1.Version)
		assert.Equal(t, 2, v2.Version)

		current, err := f.svc.Rules.Current(ctx, loc)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, current.ID)

		all, err := f.svc.Rules.List(ctx, loc)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.False(t, all[0].IsCurrent)
		require.NotNil(t, all[0].EffectiveTo)
		assert.True(t, all[0].EffectiveTo.Equal(v2.EffectiveFrom))
		assert.True(t, all[1].IsCurrent)

		locs, err := f.svc.Rules.Locations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []ledger.LocationID{loc}, locs)

		assert.Len(t, f.events.OfType(events.RuleSetActivated), 2)
	})
}

func TestRules_RejectsBackdatedSupersession(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})

		// WHEN: the next version starts before the current one
		_, err := f.svc.Rules.Activate(context.Background(), ledger.RuleSet{
			LocationID:    loc,
			Method:        ledger.MethodPooled,
			EffectiveFrom: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		}, manager)

		// THEN: rejected, the current version is untouched
		assert.ErrorIs(t, err, ledger.ErrInvalidRuleSet)
		current, err := f.svc.Rules.Current(context.Background(), loc)
		require.NoError(t, err)
		assert.Equal(t, 1, current.Version)
	})
}

// =============================================================================
// SYNC
// =============================================================================

func TestSync_RejectsNegativeTip(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		_, err := f.svc.Sync.IngestTransactions(context.Background(), []ledger.Transaction{
			txn("ok", "alice", 100),
			txn("bad", "alice", -100),
		})
		assert.ErrorIs(t, err, ledger.ErrInvalidInput)

		// Whole batch rejected
		txs, err := f.store.ListTransactions(context.Background(), ledger.TransactionFilter{})
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}

// =============================================================================
// BATCH CREATION
// =============================================================================

func TestBatch_PooledSplitsEqually(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		// GIVEN: pooled rule, three staff on shift, 120.00 in tips
		f.seed(t)
		f.activate(t, ledger.MethodPooled, ledger.Parameters{})

		// WHEN: the batch is drafted
		res := f.draft(t)

		// THEN: 40.00 each, conserved, audited, announced
		assert.True(t, res.Created)
		assert.Equal(t, ledger.BatchDraft, res.Batch.Status)
		assert.Equal(t, money.Money(12000), res.Batch.TotalTipsAllocated)
		assert.Equal(t, 3, res.Batch.EmployeeCount)
		assert.Equal(t, []ledger.TransactionID{"t1", "t2", "t3"}, res.Batch.SourceTransactionIDs)
		require.Len(t, res.Lines, 3)
		for _, l := range res.Lines {
			assert.Equal(t, money.Money(4000), l.GrossAmount)
			assert.Nil(t, l.TransactionID)
		}

		assert.Equal(t, 2, auditCount(t, f)) // rule set + batch
		assert.Len(t, f.events.OfType(events.BatchCreated), 1)
	})
}

func TestBatch_WeightedSplitsByRole(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		// GIVEN: server weight 1.5, bartender weight 1, 100.00 in tips
		_, err := f.svc.Sync.IngestEmployees(ctx, []ledger.Employee{
			{ID: "alice", LocationID: loc, Role: "server"},
			{ID: "carol", LocationID: loc, Role: "bartender"},
		})
		require.NoError(t, err)
		for _, id := range []string{"alice", "carol"} {
			end := at(5, 17)
			_, err = f.svc.Sync.IngestShifts(ctx, []ledger.Shift{{
				ID: ledger.ShiftID("s-" + id), EmployeeID: ledger.EmployeeID(id), LocationID: loc,
				StartAt: at(5, 9), EndAt: &end, HoursWorked: decimal.NewFromInt(8),
			}})
			require.NoError(t, err)
		}
		_, err = f.svc.Sync.IngestTransactions(ctx, []ledger.Transaction{txn("t1", "alice", 10000)})
		require.NoError(t, err)

		f.activate(t, ledger.MethodWeighted, ledger.Parameters{
			RoleWeights: map[ledger.Role]decimal.Decimal{
				"server":    decimal.RequireFromString("1.5"),
				"bartender": decimal.NewFromInt(1),
			},
		})

		// WHEN
		res := f.draft(t)

		// THEN: 60.00 / 40.00
		got := map[ledger.EmployeeID]money.Money{}
		for _, l := range res.Lines {
			got[l.EmployeeID] = l.GrossAmount
		}
		assert.Equal(t, map[ledger.EmployeeID]money.Money{"alice": 6000, "carol": 4000}, got)
	})
}

func TestBatch_RedraftIsIdempotent(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		first := f.draft(t)
		before := auditCount(t, f)

		// WHEN: drafting again with unchanged inputs
		again := f.draft(t)

		// THEN: same batch and lines, nothing written
		assert.False(t, again.Created)
		assert.False(t, again.Recomputed)
		assert.Equal(t, first.Batch.ID, again.Batch.ID)
		assert.Equal(t, first.Batch.Version, again.Batch.Version)
		require.Len(t, again.Lines, len(first.Lines))
		for i := range first.Lines {
			assert.Equal(t, first.Lines[i].ID, again.Lines[i].ID)
		}
		assert.Equal(t, before, auditCount(t, f))

		// WHEN: a late transaction arrives
		_, err := f.svc.Sync.IngestTransactions(ctx, []ledger.Transaction{txn("t4", "alice", 250)})
		require.NoError(t, err)
		changed := f.draft(t)

		// THEN: the draft is recomputed in place
		assert.True(t, changed.Recomputed)
		assert.Equal(t, first.Batch.ID, changed.Batch.ID)
		assert.Equal(t, money.Money(12250), changed.Batch.TotalTipsAllocated)
		assert.Equal(t, before+1, auditCount(t, f))

		stored, err := f.store.GetBatch(ctx, first.Batch.ID)
		require.NoError(t, err)
		assert.Greater(t, stored.Version, first.Batch.Version)
	})
}

func TestBatch_MissingEmployeeIsCallerError(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		orphan := txn("t1", "alice", 500)
		orphan.EmployeeID = nil
		_, err := f.svc.Sync.IngestTransactions(ctx, []ledger.Transaction{orphan})
		require.NoError(t, err)

		_, err = f.svc.Batches.Create(ctx, loc, week(), manager)

		assert.ErrorIs(t, err, ledger.ErrMissingEmployeeAssignment)
		assert.True(t, ledger.IsClientError(err))
		_, err = f.store.GetBatchByPeriod(ctx, loc, week())
		assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
	})
}

func TestBatch_PreviewDoesNotPersist(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		rs := f.activate(t, ledger.MethodIndividual, ledger.Parameters{})

		res, used, err := f.svc.Batches.Preview(ctx, loc, week(), nil)
		require.NoError(t, err)

		assert.Equal(t, rs.ID, used.ID)
		assert.Equal(t, money.Money(12000), res.TotalTips)
		assert.Len(t, res.Lines, 3)
		batches, err := f.svc.Batches.List(ctx, ledger.BatchFilter{})
		require.NoError(t, err)
		assert.Empty(t, batches)
	})
}

func TestBatch_DraftLineEditMovesAmountBetweenLines(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		res := f.draft(t)
		alice := lineOf(t, f, res.Batch.ID, "alice")
		bob := lineOf(t, f, res.Batch.ID, "bob")

		// WHEN: alice's line is cut to 45.00 against bob's line
		edited, err := f.svc.Batches.UpdateLineAmount(ctx, alice.ID, bob.ID, 4500, "tip keyed twice", manager)

		// THEN: bob receives the 5.00 and the batch total is unchanged
		require.NoError(t, err)
		assert.Equal(t, money.Money(4500), edited.GrossAmount)
		assert.Equal(t, money.Money(4500), lineOf(t, f, res.Batch.ID, "bob").GrossAmount)
		b, err := f.store.GetBatch(ctx, res.Batch.ID)
		require.NoError(t, err)
		assert.Equal(t, money.Money(12000), b.TotalTipsAllocated)

		// AND: the edited batch still finalises
		_, err = f.svc.Batches.Finalise(ctx, res.Batch.ID, manager)
		require.NoError(t, err)
	})
}

func TestBatch_DraftLineEditRejections(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		res := f.draft(t)
		alice := lineOf(t, f, res.Batch.ID, "alice")
		carol := lineOf(t, f, res.Batch.ID, "carol")

		tests := []struct {
			name   string
			offset ledger.LineID
			amount money.Money
		}{
			{"no offset line", "", 4500},
			{"offset is the same line", alice.ID, 4500},
			{"negative amount", carol.ID, -1},
			{"offset would go negative", carol.ID, 8001},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Batches.UpdateLineAmount(ctx, alice.ID, tt.offset, tt.amount, "fix", manager)
				assert.ErrorIs(t, err, ledger.ErrInvalidInput)
			})
		}

		// THEN: nothing moved
		assert.Equal(t, money.Money(5000), lineOf(t, f, res.Batch.ID, "alice").GrossAmount)
		assert.Equal(t, money.Money(3000), lineOf(t, f, res.Batch.ID, "carol").GrossAmount)
	})
}

func TestFinalise_RefusesUnbalancedBatch(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		res := f.draft(t)
		alice := lineOf(t, f, res.Batch.ID, "alice")

		// GIVEN: a draft line written straight to the store, 49.00 short
		require.NoError(t, f.store.UpdateLineGross(ctx, alice.ID, 100))

		// WHEN: finalising
		_, err := f.svc.Batches.Finalise(ctx, res.Batch.ID, manager)

		// THEN: refused, and the batch stays an unhashed draft
		require.ErrorIs(t, err, ledger.ErrUnbalancedBatch)
		var balance *ledger.BalanceError
		require.ErrorAs(t, err, &balance)
		assert.Equal(t, money.Money(7100), balance.Allocated)
		assert.Equal(t, money.Money(12000), balance.Sources)
		assert.True(t, ledger.IsConflict(err))

		b, err := f.store.GetBatch(ctx, res.Batch.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.BatchDraft, b.Status)
		assert.Empty(t, lineOf(t, f, res.Batch.ID, "alice").AuditHash)

		// AND: a re-draft restores the balance and finalise succeeds
		redraft := f.draft(t)
		assert.True(t, redraft.Recomputed)
		locked, err := f.svc.Batches.Finalise(ctx, res.Batch.ID, manager)
		require.NoError(t, err)
		assert.Equal(t, money.Money(12000), locked.TotalTipsAllocated)
	})
}

// =============================================================================
// FINALISE / EXPORT
// =============================================================================

func TestFinalise_LocksBatch(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})

		// GIVEN: a finalised batch
		b := f.finalised(t)
		assert.Equal(t, ledger.BatchFinalised, b.Status)
		require.NotNil(t, b.FinalisedAt)

		// THEN: every line is hashed and verifies
		report, err := f.svc.Batches.Verify(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, report.OK())
		assert.Equal(t, 3, report.Lines)

		// AND: direct edits, recompute and re-finalise are refused
		l := lineOf(t, f, b.ID, "alice")
		_, err = f.svc.Batches.UpdateLineAmount(ctx, l.ID, lineOf(t, f, b.ID, "bob").ID, 1, "late fix", manager)
		assert.ErrorIs(t, err, ledger.ErrBatchLocked)

		_, err = f.svc.Batches.Create(ctx, loc, week(), manager)
		assert.ErrorIs(t, err, ledger.ErrBatchLocked)

		_, err = f.svc.Batches.Finalise(ctx, b.ID, manager)
		assert.ErrorIs(t, err, ledger.ErrAlreadyFinalised)

		assert.Len(t, f.events.OfType(events.BatchFinalised), 1)
	})
}

func TestFinalise_ConcurrentCallsExactlyOneWins(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		f.seed(t)
		f.activate(t, ledger.MethodPooled, ledger.Parameters{})
		res := f.draft(t)

		const callers = 8
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.svc.Batches.Finalise(context.Background(), res.Batch.ID, manager)
			}(i)
		}
		wg.Wait()

		var ok, already int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ledger.ErrAlreadyFinalised):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, callers-1, already)

		finalisations, err := f.svc.Audit.List(context.Background(), ledger.AuditFilter{Action: ledger.AuditBatchFinalised})
		require.NoError(t, err)
		assert.Len(t, finalisations, 1)
	})
}

func TestExport_RequiresFinalisedOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		res := f.draft(t)

		_, err := f.svc.Batches.Export(ctx, res.Batch.ID, manager)
		assert.ErrorIs(t, err, ledger.ErrNotFinalised)

		_, err = f.svc.Batches.Finalise(ctx, res.Batch.ID, manager)
		require.NoError(t, err)
		b, err := f.svc.Batches.Export(ctx, res.Batch.ID, manager)
		require.NoError(t, err)
		assert.Equal(t, ledger.BatchExported, b.Status)
		require.NotNil(t, b.ExportedAt)

		_, err = f.svc.Batches.Export(ctx, res.Batch.ID, manager)
		assert.ErrorIs(t, err, ledger.ErrAlreadyExported)
	})
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func TestAdjustment_ApprovedCorrectionRaisesNet(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		b := f.finalised(t)
		line := lineOf(t, f, b.ID, "alice")

		// WHEN: +5.00 correction, approved by a second manager
		adj, err := f.svc.Adjustments.Create(ctx, ledger.Adjustment{
			LineID: line.ID,
			Type:   ledger.AdjustmentCorrection,
			Amount: 500,
			Reason: "missed cash tip",
		}, manager)
		require.NoError(t, err)
		assert.Equal(t, ledger.AdjustmentPending, adj.Status)

		pending, err := f.svc.Adjustments.NetPayable(ctx, line.ID)
		require.NoError(t, err)
		assert.Equal(t, line.GrossAmount, pending.Net)

		approved, err := f.svc.Adjustments.Approve(ctx, adj.ID, approver)
		require.NoError(t, err)
		assert.Equal(t, ledger.AdjustmentApproved, approved.Status)
		assert.Equal(t, approver.ID, approved.ApprovedBy)

		// THEN: net = gross + 5.00; gross untouched
		net, err := f.svc.Adjustments.NetPayable(ctx, line.ID)
		require.NoError(t, err)
		assert.Equal(t, line.GrossAmount+500, net.Net)
		assert.Equal(t, money.Money(500), net.Approved)

		after, err := f.store.GetLine(ctx, line.ID)
		require.NoError(t, err)
		assert.Equal(t, line.GrossAmount, after.GrossAmount)
		assert.NoError(t, after.VerifyHash())

		en, err := f.svc.Adjustments.EmployeeNet(ctx, b.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, money.Money(5500), en.Net)

		assert.Len(t, f.events.OfType(events.AdjustmentApproved), 1)
	})
}

func TestAdjustment_Guards(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		draft := f.draft(t)
		line := lineOf(t, f, draft.Batch.ID, "bob")
		correction := ledger.Adjustment{LineID: line.ID, Type: ledger.AdjustmentCorrection, Amount: 100, Reason: "fix"}

		// Draft batch: edit the line instead
		_, err := f.svc.Adjustments.Create(ctx, correction, manager)
		assert.ErrorIs(t, err, ledger.ErrNotFinalised)

		_, err = f.svc.Batches.Finalise(ctx, draft.Batch.ID, manager)
		require.NoError(t, err)

		// Clawbacks must be negative
		_, err = f.svc.Adjustments.Create(ctx, ledger.Adjustment{LineID: line.ID, Type: ledger.AdjustmentClawback, Amount: 100, Reason: "refund"}, manager)
		assert.ErrorIs(t, err, ledger.ErrInvalidAdjustment)

		adj, err := f.svc.Adjustments.Create(ctx, correction, manager)
		require.NoError(t, err)

		// Four eyes
		_, err = f.svc.Adjustments.Approve(ctx, adj.ID, manager)
		assert.ErrorIs(t, err, ledger.ErrSelfApproval)

		_, err = f.svc.Adjustments.Reject(ctx, adj.ID, "", approver)
		assert.ErrorIs(t, err, ledger.ErrInvalidAdjustment)

		_, err = f.svc.Adjustments.Reject(ctx, adj.ID, "no evidence", approver)
		require.NoError(t, err)

		// Decided once
		_, err = f.svc.Adjustments.Approve(ctx, adj.ID, approver)
		assert.ErrorIs(t, err, ledger.ErrAdjustmentNotPending)

		net, err := f.svc.Adjustments.NetPayable(ctx, line.ID)
		require.NoError(t, err)
		assert.Equal(t, line.GrossAmount, net.Net)
	})
}

// =============================================================================
// DISPUTES
// =============================================================================

func TestDispute_ResolveWithoutAdjustmentFails(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		b := f.finalised(t)
		line := lineOf(t, f, b.ID, "alice")

		d, err := f.svc.Disputes.Raise(ctx, ledger.Dispute{
			EmployeeID:  "alice",
			LineID:      line.ID,
			Category:    ledger.DisputeMissingTips,
			Description: "table 12 tip missing",
		}, ledger.Actor{ID: "alice"})
		require.NoError(t, err)

		// WHEN: resolving with no adjustment
		_, err = f.svc.Disputes.Resolve(ctx, d.ID, "", "looks fine", manager)

		// THEN
		assert.ErrorIs(t, err, ledger.ErrUnresolvedWithoutAdjustment)
		got, err := f.svc.Disputes.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.DisputeOpen, got.Status)
	})
}

func TestDispute_Workflow(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		b := f.finalised(t)
		aliceLine := lineOf(t, f, b.ID, "alice")
		bobLine := lineOf(t, f, b.ID, "bob")

		// Only the line's own employee may dispute it
		_, err := f.svc.Disputes.Raise(ctx, ledger.Dispute{
			EmployeeID: "alice", LineID: bobLine.ID, Category: ledger.DisputeWrongAmount, Description: "mine",
		}, ledger.Actor{ID: "alice"})
		assert.ErrorIs(t, err, ledger.ErrNotLineOwner)

		d, err := f.svc.Disputes.Raise(ctx, ledger.Dispute{
			EmployeeID: "alice", LineID: aliceLine.ID, Category: ledger.DisputeWrongAmount, Description: "short by 2.00",
		}, ledger.Actor{ID: "alice"})
		require.NoError(t, err)

		d, err = f.svc.Disputes.Review(ctx, d.ID, manager)
		require.NoError(t, err)
		assert.Equal(t, ledger.DisputeUnderReview, d.Status)

		// A correction-type adjustment cannot resolve it
		wrongType, err := f.svc.Adjustments.Create(ctx, ledger.Adjustment{
			LineID: aliceLine.ID, Type: ledger.AdjustmentCorrection, Amount: 200, Reason: "dispute",
		}, manager)
		require.NoError(t, err)
		_, err = f.svc.Disputes.Resolve(ctx, d.ID, wrongType.ID, "paid", manager)
		assert.ErrorIs(t, err, ledger.ErrInvalidDispute)

		adj, err := f.svc.Adjustments.Create(ctx, ledger.Adjustment{
			LineID: aliceLine.ID, Type: ledger.AdjustmentDisputeResolution, Amount: 200, Reason: "dispute upheld",
		}, manager)
		require.NoError(t, err)

		d, err = f.svc.Disputes.Resolve(ctx, d.ID, adj.ID, "upheld", manager)
		require.NoError(t, err)
		assert.Equal(t, ledger.DisputeResolved, d.Status)
		require.NotNil(t, d.AdjustmentID)
		assert.Equal(t, adj.ID, *d.AdjustmentID)
		assert.Equal(t, manager.ID, d.ClosedBy)

		_, err = f.svc.Disputes.Reject(ctx, d.ID, "too late", manager)
		assert.ErrorIs(t, err, ledger.ErrDisputeClosed)

		assert.Len(t, f.events.OfType(events.DisputeResolved), 1)
	})
}

// =============================================================================
// RECONCILIATION / PAYROLL / AUDIT
// =============================================================================

func TestReconciliation_FindsLateAndRefundedTips(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		f.finalised(t)

		// GIVEN: t1 refunded after lock, t5 synced late
		refunded := txn("t1", "alice", 5000)
		refunded.RefundStatus = ledger.RefundRefunded
		_, err := f.svc.Sync.IngestTransactions(ctx, []ledger.Transaction{refunded, txn("t5", "bob", 700)})
		require.NoError(t, err)

		// WHEN
		p := week()
		report, err := f.svc.Reconciliation.Run(ctx, loc, p.Start, p.End)

		// THEN
		require.NoError(t, err)
		require.Len(t, report.UnallocatedTips, 1)
		assert.Equal(t, ledger.TransactionID("t5"), report.UnallocatedTips[0].ID)
		assert.Equal(t, money.Money(700), report.UnallocatedTotal)
		require.Len(t, report.ClawbackCandidates, 1)
		assert.Equal(t, ledger.TransactionID("t1"), report.ClawbackCandidates[0].Transaction.ID)
		assert.Len(t, report.ClawbackCandidates[0].Lines, 1)
	})
}

func TestPayroll_ExportsLockedBatchesOnly(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodIndividual, ledger.Parameters{})
		p := week()

		res := f.draft(t)
		records, err := f.svc.Payroll.Export(ctx, tips.PayrollFilter{From: p.Start, To: p.End})
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = f.svc.Batches.Finalise(ctx, res.Batch.ID, manager)
		require.NoError(t, err)
		adj, err := f.svc.Adjustments.Create(ctx, ledger.Adjustment{
			LineID: lineOf(t, f, res.Batch.ID, "carol").ID, Type: ledger.AdjustmentClawback, Amount: -1000, Reason: "refund",
		}, manager)
		require.NoError(t, err)
		_, err = f.svc.Adjustments.Approve(ctx, adj.ID, approver)
		require.NoError(t, err)

		records, err = f.svc.Payroll.Export(ctx, tips.PayrollFilter{From: p.Start, To: p.End, LocationID: loc})
		require.NoError(t, err)

		require.Len(t, records, 3)
		assert.Equal(t, []string{"P-001", "P-002", "P-003"}, []string{records[0].PayrollID, records[1].PayrollID, records[2].PayrollID})
		carol := records[2]
		assert.Equal(t, "Carol", carol.EmployeeName)
		assert.Equal(t, money.Money(3000), carol.GrossTips)
		assert.Equal(t, money.Money(-1000), carol.Adjustments)
		assert.Equal(t, money.Money(2000), carol.NetTips)
		require.Len(t, carol.LocationBreakdown, 1)
		assert.Equal(t, loc, carol.LocationBreakdown[0].LocationID)
	})
}

func TestAudit_ChainVerifiesAfterWorkflow(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.seed(t)
		f.activate(t, ledger.MethodPooled, ledger.Parameters{})
		b := f.finalised(t)
		_, err := f.svc.Batches.Export(ctx, b.ID, manager)
		require.NoError(t, err)

		report, err := f.svc.Audit.VerifyLedger(ctx)
		require.NoError(t, err)

		assert.True(t, report.OK())
		assert.Equal(t, 4, report.Chain.Events) // activate, create, finalise, export
		assert.Equal(t, int64(4), report.Chain.HeadSeq)
		require.Len(t, report.Batches, 1)

		hmrc, err := f.svc.Audit.List(ctx, ledger.AuditFilter{HMRCOnly: true})
		require.NoError(t, err)
		assert.Len(t, hmrc, 3)
		for _, ev := range hmrc {
			assert.NotEqual(t, ledger.AuditBatchCreated, ev.Action)
		}
	})
}

func TestServices_RequireActor(t *testing.T) {
	eachStore(t, func(t *testing.T, f *fixture) {
		_, err := f.svc.Batches.Create(context.Background(), loc, week(), ledger.Actor{})
		assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	})
}
