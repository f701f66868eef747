package tips

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// AUDIT SERVICE - Listing and verification
// =============================================================================

// AuditService reads the audit chain. Nothing here writes; events are
// appended by the other services inside their own transactions.
type AuditService struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewAuditService(d Deps) *AuditService {
	d = d.withDefaults()
	return &AuditService{deps: d, log: d.Log.WithField("module", "audit")}
}

func (s *AuditService) List(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEvent, error) {
	return s.deps.Store.ListAuditEvents(ctx, f)
}

// verifyPage is how many events are read per round trip while verifying.
const verifyPage = 500

// Verify walks the whole chain from genesis and recomputes every hash.
func (s *AuditService) Verify(ctx context.Context) (ledger.ChainReport, error) {
	var all []ledger.AuditEvent
	var after int64
	for {
		page, err := s.deps.Store.ListAuditEvents(ctx, ledger.AuditFilter{AfterSeq: after, Limit: verifyPage})
		if err != nil {
			return ledger.ChainReport{}, err
		}
		all = append(all, page...)
		if len(page) < verifyPage {
			break
		}
		after = page[len(page)-1].Sequence
	}

	report, err := ledger.VerifyChain(all)
	if err != nil {
		s.log.WithError(err).WithField("verified", report.Events).Error("audit chain broken")
		return report, err
	}
	return report, nil
}

// LedgerReport is the result of a full integrity pass.
type LedgerReport struct {
	Chain   ledger.ChainReport
	Batches []VerifyReport
}

// OK reports whether the chain and every batch verified.
func (r LedgerReport) OK() bool {
	for _, b := range r.Batches {
		if !b.OK() {
			return false
		}
	}
	return true
}

// VerifyLedger checks the audit chain and the line hashes of every locked
// batch. A broken chain stops the pass; batch mismatches are collected
// and reported together as ErrHashMismatch.
func (s *AuditService) VerifyLedger(ctx context.Context) (LedgerReport, error) {
	chain, err := s.Verify(ctx)
	report := LedgerReport{Chain: chain}
	if err != nil {
		return report, err
	}

	batches, err := s.deps.Store.ListBatches(ctx, ledger.BatchFilter{})
	if err != nil {
		return report, err
	}
	var broken int
	for _, b := range batches {
		if !b.Status.IsLocked() {
			continue
		}
		vr, err := verifyBatch(ctx, s.deps.Store, b.ID)
		if err != nil && !errors.Is(err, ledger.ErrHashMismatch) {
			return report, err
		}
		if !vr.OK() {
			broken++
			s.log.WithFields(logrus.Fields{"batch_id": b.ID, "mismatches": len(vr.Mismatches)}).Error("batch line hashes do not verify")
		}
		report.Batches = append(report.Batches, vr)
	}
	if broken > 0 {
		return report, fmt.Errorf("%w: %d locked batches failed verification", ledger.ErrHashMismatch, broken)
	}
	return report, nil
}
