package tips

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/warp/tip-ledger/events"
	"github.com/warp/tip-ledger/ledger"
)

// =============================================================================
// RULE SERVICE - Versioning and supersession
// =============================================================================

// RuleService activates RuleSet versions. Activation is one store
// transaction: read the current version, deactivate it, insert the new
// one as current, append the audit event. The store's single-current
// constraint turns a lost race into ErrConcurrentModification instead of
// two current versions.
type RuleService struct {
	deps Deps
	log  logrus.FieldLogger
}

func NewRuleService(d Deps) *RuleService {
	d = d.withDefaults()
	return &RuleService{deps: d, log: d.Log.WithField("module", "rules")}
}

// Activate stores rs as the next version for its location and makes it
// current. Version, IsCurrent, CreatedAt and CreatedBy are assigned here.
func (s *RuleService) Activate(ctx context.Context, rs ledger.RuleSet, actor ledger.Actor) (ledger.RuleSet, error) {
	if err := requireActor(actor); err != nil {
		return ledger.RuleSet{}, err
	}
	if err := rs.Validate(); err != nil {
		return ledger.RuleSet{}, err
	}

	now := s.deps.now()
	if rs.ID == "" {
		rs.ID = ledger.RuleSetID(s.deps.NewID())
	}
	if rs.EffectiveFrom.IsZero() {
		rs.EffectiveFrom = now
	}
	rs.EffectiveFrom = rs.EffectiveFrom.UTC()
	rs.EffectiveTo = nil
	rs.IsCurrent = true
	rs.CreatedAt = now
	rs.CreatedBy = actor.ID

	var ev ledger.AuditEvent
	err := s.deps.Store.WithTx(ctx, func(tx ledger.Store) error {
		// 1. Next version number
		versions, err := tx.ListRuleSets(ctx, rs.LocationID)
		if err != nil {
			return err
		}
		rs.Version = 1
		if n := len(versions); n > 0 {
			rs.Version = versions[n-1].Version + 1
		}

		// 2. Supersede the current version, if any
		summary := fmt.Sprintf("v%d %s activated", rs.Version, rs.Method)
		current, err := tx.CurrentRuleSet(ctx, rs.LocationID)
		switch {
		case errors.Is(err, ledger.ErrNoCurrentRuleSet):
		case err != nil:
			return err
		default:
			if rs.EffectiveFrom.Before(current.EffectiveFrom) {
				return &ledger.ValidationError{
					Field:   "effective_from",
					Message: fmt.Sprintf("must not precede v%d effective_from %s", current.Version, current.EffectiveFrom.Format(ledger.DateLayout)),
					Err:     ledger.ErrInvalidRuleSet,
				}
			}
			if err := tx.DeactivateRuleSet(ctx, current.ID, rs.EffectiveFrom); err != nil {
				return err
			}
			summary += fmt.Sprintf(", supersedes v%d %s", current.Version, current.Method)
		}

		// 3. Insert the new current version
		if err := tx.InsertRuleSet(ctx, rs); err != nil {
			return err
		}

		ev, err = s.deps.audit(ctx, tx, actor, ledger.EntityRuleSet, string(rs.ID), ledger.AuditRuleSetActivated, summary, true)
		return err
	})
	if err != nil {
		s.log.WithError(err).WithField("location_id", rs.LocationID).Warn("rule set activation failed")
		return ledger.RuleSet{}, err
	}

	s.log.WithFields(logrus.Fields{
		"location_id": rs.LocationID,
		"version":     rs.Version,
		"method":      rs.Method,
		"actor":       actor.ID,
	}).Info("rule set activated")

	s.deps.publish(ctx, events.Event{
		Type:       events.RuleSetActivated,
		EntityID:   string(rs.ID),
		LocationID: string(rs.LocationID),
		ActorID:    actor.ID,
		AuditSeq:   ev.Sequence,
		Attributes: map[string]string{"version": fmt.Sprint(rs.Version), "method": string(rs.Method)},
	})
	return rs, nil
}

func (s *RuleService) Get(ctx context.Context, id ledger.RuleSetID) (ledger.RuleSet, error) {
	return s.deps.Store.GetRuleSet(ctx, id)
}

func (s *RuleService) Current(ctx context.Context, locationID ledger.LocationID) (ledger.RuleSet, error) {
	return s.deps.Store.CurrentRuleSet(ctx, locationID)
}

// List returns versions ascending. Empty locationID lists every location.
func (s *RuleService) List(ctx context.Context, locationID ledger.LocationID) ([]ledger.RuleSet, error) {
	return s.deps.Store.ListRuleSets(ctx, locationID)
}

// Locations returns every location that has a current RuleSet, sorted.
func (s *RuleService) Locations(ctx context.Context) ([]ledger.LocationID, error) {
	all, err := s.deps.Store.ListRuleSets(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []ledger.LocationID
	for _, rs := range all {
		if rs.IsCurrent {
			out = append(out, rs.LocationID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ForPeriod picks the RuleSet that governed the start of p: the highest
// version effective at p.Start, else the current one.
func ForPeriod(ctx context.Context, st ledger.RuleStore, locationID ledger.LocationID, p ledger.Period) (ledger.RuleSet, error) {
	versions, err := st.ListRuleSets(ctx, locationID)
	if err != nil {
		return ledger.RuleSet{}, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].EffectiveAt(p.Start) {
			return versions[i], nil
		}
	}
	return st.CurrentRuleSet(ctx, locationID)
}
