/*
consolidate.go - Conflict detection and consolidation of drafts

PURPOSE:
  Moves reviewed drafts into the ledger.

CONFLICT:
  A draft conflicts with the ledger when the ledger already holds a
  reading for the same panel on the same calendar day as the draft.
  Only the date portion counts, never the time of day.

DECISIONS (per conflicting draft, default skip):
  replace   → delete the conflicting reading, insert the draft, drop draft
  keep_both → insert the draft next to the existing reading, drop draft
  skip      → leave the draft in the draft store

  Drafts without a conflict always move to the ledger.

COUNTS:
  consolidated: moved without conflict, or keep_both
  replaced:     replace
  skipped:      skip (or no decision)

ATOMICITY:
  The whole batch is one transaction. Any store failure rolls back every
  mutation and is reported as an InternalError; retry the whole batch.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Decision resolves a same-day conflict.
type Decision string

const (
	DecisionReplace  Decision = "replace"
	DecisionKeepBoth Decision = "keep_both"
	DecisionSkip     Decision = "skip"
)

// ParseDecision validates a decision string. An empty string means skip.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DecisionSkip, nil
	case DecisionReplace, DecisionKeepBoth, DecisionSkip:
		return d, nil
	default:
		return "", &ValidationError{
			Field:   "decision",
			Message: fmt.Sprintf("unknown decision %q (want replace, keep_both or skip)", s),
		}
	}
}

// DraftConflict is the conflict check of one draft.
type DraftConflict struct {
	Draft         Draft
	PanelName     string
	PanelLocation string
	// Existing is the same-day ledger reading, nil when there is no conflict.
	Existing *Reading
}

// Conflicting reports whether the draft collides with the ledger.
func (c DraftConflict) Conflicting() bool {
	return c.Existing != nil
}

// ConflictReport covers every draft in the draft store.
type ConflictReport struct {
	Drafts []DraftConflict
}

// HasConflicts reports whether any draft collides with the ledger.
func (r ConflictReport) HasConflicts() bool {
	for _, c := range r.Drafts {
		if c.Conflicting() {
			return true
		}
	}
	return false
}

// Conflicts returns only the colliding drafts.
func (r ConflictReport) Conflicts() []DraftConflict {
	var out []DraftConflict
	for _, c := range r.Drafts {
		if c.Conflicting() {
			out = append(out, c)
		}
	}
	return out
}

// ConsolidationResult counts what consolidation did.
type ConsolidationResult struct {
	Consolidated int
	Replaced     int
	Skipped      int
}

// DetectConflicts checks every draft for a same-day ledger reading.
// Read-only. Fails with ErrNoDrafts when there is nothing to check.
func (r *Reconciler) DetectConflicts(ctx context.Context) (ConflictReport, error) {
	drafts, err := r.Store.ListDrafts(ctx)
	if err != nil {
		return ConflictReport{}, internal("detect conflicts", err)
	}
	if len(drafts) == 0 {
		return ConflictReport{}, ErrNoDrafts
	}

	report := ConflictReport{Drafts: make([]DraftConflict, 0, len(drafts))}
	for _, d := range drafts {
		existing, err := r.Store.ReadingOnDay(ctx, d.PanelID, d.Day())
		if err != nil {
			return ConflictReport{}, internal("detect conflicts", err)
		}
		panel, err := r.Store.GetPanel(ctx, d.PanelID)
		if err != nil {
			return ConflictReport{}, internal("detect conflicts", err)
		}
		c := DraftConflict{Draft: d, Existing: existing}
		if panel != nil {
			c.PanelName = panel.Name
			c.PanelLocation = panel.Location
		}
		report.Drafts = append(report.Drafts, c)
	}
	return report, nil
}

// Consolidate merges drafts into the ledger, applying decisions (keyed by
// draft id) to drafts that conflict with a same-day reading.
func (r *Reconciler) Consolidate(ctx context.Context, decisions map[int64]Decision) (ConsolidationResult, error) {
	for id, d := range decisions {
		if _, err := ParseDecision(string(d)); err != nil {
			return ConsolidationResult{}, fmt.Errorf("draft %d: %w", id, err)
		}
	}

	var result ConsolidationResult
	err := r.Store.WithTx(ctx, func(s Store) error {
		result = ConsolidationResult{}
		drafts, err := s.ListDrafts(ctx)
		if err != nil {
			return err
		}
		if len(drafts) == 0 {
			return ErrNoDrafts
		}

		for _, d := range drafts {
			existing, err := s.ReadingOnDay(ctx, d.PanelID, d.Day())
			if err != nil {
				return err
			}
			if existing == nil {
				if err := promote(ctx, s, d); err != nil {
					return err
				}
				result.Consolidated++
				continue
			}

			decision, _ := ParseDecision(string(decisions[d.ID]))
			switch decision {
			case DecisionReplace:
				if err := s.DeleteReading(ctx, existing.ID); err != nil {
					return fmt.Errorf("delete reading %d: %w", existing.ID, err)
				}
				if err := promote(ctx, s, d); err != nil {
					return err
				}
				result.Replaced++
			case DecisionKeepBoth:
				if err := promote(ctx, s, d); err != nil {
					return err
				}
				result.Consolidated++
			default:
				result.Skipped++
			}
		}
		return nil
	})
	if err != nil {
		err = internal("consolidate", err)
		if IsInternal(err) {
			r.Log.Error().Err(err).Msg("consolidation rolled back")
		}
		return ConsolidationResult{}, err
	}

	r.Log.Info().
		Int("consolidated", result.Consolidated).
		Int("replaced", result.Replaced).
		Int("skipped", result.Skipped).
		Msg("drafts consolidated")
	return result, nil
}

// promote inserts the draft as a ledger reading and removes the draft.
func promote(ctx context.Context, s Store, d Draft) error {
	reading := &Reading{
		PanelID:     d.PanelID,
		Timestamp:   d.Timestamp,
		MeterValue:  d.MeterValue,
		Consumption: float64Ptr(d.ProvisionalConsumption),
		Reset:       d.Reset,
	}
	if err := s.InsertReading(ctx, reading); err != nil {
		return fmt.Errorf("insert reading for draft %d: %w", d.ID, err)
	}
	if err := s.DeleteDraft(ctx, d.ID); err != nil {
		return fmt.Errorf("delete draft %d: %w", d.ID, err)
	}
	return nil
}
