/*
reconciler.go - Draft submission, edits and review

PURPOSE:
  The Reconciler stages provisional readings and keeps them consistent
  with the ledger. Consolidation into the ledger lives in consolidate.go.

SUBMISSION FLOW:
  1. Session gate (ErrSessionInactive when no session is open)
  2. Resolve the panel (ErrPanelNotFound)
  3. Fetch the latest ledger reading
  4. value < latest value → no write, return an Inconsistency so the
     collector can confirm a meter rollover
  5. Otherwise compute consumption with ConsumptionFor and upsert the
     panel's single draft, stamped with the clock

  Steps 1-5 run in one transaction.

CONFIRMED RESET:
  ConfirmReset skips step 4: the value becomes the whole provisional
  consumption and the draft is flagged as a reset.

EDITS:
  EditDraft applies the rule without prompting: a decrease is recorded as
  a reset straight away since the reviewer is the one deciding.

CONCURRENCY:
  Two collectors submitting for the same panel race; the last write wins.

SEE ALSO:
  - consumption.go: ConsumptionFor
  - anomaly.go: Scoring used by ReviewDrafts
*/
package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
)

// Reconciler runs the draft workflow.
type Reconciler struct {
	Store  TxStore
	Clock  Clock
	Policy AnomalyPolicy
	Log    zerolog.Logger
}

func NewReconciler(store TxStore, clock Clock, policy AnomalyPolicy, log zerolog.Logger) *Reconciler {
	return &Reconciler{Store: store, Clock: clock, Policy: policy, Log: log}
}

// Inconsistency is the rollover prompt: the submitted value is lower than
// the panel's latest ledger value.
type Inconsistency struct {
	PanelID    int64
	PanelName  string
	PriorValue float64
	NewValue   float64
}

// SubmitResult is either an accepted Draft or an Inconsistency.
type SubmitResult struct {
	Draft         *Draft
	Inconsistency *Inconsistency
}

// Accepted reports whether a draft was written.
func (r SubmitResult) Accepted() bool {
	return r.Draft != nil
}

// SubmitDraft stages value as the panel's provisional reading.
func (r *Reconciler) SubmitDraft(ctx context.Context, panelID int64, value float64) (SubmitResult, error) {
	if err := validateMeterValue(value); err != nil {
		return SubmitResult{}, err
	}

	var result SubmitResult
	err := r.Store.WithTx(ctx, func(s Store) error {
		if err := requireActiveSession(ctx, s); err != nil {
			return err
		}
		panel, err := requirePanel(ctx, s, panelID)
		if err != nil {
			return err
		}
		prior, err := s.LatestReading(ctx, panelID)
		if err != nil {
			return err
		}
		if prior != nil && value < prior.MeterValue {
			result.Inconsistency = &Inconsistency{
				PanelID:    panel.ID,
				PanelName:  panel.Name,
				PriorValue: prior.MeterValue,
				NewValue:   value,
			}
			return nil
		}
		consumption, reset := ConsumptionFor(prior, value)
		draft, err := r.upsertDraft(ctx, s, panelID, value, consumption, reset)
		if err != nil {
			return err
		}
		result.Draft = draft
		return nil
	})
	if err != nil {
		return SubmitResult{}, internal("submit draft", err)
	}

	if result.Inconsistency != nil {
		r.Log.Warn().
			Int64("panel_id", panelID).
			Float64("prior_value", result.Inconsistency.PriorValue).
			Float64("new_value", value).
			Msg("meter value below latest reading")
	}
	return result, nil
}

// ConfirmReset stages value after a human confirmed a meter rollover.
func (r *Reconciler) ConfirmReset(ctx context.Context, panelID int64, value float64) (*Draft, error) {
	if err := validateMeterValue(value); err != nil {
		return nil, err
	}

	var draft *Draft
	err := r.Store.WithTx(ctx, func(s Store) error {
		if err := requireActiveSession(ctx, s); err != nil {
			return err
		}
		if _, err := requirePanel(ctx, s, panelID); err != nil {
			return err
		}
		d, err := r.upsertDraft(ctx, s, panelID, value, value, true)
		if err != nil {
			return err
		}
		draft = d
		return nil
	})
	if err != nil {
		return nil, internal("confirm reset", err)
	}

	r.Log.Info().Int64("panel_id", panelID).Float64("value", value).Msg("meter reset confirmed")
	return draft, nil
}

// EditDraft replaces a draft's value and recomputes its consumption
// against the latest ledger reading.
func (r *Reconciler) EditDraft(ctx context.Context, draftID int64, value float64) (*Draft, error) {
	if err := validateMeterValue(value); err != nil {
		return nil, err
	}

	var draft *Draft
	err := r.Store.WithTx(ctx, func(s Store) error {
		d, err := s.GetDraft(ctx, draftID)
		if err != nil {
			return err
		}
		if d == nil {
			return ErrDraftNotFound
		}
		prior, err := s.LatestReading(ctx, d.PanelID)
		if err != nil {
			return err
		}
		d.ProvisionalConsumption, d.Reset = ConsumptionFor(prior, value)
		d.MeterValue = value
		d.Timestamp = r.Clock.Now()
		if err := s.SaveDraft(ctx, d); err != nil {
			return err
		}
		draft = d
		return nil
	})
	if err != nil {
		return nil, internal("edit draft", err)
	}
	return draft, nil
}

// StartNewCount discards every draft without touching the session.
// Returns the number of drafts removed.
func (r *Reconciler) StartNewCount(ctx context.Context) (int, error) {
	var deleted int
	err := r.Store.WithTx(ctx, func(s Store) error {
		n, err := s.ClearDrafts(ctx)
		deleted = n
		return err
	})
	if err != nil {
		return 0, internal("start new count", err)
	}
	r.Log.Info().Int("drafts_deleted", deleted).Msg("new count started")
	return deleted, nil
}

func (r *Reconciler) upsertDraft(ctx context.Context, s Store, panelID int64, value, consumption float64, reset bool) (*Draft, error) {
	draft, err := s.GetDraftByPanel(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		draft = &Draft{PanelID: panelID}
	}
	draft.MeterValue = value
	draft.ProvisionalConsumption = consumption
	draft.Reset = reset
	draft.Timestamp = r.Clock.Now()
	if err := s.SaveDraft(ctx, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// =============================================================================
// REVIEW
// =============================================================================

// DraftReview is a draft annotated for the reviewer.
type DraftReview struct {
	Draft         Draft
	PanelName     string
	PanelLocation string
	Assessment    Assessment
	// LastReading is the latest ledger reading of the panel, if any.
	LastReading *Reading
}

// ReviewDrafts scores every draft against its panel's trailing baseline.
func (r *Reconciler) ReviewDrafts(ctx context.Context) ([]DraftReview, error) {
	drafts, err := r.Store.ListDrafts(ctx)
	if err != nil {
		return nil, internal("review drafts", err)
	}

	now := r.Clock.Now()
	reviews := make([]DraftReview, 0, len(drafts))
	for _, d := range drafts {
		panel, err := r.Store.GetPanel(ctx, d.PanelID)
		if err != nil {
			return nil, internal("review drafts", err)
		}
		history, err := r.Store.ReadingsInRange(ctx, ReadingFilter{
			PanelID: d.PanelID,
			From:    r.Policy.WindowStart(now),
		})
		if err != nil {
			return nil, internal("review drafts", err)
		}
		last, err := r.Store.LatestReading(ctx, d.PanelID)
		if err != nil {
			return nil, internal("review drafts", err)
		}

		review := DraftReview{
			Draft:       d,
			Assessment:  r.Policy.Score(d.ProvisionalConsumption, history).Rounded(),
			LastReading: last,
		}
		if panel != nil {
			review.PanelName = panel.Name
			review.PanelLocation = panel.Location
		}
		reviews = append(reviews, review)
	}
	return reviews, nil
}

// CollectorEntry is one line of the collector's checklist.
type CollectorEntry struct {
	Panel Panel
	// Draft is today's draft for the panel, nil when not yet collected.
	Draft *Draft
}

// CollectorView lists active panels by name with the draft collected for
// each one today.
func (r *Reconciler) CollectorView(ctx context.Context) ([]CollectorEntry, error) {
	panels, err := r.Store.ListPanels(ctx, true)
	if err != nil {
		return nil, internal("collector view", err)
	}
	drafts, err := r.Store.ListDrafts(ctx)
	if err != nil {
		return nil, internal("collector view", err)
	}

	today := DayOf(r.Clock.Now())
	byPanel := make(map[int64]Draft, len(drafts))
	for _, d := range drafts {
		if d.Day() == today {
			byPanel[d.PanelID] = d
		}
	}

	entries := make([]CollectorEntry, 0, len(panels))
	for _, p := range panels {
		entry := CollectorEntry{Panel: p}
		if d, ok := byPanel[p.ID]; ok {
			d := d
			entry.Draft = &d
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Panel.Name < entries[j].Panel.Name
	})
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func requirePanel(ctx context.Context, s PanelStore, panelID int64) (*Panel, error) {
	panel, err := s.GetPanel(ctx, panelID)
	if err != nil {
		return nil, err
	}
	if panel == nil {
		return nil, ErrPanelNotFound
	}
	return panel, nil
}

func validateMeterValue(value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{Field: "value", Message: "must be a finite number"}
	}
	if value < 0 {
		return &ValidationError{Field: "value", Message: fmt.Sprintf("must not be negative, got %v", value)}
	}
	return nil
}
