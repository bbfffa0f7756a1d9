package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/meter-ledger/ledger"
)

// =============================================================================
// FAILURE INJECTION
// =============================================================================

// failingTxStore runs transactions against a view whose DeleteDraft fails.
type failingTxStore struct {
	ledger.TxStore
}

func (f failingTxStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.TxStore.WithTx(ctx, func(s ledger.Store) error {
		return fn(failingDeletes{Store: s})
	})
}

type failingDeletes struct {
	ledger.Store
}

func (failingDeletes) DeleteDraft(context.Context, int64) error {
	return errors.New("disk I/O error")
}

// ===== WORKED EXAMPLE =====

func TestRolloverWorkflow_EndToEnd(t *testing.T) {
	// GIVEN: Panel "Dock A" with ledger readings 100 @ day1 and 150 @ day2
	f := newFixture(t)
	ctx := context.Background()
	dock := f.panel(t, "Dock A")
	f.reading(t, dock.ID, at(2024, time.March, 8, 9), 100, 0)
	f.reading(t, dock.ID, at(2024, time.March, 9, 9), 150, 50)
	f.openSession(t)

	// WHEN: Submitting 140 on day3
	result, err := f.rec.SubmitDraft(ctx, dock.ID, 140)

	// THEN: The collector is prompted for a rollover
	require.NoError(t, err)
	require.NotNil(t, result.Inconsistency)
	assert.Equal(t, 150.0, result.Inconsistency.PriorValue)
	assert.Equal(t, 140.0, result.Inconsistency.NewValue)

	// WHEN: The collector confirms the reset
	draft, err := f.rec.ConfirmReset(ctx, dock.ID, 140)
	require.NoError(t, err)
	assert.Equal(t, 140.0, draft.ProvisionalConsumption)
	assert.True(t, draft.Reset)

	// AND: The reviewer consolidates with no conflicts present
	report, err := f.rec.DetectConflicts(ctx)
	require.NoError(t, err)
	assert.False(t, report.HasConflicts())
	res, err := f.rec.Consolidate(ctx, nil)
	require.NoError(t, err)

	// THEN: The ledger gains the reset reading and the draft is gone
	assert.Equal(t, ledger.ConsolidationResult{Consolidated: 1}, res)
	assert.Empty(t, f.drafts(t))
	readings := f.ledgerOf(t, dock.ID)
	require.Len(t, readings, 3)
	last := readings[2]
	assert.Equal(t, 140.0, last.MeterValue)
	assert.Equal(t, 140.0, last.ConsumptionValue())
	assert.True(t, last.Reset)
	assert.True(t, last.Timestamp.Equal(f.clock.Now()))
}

// ===== CONFLICT DETECTION =====

func TestDetectConflicts_ComparesCalendarDayOnly(t *testing.T) {
	// GIVEN: A ledger reading at 07:00 and a draft at 21:30 the same local day.
	// 21:30 at UTC-3 is already the next day in UTC.
	f := newFixture(t)
	ctx := context.Background()
	p := f.panel(t, "P1")
	q := f.panel(t, "P2")
	existing := f.reading(t, p.ID, at(2024, time.March, 10, 7), 100, 0)
	f.clock.Set(time.Date(2024, time.March, 10, 21, 30, 0, 0, testZone))
	f.openSession(t)
	_, err := f.rec.SubmitDraft(ctx, p.ID, 120)
	require.NoError(t, err)
	_, err = f.rec.SubmitDraft(ctx, q.ID, 5)
	require.NoError(t, err)

	// WHEN: Detecting conflicts
	report, err := f.rec.DetectConflicts(ctx)

	// THEN: Only P1 collides, with its morning reading
	require.NoError(t, err)
	require.Len(t, report.Drafts, 2)
	assert.True(t, report.HasConflicts())
	conflicts := report.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "P1", conflicts[0].PanelName)
	assert.Equal(t, existing.ID, conflicts[0].Existing.ID)
}

func TestDetectConflicts_NoDrafts(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.DetectConflicts(context.Background())

	assert.ErrorIs(t, err, ledger.ErrNoDrafts)
}

// ===== CONSOLIDATION =====

// conflictSetup stages a conflicting draft on P1 and a clean draft on P2.
func conflictSetup(t *testing.T) (f *fixture, p1, p2 ledger.Panel, existing ledger.Reading, conflicting ledger.Draft) {
	t.Helper()
	f = newFixture(t)
	ctx := context.Background()
	p1, p2 = f.panel(t, "P1"), f.panel(t, "P2")
	f.reading(t, p1.ID, at(2024, time.March, 9, 8), 50, 0)
	existing = f.reading(t, p1.ID, at(2024, time.March, 10, 7), 100, 50)
	f.openSession(t)
	res, err := f.rec.SubmitDraft(ctx, p1.ID, 120)
	require.NoError(t, err)
	conflicting = *res.Draft
	_, err = f.rec.SubmitDraft(ctx, p2.ID, 10)
	require.NoError(t, err)
	return f, p1, p2, existing, conflicting
}

func TestConsolidate_SkipIsDefault(t *testing.T) {
	f, p1, p2, _, conflicting := conflictSetup(t)

	res, err := f.rec.Consolidate(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, ledger.ConsolidationResult{Consolidated: 1, Skipped: 1}, res)
	drafts := f.drafts(t)
	require.Len(t, drafts, 1)
	assert.Equal(t, conflicting.ID, drafts[0].ID)
	assert.Len(t, f.ledgerOf(t, p1.ID), 2)
	assert.Len(t, f.ledgerOf(t, p2.ID), 1)
}

func TestConsolidate_Replace(t *testing.T) {
	f, p1, _, existing, conflicting := conflictSetup(t)

	res, err := f.rec.Consolidate(context.Background(), map[int64]ledger.Decision{
		conflicting.ID: ledger.DecisionReplace,
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.ConsolidationResult{Consolidated: 1, Replaced: 1}, res)
	assert.Empty(t, f.drafts(t))
	readings := f.ledgerOf(t, p1.ID)
	require.Len(t, readings, 2)
	for _, r := range readings {
		assert.NotEqual(t, existing.ID, r.ID)
	}
	assert.Equal(t, 120.0, readings[1].MeterValue)
	assert.Equal(t, 20.0, readings[1].ConsumptionValue())
}

func TestConsolidate_KeepBoth(t *testing.T) {
	f, p1, _, existing, conflicting := conflictSetup(t)

	res, err := f.rec.Consolidate(context.Background(), map[int64]ledger.Decision{
		conflicting.ID: ledger.DecisionKeepBoth,
	})

	require.NoError(t, err)
	assert.Equal(t, ledger.ConsolidationResult{Consolidated: 2}, res)
	assert.Empty(t, f.drafts(t))
	readings := f.ledgerOf(t, p1.ID)
	require.Len(t, readings, 3)
	assert.Equal(t, existing.ID, readings[1].ID)
	assert.Equal(t, 120.0, readings[2].MeterValue)
}

func TestConsolidate_RejectsUnknownDecision(t *testing.T) {
	f, _, _, _, conflicting := conflictSetup(t)

	_, err := f.rec.Consolidate(context.Background(), map[int64]ledger.Decision{
		conflicting.ID: "overwrite",
	})

	assert.True(t, ledger.IsClientError(err))
	assert.Len(t, f.drafts(t), 2)
}

func TestConsolidate_NoDrafts(t *testing.T) {
	f := newFixture(t)

	_, err := f.rec.Consolidate(context.Background(), nil)

	assert.ErrorIs(t, err, ledger.ErrNoDrafts)
}

func TestConsolidate_RollsBackOnStoreFailure(t *testing.T) {
	// GIVEN: A clean draft on P2 and a store that fails to delete drafts
	f, p1, p2, _, _ := conflictSetup(t)
	ctx := context.Background()
	ledger1, draftsBefore := f.ledgerOf(t, p1.ID), f.drafts(t)
	broken := ledger.NewReconciler(failingTxStore{f.store}, f.clock, ledger.DefaultAnomalyPolicy(), zerolog.Nop())

	// WHEN: Consolidating; P2's reading is inserted before the delete fails
	_, err := broken.Consolidate(ctx, nil)

	// THEN: An internal error is reported and nothing changed
	require.Error(t, err)
	assert.True(t, ledger.IsInternal(err))
	var ierr *ledger.InternalError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "consolidate", ierr.Op)
	assert.Equal(t, ledger1, f.ledgerOf(t, p1.ID))
	assert.Empty(t, f.ledgerOf(t, p2.ID))
	assert.Equal(t, draftsBefore, f.drafts(t))
}

func TestParseDecision(t *testing.T) {
	for in, want := range map[string]ledger.Decision{
		"":           ledger.DecisionSkip,
		"skip":       ledger.DecisionSkip,
		"REPLACE":    ledger.DecisionReplace,
		" keep_both": ledger.DecisionKeepBoth,
	} {
		got, err := ledger.ParseDecision(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ledger.ParseDecision("merge")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
