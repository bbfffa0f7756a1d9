package sqlite_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/store/sqlite"
)

var zone = time.FixedZone("UTC-3", -3*60*60)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:", zone)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createPanel(t *testing.T, s ledger.Store, name string) ledger.Panel {
	t.Helper()
	p := &ledger.Panel{Name: name, Location: "Loc " + name, Active: true}
	require.NoError(t, s.CreatePanel(context.Background(), p))
	return *p
}

func insertReading(t *testing.T, s ledger.Store, panelID int64, ts time.Time, value float64, consumption *float64) ledger.Reading {
	t.Helper()
	r := &ledger.Reading{PanelID: panelID, Timestamp: ts, MeterValue: value, Consumption: consumption}
	require.NoError(t, s.InsertReading(context.Background(), r))
	return *r
}

func fptr(v float64) *float64 { return &v }

// ===== PANELS =====

func TestPanels_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// GIVEN: Two panels
	a := createPanel(t, s, "Beta")
	createPanel(t, s, "Alpha")

	// WHEN/THEN: Names are unique
	err := s.CreatePanel(ctx, &ledger.Panel{Name: "Beta", Location: "x", Active: true})
	assert.ErrorIs(t, err, ledger.ErrDuplicatePanelName)

	// WHEN/THEN: Update and lookups
	a.Location = "Roof"
	a.Active = false
	require.NoError(t, s.UpdatePanel(ctx, a))
	got, err := s.GetPanelByName(ctx, "Beta")
	require.NoError(t, err)
	assert.Equal(t, a, *got)

	missing, err := s.GetPanel(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.ErrorIs(t, s.UpdatePanel(ctx, ledger.Panel{ID: 999, Name: "x"}), ledger.ErrPanelNotFound)

	// THEN: Listing is ordered by name and filters inactive panels
	all, err := s.ListPanels(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].Name)
	active, err := s.ListPanels(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Alpha", active[0].Name)
}

func TestDeletePanel_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createPanel(t, s, "P1")
	insertReading(t, s, p.ID, time.Date(2024, 1, 1, 8, 0, 0, 0, zone), 10, nil)
	require.NoError(t, s.SaveDraft(ctx, &ledger.Draft{PanelID: p.ID, Timestamp: time.Date(2024, 1, 2, 8, 0, 0, 0, zone)}))

	require.NoError(t, s.DeletePanel(ctx, p.ID))

	n, err := s.CountReadings(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	drafts, err := s.ListDrafts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drafts)
	assert.ErrorIs(t, s.DeletePanel(ctx, p.ID), ledger.ErrPanelNotFound)
}

// ===== READINGS =====

func TestReadings_TimestampsAndDays(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createPanel(t, s, "P1")

	// GIVEN: A reading at 23:30 local, which is 02:30 the next day in UTC
	late := time.Date(2024, 1, 1, 23, 30, 0, 123456789, zone)
	r := insertReading(t, s, p.ID, late, 100.25, nil)

	// WHEN: Looking it up by local calendar day
	onDay, err := s.ReadingOnDay(ctx, p.ID, "2024-01-01")
	require.NoError(t, err)
	nextDay, err := s.ReadingOnDay(ctx, p.ID, "2024-01-02")
	require.NoError(t, err)

	// THEN: It belongs to the local day and round-trips exactly
	require.NotNil(t, onDay)
	assert.Nil(t, nextDay)
	assert.Equal(t, r.ID, onDay.ID)
	assert.True(t, late.Equal(onDay.Timestamp))
	assert.Equal(t, zone, onDay.Timestamp.Location())
	assert.Equal(t, "2024-01-01", onDay.Day())
	assert.Nil(t, onDay.Consumption)
	assert.Equal(t, 100.25, onDay.MeterValue)
}

func TestReadings_OrderingAndRanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createPanel(t, s, "P1")
	q := createPanel(t, s, "P2")
	day := func(d int) time.Time { return time.Date(2024, 2, d, 8, 0, 0, 0, zone) }

	insertReading(t, s, p.ID, day(3), 30, fptr(10))
	insertReading(t, s, p.ID, day(1), 10, fptr(0))
	insertReading(t, s, p.ID, day(2), 20, fptr(10))
	insertReading(t, s, q.ID, day(2), 5, fptr(0))

	history, err := s.PanelReadings(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, want := range []float64{10, 20, 30} {
		assert.Equal(t, want, history[i].MeterValue)
	}

	latest, err := s.LatestReading(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 30.0, latest.MeterValue)

	inRange, err := s.ReadingsInRange(ctx, ledger.ReadingFilter{From: ledger.StartOfDay(day(2)), To: ledger.EndOfDay(day(2))})
	require.NoError(t, err)
	assert.Len(t, inRange, 2)

	recent, err := s.RecentReadings(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 30.0, recent[0].MeterValue)

	n, err := s.CountReadings(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.UpdateReadingConsumption(ctx, history[0].ID, nil, true))
	first, err := s.ReadingOnDay(ctx, p.ID, "2024-02-01")
	require.NoError(t, err)
	assert.Nil(t, first.Consumption)
	assert.True(t, first.Reset)

	assert.ErrorIs(t, s.DeleteReading(ctx, 999), ledger.ErrReadingNotFound)
	assert.ErrorIs(t, s.UpdateReadingConsumption(ctx, 999, nil, false), ledger.ErrReadingNotFound)
}

func TestInsertReading_UnknownPanel(t *testing.T) {
	s := newTestStore(t)

	err := s.InsertReading(context.Background(), &ledger.Reading{PanelID: 42, Timestamp: time.Now()})

	assert.ErrorIs(t, err, ledger.ErrPanelNotFound)
}

// ===== DRAFTS =====

func TestSaveDraft_UpsertsByPanel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := createPanel(t, s, "P1")

	first := &ledger.Draft{PanelID: p.ID, Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, zone), MeterValue: 10}
	require.NoError(t, s.SaveDraft(ctx, first))
	second := &ledger.Draft{PanelID: p.ID, Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, zone), MeterValue: 5, ProvisionalConsumption: 5, Reset: true}
	require.NoError(t, s.SaveDraft(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	drafts, err := s.ListDrafts(ctx)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, 5.0, drafts[0].ProvisionalConsumption)
	assert.True(t, drafts[0].Reset)

	byPanel, err := s.GetDraftByPanel(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, byPanel.ID)

	assert.ErrorIs(t, s.SaveDraft(ctx, &ledger.Draft{PanelID: 999, Timestamp: time.Now()}), ledger.ErrPanelNotFound)

	n, err := s.ClearDrafts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, s.DeleteDraft(ctx, second.ID), ledger.ErrDraftNotFound)
}

// ===== SESSIONS =====

func TestSessions_SingleActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, zone)

	sess := &ledger.Session{Active: true, StartTime: start, Initiator: "ana"}
	require.NoError(t, s.CreateSession(ctx, sess))

	err := s.CreateSession(ctx, &ledger.Session{Active: true, StartTime: start, Initiator: "bob"})
	assert.ErrorIs(t, err, ledger.ErrSessionAlreadyActive)

	active, err := s.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "ana", active.Initiator)
	assert.Nil(t, active.EndTime)

	require.NoError(t, s.CloseSession(ctx, sess.ID, start.Add(time.Hour)))
	active, err = s.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.ErrorIs(t, s.CloseSession(ctx, 999, start), ledger.ErrSessionNotFound)

	require.NoError(t, s.CreateSession(ctx, &ledger.Session{Active: true, StartTime: start, Initiator: "bob"}))
}

// ===== TRANSACTIONS =====

func TestWithTx_ReadsOwnWritesAndRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx ledger.Store) error {
		p := createPanel(t, tx, "P1")
		got, err := tx.GetPanel(ctx, p.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		return boom
	})

	assert.ErrorIs(t, err, boom)
	panels, err := s.ListPanels(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, panels)
}

func TestEngineOnSQLite_RolloverWorkflow(t *testing.T) {
	// GIVEN: The reconciliation engine on a real database
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 9, 0, 0, 0, zone)
	clock := ledger.FixedClock(now)
	rec := ledger.NewReconciler(s, clock, ledger.DefaultAnomalyPolicy(), zerolog.Nop())
	sessions := ledger.NewSessionController(s, clock, zerolog.Nop())
	dock := createPanel(t, s, "Dock A")
	insertReading(t, s, dock.ID, now.AddDate(0, 0, -2), 100, fptr(0))
	insertReading(t, s, dock.ID, now.AddDate(0, 0, -1), 150, fptr(50))
	_, err := sessions.Start(ctx, "")
	require.NoError(t, err)

	// WHEN: A lower value is submitted, confirmed as a reset and consolidated
	res, err := rec.SubmitDraft(ctx, dock.ID, 140)
	require.NoError(t, err)
	require.NotNil(t, res.Inconsistency)
	_, err = rec.ConfirmReset(ctx, dock.ID, 140)
	require.NoError(t, err)
	result, err := rec.Consolidate(ctx, nil)
	require.NoError(t, err)

	// THEN: The ledger holds the reset reading
	assert.Equal(t, 1, result.Consolidated)
	latest, err := s.LatestReading(ctx, dock.ID)
	require.NoError(t, err)
	assert.Equal(t, 140.0, latest.MeterValue)
	assert.Equal(t, 140.0, latest.ConsumptionValue())
	assert.True(t, latest.Reset)
	drafts, err := s.ListDrafts(ctx)
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestEngineOnSQLite_ImportDuplicatesWithinBatch(t *testing.T) {
	s := newTestStore(t)
	im := ledger.NewImporter(s, nil, zone, zerolog.Nop())

	report, err := im.Import(context.Background(), ledger.NewSliceSource([]ledger.RawRow{
		{Line: 2, Date: "01/01/2024", Panel: "P1", Location: "Loc", Value: "1000"},
		{Line: 3, Date: "01/01/2024 18:00:00", Panel: "P1", Location: "Loc", Value: "1010"},
		{Line: 4, Date: "02/01/2024", Panel: "P1", Location: "Loc", Value: "1025"},
	}))

	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 1, report.Duplicates)
	p, err := s.GetPanelByName(context.Background(), "P1")
	require.NoError(t, err)
	readings, err := s.PanelReadings(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 25.0, readings[1].ConsumptionValue())
}

// ===== SQLMOCK =====

func newMockStore(t *testing.T) (*sqlite.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.Open(sqlx.NewDb(db, "sqlite3"), zone), mock
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, active, start_ts, end_ts, initiator FROM sessions WHERE active = 1 LIMIT 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "active", "start_ts", "end_ts", "initiator"}).
			AddRow(int64(7), int64(1), "2024-03-01T11:00:00.000000000Z", nil, "ana"))
	mock.ExpectCommit()

	var got *ledger.Session
	err := s.WithTx(context.Background(), func(tx ledger.Store) error {
		var err error
		got, err = tx.ActiveSession(context.Background())
		return err
	})

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(7), got.ID)
	assert.True(t, got.StartTime.Equal(time.Date(2024, 3, 1, 8, 0, 0, 0, zone)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM drafts`)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(tx ledger.Store) error {
		n, err := tx.ClearDrafts(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return ledger.ErrNoDrafts
	})

	assert.ErrorIs(t, err, ledger.ErrNoDrafts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	called := false
	err := s.WithTx(context.Background(), func(ledger.Store) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "failed to begin transaction")
}
