package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// testZone is deliberately west of UTC so late-evening timestamps fall on
// a different UTC day than their local day.
var testZone = time.FixedZone("UTC-3", -3*60*60)

func at(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, testZone)
}

// testClock is a settable clock.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Set(t time.Time) { c.now = t }

type fixture struct {
	store    *store.TxMemory
	clock    *testClock
	sessions *ledger.SessionController
	rec      *ledger.Reconciler
	panels   *ledger.Panels
	reports  *ledger.Reports
	importer *ledger.Importer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewTxMemory()
	clock := &testClock{now: at(2024, time.March, 10, 9)}
	log := zerolog.Nop()
	policy := ledger.DefaultAnomalyPolicy()
	return &fixture{
		store:    s,
		clock:    clock,
		sessions: ledger.NewSessionController(s, clock, log),
		rec:      ledger.NewReconciler(s, clock, policy, log),
		panels:   ledger.NewPanels(s, log),
		reports:  ledger.NewReports(s, clock, policy),
		importer: ledger.NewImporter(s, nil, testZone, log),
	}
}

func (f *fixture) panel(t *testing.T, name string) ledger.Panel {
	t.Helper()
	p, err := f.panels.Create(context.Background(), name, "Building "+name)
	require.NoError(t, err)
	return *p
}

// reading appends a ledger reading directly, bypassing drafts.
func (f *fixture) reading(t *testing.T, panelID int64, ts time.Time, value, consumption float64) ledger.Reading {
	t.Helper()
	r := &ledger.Reading{PanelID: panelID, Timestamp: ts, MeterValue: value, Consumption: &consumption}
	require.NoError(t, f.store.InsertReading(context.Background(), r))
	return *r
}

func (f *fixture) openSession(t *testing.T) {
	t.Helper()
	_, err := f.sessions.Start(context.Background(), "tester")
	require.NoError(t, err)
}

func (f *fixture) drafts(t *testing.T) []ledger.Draft {
	t.Helper()
	drafts, err := f.store.ListDrafts(context.Background())
	require.NoError(t, err)
	return drafts
}

func (f *fixture) ledgerOf(t *testing.T, panelID int64) []ledger.Reading {
	t.Helper()
	readings, err := f.store.PanelReadings(context.Background(), panelID)
	require.NoError(t, err)
	return readings
}

func ptr(v float64) *float64 { return &v }
