/*
types.go - Core domain types for the meter ledger

PURPOSE:
  Defines the four records the reconciliation workflow operates on:
  Panel, Reading, Draft and Session. These are plain values; all behavior
  lives in the engine types (Reconciler, SessionController, Importer).

RECORDS:
  Panel:   A physical meter / measurement point ("quadro").
  Reading: A finalized meter observation in the ledger.
  Draft:   A provisional reading staged during a collection session.
  Session: The global gate that decides whether drafts are accepted.

CALENDAR DAYS:
  Conflict and duplicate detection compare calendar days, not timestamps.
  The day of a record is the date portion of its timestamp in the
  timestamp's own location (see DayOf). Timestamps are produced by the
  Clock in the configured time zone, so the day is the local day.

SEE ALSO:
  - store.go: Persistence interfaces for these records
  - consumption.go: The delta/reset rule applied to Readings
*/
package ledger

import "time"

// DayLayout is the layout of calendar-day keys.
const DayLayout = "2006-01-02"

// DayOf returns the calendar day of t in t's own location.
func DayOf(t time.Time) string {
	return t.Format(DayLayout)
}

// StartOfDay returns midnight of t's day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last nanosecond of t's day in t's location.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// Panel is a physical meter.
type Panel struct {
	ID       int64
	Name     string
	Location string
	Active   bool
}

// Reading is a ledger-committed meter observation.
//
// Consumption is nil for readings whose consumption was never computed.
// Reset marks a rollover: the meter value decreased relative to the
// previous reading, so Consumption equals MeterValue.
type Reading struct {
	ID          int64
	PanelID     int64
	Timestamp   time.Time
	MeterValue  float64
	Consumption *float64
	Reset       bool
}

// Day returns the reading's calendar day.
func (r Reading) Day() string {
	return DayOf(r.Timestamp)
}

// ConsumptionValue returns the consumption or 0 when it is unknown.
func (r Reading) ConsumptionValue() float64 {
	if r.Consumption == nil {
		return 0
	}
	return *r.Consumption
}

// Draft is a provisional reading. There is at most one per panel.
type Draft struct {
	ID                     int64
	PanelID                int64
	Timestamp              time.Time
	MeterValue             float64
	ProvisionalConsumption float64
	Reset                  bool
}

// Day returns the draft's calendar day.
func (d Draft) Day() string {
	return DayOf(d.Timestamp)
}

// Session is a collection window. At most one session is active.
type Session struct {
	ID        int64
	Active    bool
	StartTime time.Time
	EndTime   *time.Time
	Initiator string
}

// DefaultInitiator is recorded when a session is started anonymously.
const DefaultInitiator = "Supervisor"

func float64Ptr(v float64) *float64 {
	return &v
}
