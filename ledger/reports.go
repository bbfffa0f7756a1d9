/*
reports.go - Read-only views over the ledger

PURPOSE:
  Dashboard and analysis summaries. Nothing here writes; every figure is
  derived from committed readings plus the draft count.

DASHBOARD:
  today total   = sum of consumption of readings on today's calendar day
  daily average = sum of consumption in the trailing window / window days
                  (days without readings count as zero)
  panel status  = OK when the panel has a ledger reading today,
                  Pending otherwise

ANALYSIS:
  Readings in [From, To] (whole days) ordered by time, plus a per-day
  per-panel consumption series and per-day totals for charting.
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RecentReadingsLimit is how many readings RecentReadings returns.
const RecentReadingsLimit = 50

// Reports computes dashboard and analysis views.
type Reports struct {
	Store  Store
	Clock  Clock
	Policy AnomalyPolicy
}

func NewReports(store Store, clock Clock, policy AnomalyPolicy) *Reports {
	return &Reports{Store: store, Clock: clock, Policy: policy}
}

// PanelStatus labels whether a panel was read today.
type PanelStatus string

const (
	StatusOK      PanelStatus = "OK"
	StatusPending PanelStatus = "Pending"
)

// PanelSummary is one dashboard row.
type PanelSummary struct {
	Panel            Panel
	CurrentValue     float64
	TodayConsumption float64
	Status           PanelStatus
	// LastReadingAt is nil when the panel was never read.
	LastReadingAt *time.Time
	Reset         bool
}

// Dashboard is the supervisor's overview.
type Dashboard struct {
	Day              string
	TodayConsumption float64
	DailyAverage     float64
	WindowDays       int
	PendingDrafts    int
	Panels           []PanelSummary
}

// Dashboard summarizes today's collection against the trailing window.
func (r *Reports) Dashboard(ctx context.Context) (Dashboard, error) {
	now := r.Clock.Now()
	dash := Dashboard{Day: DayOf(now), WindowDays: r.Policy.WindowDays}

	today, err := r.Store.ReadingsInRange(ctx, ReadingFilter{From: StartOfDay(now), To: EndOfDay(now)})
	if err != nil {
		return Dashboard{}, internal("dashboard", err)
	}
	dash.TodayConsumption = sumConsumption(today)

	window, err := r.Store.ReadingsInRange(ctx, ReadingFilter{From: r.Policy.WindowStart(now)})
	if err != nil {
		return Dashboard{}, internal("dashboard", err)
	}
	if r.Policy.WindowDays > 0 {
		dash.DailyAverage = decimal.NewFromFloat(sumConsumption(window)).
			Div(decimal.NewFromInt(int64(r.Policy.WindowDays))).
			Round(2).
			InexactFloat64()
	}

	drafts, err := r.Store.ListDrafts(ctx)
	if err != nil {
		return Dashboard{}, internal("dashboard", err)
	}
	dash.PendingDrafts = len(drafts)

	panels, err := r.Store.ListPanels(ctx, true)
	if err != nil {
		return Dashboard{}, internal("dashboard", err)
	}
	todayByPanel := make(map[int64][]Reading)
	for _, rd := range today {
		todayByPanel[rd.PanelID] = append(todayByPanel[rd.PanelID], rd)
	}

	dash.Panels = make([]PanelSummary, 0, len(panels))
	for _, p := range panels {
		summary := PanelSummary{Panel: p, Status: StatusPending}
		latest, err := r.Store.LatestReading(ctx, p.ID)
		if err != nil {
			return Dashboard{}, internal("dashboard", err)
		}
		if latest != nil {
			ts := latest.Timestamp
			summary.CurrentValue = latest.MeterValue
			summary.LastReadingAt = &ts
			summary.Reset = latest.Reset
		}
		if last := lastOf(todayByPanel[p.ID]); last != nil {
			summary.Status = StatusOK
			summary.TodayConsumption = last.ConsumptionValue()
		}
		dash.Panels = append(dash.Panels, summary)
	}
	return dash, nil
}

// RecentReadings returns the latest ledger readings across panels, newest
// first.
func (r *Reports) RecentReadings(ctx context.Context) ([]Reading, error) {
	readings, err := r.Store.RecentReadings(ctx, RecentReadingsLimit)
	if err != nil {
		return nil, internal("recent readings", err)
	}
	return readings, nil
}

// AnalysisFilter narrows an analysis. Zero values mean unbounded; From and
// To are widened to whole days.
type AnalysisFilter struct {
	From    time.Time
	To      time.Time
	PanelID int64
}

// AnalysisRow is one ledger reading with its panel details.
type AnalysisRow struct {
	Reading       Reading
	PanelName     string
	PanelLocation string
}

// PanelSeries is one panel's consumption per day, aligned with
// Analysis.Days.
type PanelSeries struct {
	PanelID   int64
	PanelName string
	Values    []float64
}

// Analysis is a filtered slice of the ledger.
type Analysis struct {
	Rows   []AnalysisRow
	Days   []string
	Series []PanelSeries
	Totals []float64
}

// Analyze returns the readings matching filter and their daily aggregates.
func (r *Reports) Analyze(ctx context.Context, filter AnalysisFilter) (Analysis, error) {
	rf := ReadingFilter{PanelID: filter.PanelID}
	if !filter.From.IsZero() {
		rf.From = StartOfDay(filter.From)
	}
	if !filter.To.IsZero() {
		rf.To = EndOfDay(filter.To)
	}
	if !rf.From.IsZero() && !rf.To.IsZero() && rf.To.Before(rf.From) {
		return Analysis{}, &ValidationError{Field: "to", Message: "must not be before from"}
	}

	readings, err := r.Store.ReadingsInRange(ctx, rf)
	if err != nil {
		return Analysis{}, internal("analyze", err)
	}
	panels, err := r.Store.ListPanels(ctx, false)
	if err != nil {
		return Analysis{}, internal("analyze", err)
	}
	byID := make(map[int64]Panel, len(panels))
	for _, p := range panels {
		byID[p.ID] = p
	}

	out := Analysis{Rows: make([]AnalysisRow, 0, len(readings))}
	perDay := make(map[string]map[int64]decimal.Decimal)
	var order []int64
	seen := make(map[int64]bool)

	for _, rd := range readings {
		p := byID[rd.PanelID]
		out.Rows = append(out.Rows, AnalysisRow{Reading: rd, PanelName: p.Name, PanelLocation: p.Location})

		day := rd.Day()
		if perDay[day] == nil {
			perDay[day] = make(map[int64]decimal.Decimal)
			out.Days = append(out.Days, day)
		}
		perDay[day][rd.PanelID] = perDay[day][rd.PanelID].Add(decimal.NewFromFloat(rd.ConsumptionValue()))
		if !seen[rd.PanelID] {
			seen[rd.PanelID] = true
			order = append(order, rd.PanelID)
		}
	}
	sort.Strings(out.Days)

	for _, id := range order {
		series := PanelSeries{PanelID: id, PanelName: byID[id].Name, Values: make([]float64, len(out.Days))}
		for i, day := range out.Days {
			series.Values[i] = perDay[day][id].Round(2).InexactFloat64()
		}
		out.Series = append(out.Series, series)
	}
	out.Totals = make([]float64, len(out.Days))
	for i, day := range out.Days {
		total := decimal.Zero
		for _, v := range perDay[day] {
			total = total.Add(v)
		}
		out.Totals[i] = total.Round(2).InexactFloat64()
	}
	return out, nil
}

func sumConsumption(readings []Reading) float64 {
	sum := decimal.Zero
	for _, r := range readings {
		if r.Consumption != nil {
			sum = sum.Add(decimal.NewFromFloat(*r.Consumption))
		}
	}
	return sum.InexactFloat64()
}

// lastOf returns a pointer to the last element, or nil.
func lastOf(readings []Reading) *Reading {
	if len(readings) == 0 {
		return nil
	}
	r := readings[len(readings)-1]
	return &r
}
