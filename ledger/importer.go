/*
importer.go - Bulk import of historical readings

PURPOSE:
  Replays spreadsheet rows into the ledger, creating panels on the fly and
  recomputing consumption with the same rule used for drafts.

PIPELINE (one transaction):
  1. Drop rows missing date, panel or reading (silently, not an error)
  2. Parse the date with the first matching layout, in the configured zone
  3. Parse the reading (must be a non-negative number)
  4. Resolve the panel by name, creating it with the row's location if
     absent; later rows for the same panel never change its location
  5. Skip the row as a duplicate when the panel already has a reading on
     that calendar day. Rows inserted earlier in this batch count: the
     transactional view sees them.
  6. Insert with consumption 0
  7. After the last row, recompute the full history of every touched
     panel, pre-existing readings included

ERRORS:
  Steps 2-3 failures become ImportRowError entries and never abort the
  batch. A store failure aborts and rolls back the whole batch.

ROW NUMBERS:
  RawRow.Line is the row number in the source (1-based, header included),
  so errors point at the spreadsheet row the user sees.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultDateLayouts are tried in order when parsing import dates.
var DefaultDateLayouts = []string{
	"02/01/2006",
	"02/01/2006 15:04:05",
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// RawRow is one unparsed import row.
type RawRow struct {
	Line     int
	Date     string
	Panel    string
	Location string
	Value    string
}

// RowSource yields import rows once. Next returns io.EOF after the last row.
type RowSource interface {
	Next() (RawRow, error)
}

// SliceSource serves rows from memory.
type SliceSource struct {
	rows []RawRow
	pos  int
}

func NewSliceSource(rows []RawRow) *SliceSource {
	return &SliceSource{rows: rows}
}

func (s *SliceSource) Next() (RawRow, error) {
	if s.pos >= len(s.rows) {
		return RawRow{}, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

// ImportReport summarizes an import. Partial success is normal.
type ImportReport struct {
	BatchID       string
	Inserted      int
	Duplicates    int
	PanelsCreated []string
	Errors        []ImportRowError
}

// Importer loads historical rows into the ledger.
type Importer struct {
	Store    TxStore
	Layouts  []string
	Location *time.Location
	Log      zerolog.Logger
}

func NewImporter(store TxStore, layouts []string, loc *time.Location, log zerolog.Logger) *Importer {
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	if loc == nil {
		loc = time.Local
	}
	return &Importer{Store: store, Layouts: layouts, Location: loc, Log: log}
}

// Import consumes src and commits every valid row in one transaction.
func (im *Importer) Import(ctx context.Context, src RowSource) (ImportReport, error) {
	batchID := uuid.NewString()
	log := im.Log.With().Str("batch_id", batchID).Logger()

	var report ImportReport
	err := im.Store.WithTx(ctx, func(s Store) error {
		report = ImportReport{BatchID: batchID, PanelsCreated: []string{}, Errors: []ImportRowError{}}
		panels := make(map[string]*Panel)
		touched := make(map[int64]bool)

		for {
			raw, err := src.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return fmt.Errorf("read import row: %w", err)
			}
			if isIncomplete(raw) {
				continue
			}

			ts, value, rowErr := im.parseRow(raw)
			if rowErr != nil {
				report.Errors = append(report.Errors, *rowErr)
				continue
			}

			panel, created, err := resolvePanel(ctx, s, panels, raw)
			if err != nil {
				return err
			}
			if created {
				report.PanelsCreated = append(report.PanelsCreated, panel.Name)
			}

			existing, err := s.ReadingOnDay(ctx, panel.ID, DayOf(ts))
			if err != nil {
				return err
			}
			if existing != nil {
				report.Duplicates++
				continue
			}

			reading := &Reading{
				PanelID:     panel.ID,
				Timestamp:   ts,
				MeterValue:  value,
				Consumption: float64Ptr(0),
			}
			if err := s.InsertReading(ctx, reading); err != nil {
				return fmt.Errorf("insert row %d: %w", raw.Line, err)
			}
			report.Inserted++
			touched[panel.ID] = true
		}

		ids := make([]int64, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if _, err := RecomputePanel(ctx, s, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		err = internal("import", err)
		log.Error().Err(err).Msg("import rolled back")
		return ImportReport{}, err
	}

	log.Info().
		Int("inserted", report.Inserted).
		Int("duplicates", report.Duplicates).
		Int("panels_created", len(report.PanelsCreated)).
		Int("row_errors", len(report.Errors)).
		Msg("import committed")
	return report, nil
}

func isIncomplete(raw RawRow) bool {
	return strings.TrimSpace(raw.Date) == "" ||
		strings.TrimSpace(raw.Panel) == "" ||
		strings.TrimSpace(raw.Value) == ""
}

func (im *Importer) parseRow(raw RawRow) (time.Time, float64, *ImportRowError) {
	ts, err := im.ParseDate(raw.Date)
	if err != nil {
		return time.Time{}, 0, &ImportRowError{Row: raw.Line, Message: err.Error()}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw.Value), 64)
	if err != nil {
		return time.Time{}, 0, &ImportRowError{Row: raw.Line, Message: fmt.Sprintf("invalid reading value %q", raw.Value)}
	}
	if err := validateMeterValue(value); err != nil {
		return time.Time{}, 0, &ImportRowError{Row: raw.Line, Message: err.Error()}
	}
	return ts, value, nil
}

// ParseDate tries each layout in order, in the importer's location.
func (im *Importer) ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range im.Layouts {
		if t, err := time.ParseInLocation(layout, s, im.Location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date format: %s", s)
}

func resolvePanel(ctx context.Context, s PanelStore, cache map[string]*Panel, raw RawRow) (*Panel, bool, error) {
	name := strings.TrimSpace(raw.Panel)
	if p, ok := cache[name]; ok {
		return p, false, nil
	}
	p, err := s.GetPanelByName(ctx, name)
	if err != nil {
		return nil, false, err
	}
	created := false
	if p == nil {
		p = &Panel{Name: name, Location: strings.TrimSpace(raw.Location), Active: true}
		if err := s.CreatePanel(ctx, p); err != nil {
			return nil, false, fmt.Errorf("create panel %q: %w", name, err)
		}
		created = true
	}
	cache[name] = p
	return p, created, nil
}
