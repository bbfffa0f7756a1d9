package spreadsheet_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/ledger/store"
	"github.com/warp/meter-ledger/spreadsheet"
)

// workbook builds an in-memory xlsx whose first sheet holds rows.
func workbook(t *testing.T, rows ...[]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		r := row
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &r))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return &buf
}

func readAll(t *testing.T, rd *spreadsheet.Reader) []ledger.RawRow {
	t.Helper()
	var out []ledger.RawRow
	for {
		row, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, row)
	}
}

func TestReader_MapsColumnsByHeader(t *testing.T) {
	// GIVEN: Portuguese headers in a different order, one date cell and one text date
	buf := workbook(t,
		[]any{" Leitura ", "DATA", "Quadro", "Localização"},
		[]any{1000.5, "01/01/2024", "P1", "Loc"},
		[]any{1025, time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC), " P1 ", "Loc"},
		[]any{7, "03/01/2024"},
	)

	// WHEN: Reading
	rd, err := spreadsheet.NewReader(buf)
	require.NoError(t, err)
	defer rd.Close()
	rows := readAll(t, rd)

	// THEN: Cells land in the right fields with spreadsheet line numbers
	require.Len(t, rows, 3)
	assert.Equal(t, ledger.RawRow{Line: 2, Date: "01/01/2024", Panel: "P1", Location: "Loc", Value: "1000.5"}, rows[0])
	assert.Equal(t, ledger.RawRow{Line: 3, Date: "2024-01-02 00:00:00", Panel: "P1", Location: "Loc", Value: "1025"}, rows[1])
	assert.Equal(t, ledger.RawRow{Line: 4, Date: "03/01/2024", Value: "7"}, rows[2])
}

func TestReader_MissingColumns(t *testing.T) {
	buf := workbook(t, []any{"Date", "Panel", "Comment"})

	_, err := spreadsheet.NewReader(buf)

	var missing *spreadsheet.MissingColumnsError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []spreadsheet.Column{spreadsheet.ColumnLocation, spreadsheet.ColumnReading}, missing.Missing)
	assert.ErrorIs(t, err, ledger.ErrValidation)
	assert.EqualError(t, err, "missing required columns: Location, Reading")
}

func TestReader_EmptySheet(t *testing.T) {
	buf := workbook(t)

	_, err := spreadsheet.NewReader(buf)

	var missing *spreadsheet.MissingColumnsError
	require.ErrorAs(t, err, &missing)
	assert.Len(t, missing.Missing, 4)
}

func TestReader_NotAWorkbook(t *testing.T) {
	_, err := spreadsheet.NewReader(strings.NewReader("date,panel,location,reading\n"))

	assert.ErrorIs(t, err, spreadsheet.ErrUnreadableWorkbook)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestTemplate_ImportsCleanly(t *testing.T) {
	// GIVEN: The downloadable template
	var buf bytes.Buffer
	require.NoError(t, spreadsheet.WriteTemplate(&buf))

	// WHEN: Importing it unchanged
	rd, err := spreadsheet.NewReader(&buf)
	require.NoError(t, err)
	defer rd.Close()
	s := store.NewTxMemory()
	im := ledger.NewImporter(s, nil, time.UTC, zerolog.Nop())
	report, err := im.Import(context.Background(), rd)

	// THEN: Every sample row is accepted
	require.NoError(t, err)
	assert.Equal(t, 3, report.Inserted)
	assert.Empty(t, report.Errors)
	assert.ElementsMatch(t, []string{"Warehouse A", "Office"}, report.PanelsCreated)

	wh, err := s.GetPanelByName(context.Background(), "Warehouse A")
	require.NoError(t, err)
	readings, err := s.PanelReadings(context.Background(), wh.ID)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, 25.25, readings[1].ConsumptionValue())
}

func TestTemplate_HasInstructionsSheet(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, spreadsheet.WriteTemplate(&buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{spreadsheet.ReadingsSheet, spreadsheet.InstructionsSheet}, f.GetSheetList())
	title, err := f.GetCellValue(spreadsheet.InstructionsSheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Import instructions", title)
}
