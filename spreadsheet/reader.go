/*
reader.go - xlsx row source for the bulk importer

PURPOSE:
  Reads the first worksheet of an .xlsx workbook and yields ledger.RawRow
  values. Parsing of dates and values is left to ledger.Importer; this
  layer only locates the columns and normalizes cell text.

HEADER:
  The first row names the columns. Matching ignores case, surrounding
  whitespace and accents, and accepts English or Portuguese names:

    date     | data
    panel    | quadro
    location | localizacao
    reading  | leitura

  A workbook missing any of the four is rejected before import.

DATES:
  Cells are read raw. A date cell stores an Excel serial number, which is
  converted to wall-clock text ("2006-01-02 15:04:05") so the importer
  interprets it in its own time zone. Text dates pass through untouched.
*/
package spreadsheet

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/warp/meter-ledger/ledger"
)

// Column identifies one of the required import columns.
type Column string

const (
	ColumnDate     Column = "Date"
	ColumnPanel    Column = "Panel"
	ColumnLocation Column = "Location"
	ColumnReading  Column = "Reading"
)

// RequiredColumns lists the import columns in template order.
var RequiredColumns = []Column{ColumnDate, ColumnPanel, ColumnLocation, ColumnReading}

var headerAliases = map[string]Column{
	"date":        ColumnDate,
	"data":        ColumnDate,
	"panel":       ColumnPanel,
	"quadro":      ColumnPanel,
	"location":    ColumnLocation,
	"localizacao": ColumnLocation,
	"reading":     ColumnReading,
	"leitura":     ColumnReading,
}

var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "ô", "o", "õ", "o",
	"ú", "u",
	"ç", "c",
)

// MissingColumnsError reports required columns absent from the header.
type MissingColumnsError struct {
	Missing []Column
}

func (e *MissingColumnsError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = string(c)
	}
	return "missing required columns: " + strings.Join(names, ", ")
}

func (e *MissingColumnsError) Unwrap() error {
	return ledger.ErrValidation
}

// ErrUnreadableWorkbook wraps failures to open or parse the file.
var ErrUnreadableWorkbook = fmt.Errorf("%w: unreadable workbook", ledger.ErrValidation)

// Reader yields import rows from a workbook. It implements ledger.RowSource.
type Reader struct {
	file    *excelize.File
	rows    *excelize.Rows
	columns map[Column]int
	line    int
}

// NewReader opens the workbook in r and reads its header row. The caller
// must Close the reader.
func NewReader(r io.Reader) (*Reader, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableWorkbook, err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrUnreadableWorkbook)
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnreadableWorkbook, err)
	}

	rd := &Reader{file: f, rows: rows}
	if err := rd.readHeader(); err != nil {
		rd.Close()
		return nil, err
	}
	return rd, nil
}

func (rd *Reader) readHeader() error {
	if !rd.rows.Next() {
		if err := rd.rows.Error(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnreadableWorkbook, err)
		}
		return &MissingColumnsError{Missing: RequiredColumns}
	}
	rd.line = 1
	header, err := rd.rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreadableWorkbook, err)
	}

	rd.columns = make(map[Column]int, len(RequiredColumns))
	for i, h := range header {
		if col, ok := headerAliases[normalizeHeader(h)]; ok {
			if _, seen := rd.columns[col]; !seen {
				rd.columns[col] = i
			}
		}
	}
	var missing []Column
	for _, c := range RequiredColumns {
		if _, ok := rd.columns[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &MissingColumnsError{Missing: missing}
	}
	return nil
}

// Next returns the next data row, or io.EOF after the last one.
func (rd *Reader) Next() (ledger.RawRow, error) {
	if !rd.rows.Next() {
		if err := rd.rows.Error(); err != nil {
			return ledger.RawRow{}, err
		}
		return ledger.RawRow{}, io.EOF
	}
	rd.line++
	cells, err := rd.rows.Columns(excelize.Options{RawCellValue: true})
	if err != nil {
		return ledger.RawRow{}, err
	}
	return ledger.RawRow{
		Line:     rd.line,
		Date:     dateCell(rd.cell(cells, ColumnDate)),
		Panel:    rd.cell(cells, ColumnPanel),
		Location: rd.cell(cells, ColumnLocation),
		Value:    rd.cell(cells, ColumnReading),
	}, nil
}

// Close releases the workbook.
func (rd *Reader) Close() error {
	var errs []error
	if rd.rows != nil {
		errs = append(errs, rd.rows.Close())
	}
	errs = append(errs, rd.file.Close())
	return errors.Join(errs...)
}

func (rd *Reader) cell(cells []string, c Column) string {
	i := rd.columns[c]
	if i >= len(cells) {
		return ""
	}
	return strings.TrimSpace(cells[i])
}

// dateCell converts an Excel serial number to wall-clock text.
func dateCell(v string) string {
	serial, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return v
	}
	return t.Format("2006-01-02 15:04:05")
}

func normalizeHeader(h string) string {
	return accentFolder.Replace(strings.ToLower(strings.TrimSpace(h)))
}
