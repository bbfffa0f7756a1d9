package spreadsheet

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	ReadingsSheet     = "Readings"
	InstructionsSheet = "Instructions"

	// ContentType is the MIME type of an .xlsx workbook.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	// TemplateFilename is the suggested download name of the template.
	TemplateFilename = "reading_import_template.xlsx"
)

var templateSamples = [][]any{
	{"01/01/2024", "Warehouse A", "Production Floor", 1000.50},
	{"02/01/2024", "Warehouse A", "Production Floor", 1025.75},
	{"03/01/2024", "Office", "Administrative Building", 500.00},
}

var templateInstructions = []string{
	`1. "Date" must be DD/MM/YYYY or DD/MM/YYYY HH:MM:SS (YYYY-MM-DD also accepted)`,
	`2. "Panel" is the panel name; unknown panels are created automatically`,
	`3. "Location" is used only when the panel is created`,
	`4. "Reading" is the cumulative meter value in kWh`,
	`5. Consumption is computed from the difference between consecutive readings`,
	`6. A second reading for the same panel on the same day is ignored as a duplicate`,
	`7. A reading lower than the previous one is recorded as a meter reset`,
	`8. Rows without date, panel or reading are skipped`,
}

// WriteTemplate writes an import template workbook to w.
func WriteTemplate(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ReadingsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	header := make([]any, len(RequiredColumns))
	for i, c := range RequiredColumns {
		header[i] = string(c)
	}
	if err := f.SetSheetRow(ReadingsSheet, "A1", &header); err != nil {
		return err
	}
	for i, sample := range templateSamples {
		row := sample
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(ReadingsSheet, cell, &row); err != nil {
			return err
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(ReadingsSheet, "A1", "D1", bold); err != nil {
		return err
	}
	if err := f.SetColWidth(ReadingsSheet, "A", "D", 22); err != nil {
		return err
	}

	if _, err := f.NewSheet(InstructionsSheet); err != nil {
		return err
	}
	if err := f.SetCellValue(InstructionsSheet, "A1", "Import instructions"); err != nil {
		return err
	}
	if err := f.SetCellStyle(InstructionsSheet, "A1", "A1", bold); err != nil {
		return err
	}
	for i, line := range templateInstructions {
		if err := f.SetCellValue(InstructionsSheet, fmt.Sprintf("A%d", i+2), line); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(InstructionsSheet, "A", "A", 90); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	return f.Write(w)
}
