package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/meter-ledger/ledger"
	"github.com/warp/meter-ledger/spreadsheet"
)

func importCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.xlsx>",
		Short: "Import historical readings from a workbook",
		Long: `Imports every row of the first worksheet in one transaction and prints
the import report as JSON. Existing readings on the same panel and day
are kept; the file's rows for those days are counted as duplicates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			src, err := spreadsheet.NewReader(f)
			if err != nil {
				return err
			}
			defer src.Close()

			importer := ledger.NewImporter(a.store, a.cfg.Import.DateLayouts, a.cfg.Location, a.log)
			report, err := importer.Import(cmd.Context(), src)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func templateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "template <out.xlsx>",
		Short: "Write the import template workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			if err := spreadsheet.WriteTemplate(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "template written to %s\n", args[0])
			return nil
		},
	}
}
