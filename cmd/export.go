package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pu-workbench/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export labeled candidates",
}

var exportXLSXCmd = &cobra.Command{
	Use:   "xlsx <run-id>",
	Short: "Write a run's labeled candidates to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		unreviewed, _ := cmd.Flags().GetBool("include-unreviewed")
		if out == "" {
			out = args[0] + ".xlsx"
		}

		sum, err := export.New(newClient()).Save(cmd.Context(), args[0], out, export.Options{IncludeUnreviewed: unreviewed})
		if err != nil {
			return eris.Wrap(err, "export xlsx")
		}

		names := make([]string, 0, len(sum.Sheets))
		for name := range sum.Sheets {
			names = append(names, name)
		}
		sort.Strings(names)
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			rows = append(rows, []string{name, formatCount(sum.Sheets[name])})
		}
		fmt.Fprintln(os.Stdout, renderTable([]string{"SHEET", "ROWS"}, rows, []columnAlignment{alignLeft, alignRight}))
		fmt.Fprintf(os.Stdout, "Wrote %s\n", out)
		return nil
	},
}

func init() {
	exportXLSXCmd.Flags().String("out", "", "output path (default <run-id>.xlsx)")
	exportXLSXCmd.Flags().Bool("include-unreviewed", false, "add a sheet of unreviewed candidates")

	exportCmd.AddCommand(exportXLSXCmd)
	rootCmd.AddCommand(exportCmd)
}
