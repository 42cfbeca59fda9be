package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pu-workbench/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage experiment runs",
	Long:  "Commands for listing, creating, renaming and deleting experiment runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiment runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := newWorkbench()
		runs, err := w.Runs.List(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs create --

var runsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a run with default filter parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")
		w := newWorkbench()
		run, err := w.Runs.Create(cmd.Context(), args[0], desc, nil)
		if err != nil {
			return eris.Wrap(err, "runs create")
		}
		fmt.Fprintf(os.Stdout, "Created run %s (%s)\n", run.ID, run.Name)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		run, err := w.Runs.Get(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs rename --

var runsRenameCmd = &cobra.Command{
	Use:   "rename <run-id> <name>",
	Short: "Rename a run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		run, err := w.Runs.Rename(cmd.Context(), args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "runs rename")
		}
		fmt.Fprintf(os.Stdout, "Renamed run %s to %s\n", run.ID, run.Name)
		return nil
	},
}

// -- runs delete --

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run with its candidates and models",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		if err := w.Runs.Delete(cmd.Context(), args[0]); err != nil {
			return eris.Wrap(err, "runs delete")
		}
		fmt.Fprintf(os.Stdout, "Deleted run %s\n", args[0])
		return nil
	},
}

func init() {
	runsCreateCmd.Flags().String("description", "", "free-text description of the run")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsCreateCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsRenameCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	rootCmd.AddCommand(runsCmd)
}

func formatRunsList(out io.Writer, runs []model.ExperimentRun) {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID,
			truncate(r.Name, 30),
			string(r.Status),
			formatCount(r.CandidateCount),
			formatCount(r.PositiveLabelCount),
			formatCount(r.NegativeLabelCount),
			formatCount(r.RemainingCount()),
			r.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	_, _ = fmt.Fprintln(out, renderTable(
		[]string{"ID", "NAME", "STATUS", "CANDIDATES", "POSITIVE", "NEGATIVE", "UNREVIEWED", "UPDATED"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
}
