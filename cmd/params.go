package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pu-workbench/internal/params"
)

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Edit a run's filter parameters",
	Long: "Edits are kept as a local draft until saved or submitted. The diff " +
		"compares the draft against the parameters of the last save or commit.",
}

var paramsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the current parameter values",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		st, err := w.Params(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "params show")
		}
		p := st.Get()
		changed := make(map[string]bool)
		for _, c := range st.Diff() {
			changed[c.Field] = true
		}
		rows := make([][]string, 0, len(params.Fields()))
		for _, name := range params.Fields() {
			v, err := params.Value(p, name)
			if err != nil {
				return err
			}
			mark := ""
			if changed[name] {
				mark = "*"
			}
			rows = append(rows, []string{name, params.Label(name), params.FormatValue(v), mark})
		}
		fmt.Fprintln(os.Stdout, renderTable([]string{"FIELD", "LABEL", "VALUE", "EDITED"}, rows, nil))
		return nil
	},
}

var paramsSetCmd = &cobra.Command{
	Use:   "set <run-id> <field> <value>",
	Short: "Set one parameter in the draft",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		diff, err := w.SetParam(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return eris.Wrap(err, "params set")
		}
		formatDiff(os.Stdout, diff)
		return nil
	},
}

var paramsDiffCmd = &cobra.Command{
	Use:   "diff <run-id>",
	Short: "Show unsaved parameter edits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		st, err := w.Params(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "params diff")
		}
		formatDiff(os.Stdout, st.Diff())
		return nil
	},
}

var paramsSaveCmd = &cobra.Command{
	Use:   "save <run-id>",
	Short: "Save the draft as the run's parameters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		run, err := w.SaveParams(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "params save")
		}
		fmt.Fprintf(os.Stdout, "Saved parameters of %s\n", run.ID)
		return nil
	},
}

var paramsResetCmd = &cobra.Command{
	Use:   "reset <run-id>",
	Short: "Discard the draft",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		if err := w.ResetParams(cmd.Context(), args[0]); err != nil {
			return eris.Wrap(err, "params reset")
		}
		fmt.Fprintln(os.Stdout, "Draft discarded.")
		return nil
	},
}

func init() {
	paramsCmd.AddCommand(paramsShowCmd)
	paramsCmd.AddCommand(paramsSetCmd)
	paramsCmd.AddCommand(paramsDiffCmd)
	paramsCmd.AddCommand(paramsSaveCmd)
	paramsCmd.AddCommand(paramsResetCmd)
	rootCmd.AddCommand(paramsCmd)
}

func formatDiff(out io.Writer, diff []params.Change) {
	if len(diff) == 0 {
		_, _ = fmt.Fprintln(out, "No unsaved changes.")
		return
	}
	rows := make([][]string, 0, len(diff))
	for _, c := range diff {
		rows = append(rows, []string{c.Label, params.FormatValue(c.From), params.FormatValue(c.To)})
	}
	_, _ = fmt.Fprintln(out, renderTable([]string{"PARAMETER", "SAVED", "DRAFT"}, rows, nil))
}
