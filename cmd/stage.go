package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pu-workbench/internal/stagegate"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Inspect pipeline stage access and complete runs",
}

var stageStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show which stages a run may enter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		flags, err := w.Gate.Check(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "stage status")
		}
		if want, _ := cmd.Flags().GetString("enter"); want != "" {
			s, err := stagegate.ParseStage(want)
			if err != nil {
				return err
			}
			if !flags.CanEnter(s) {
				return eris.Errorf("stage %s is locked for run %s", s, args[0])
			}
		}
		formatStages(os.Stdout, flags)
		return nil
	},
}

var stageCompleteCmd = &cobra.Command{
	Use:   "complete <run-id>",
	Short: "Mark a fully labeled run as completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		run, err := w.Gate.MarkComplete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Run %s completed: %s positive, %s normal.\n",
			run.ID, formatCount(run.PositiveLabelCount), formatCount(run.NegativeLabelCount))
		return nil
	},
}

func init() {
	stageStatusCmd.Flags().String("enter", "", "fail unless this stage (name or number) is unlocked")

	stageCmd.AddCommand(stageStatusCmd)
	stageCmd.AddCommand(stageCompleteCmd)
	rootCmd.AddCommand(stageCmd)
}

func formatStages(out io.Writer, flags stagegate.Flags) {
	highest := flags.Highest()
	rows := make([][]string, 0, len(stagegate.Stages()))
	for _, s := range stagegate.Stages() {
		state := "locked"
		if flags.CanEnter(s) {
			state = "open"
		}
		mark := ""
		if s == highest {
			mark = "<"
		}
		rows = append(rows, []string{fmt.Sprintf("%d", int(s)), s.String(), state, mark})
	}
	_, _ = fmt.Fprintln(out, renderTable([]string{"#", "STAGE", "ACCESS", ""}, rows, nil))
}
