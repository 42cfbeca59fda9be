package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/pu-workbench/internal/jobs"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/workbench"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate anomaly candidates for a run",
	Long: "Submits the run's current parameters to the lab backend and follows the " +
		"generation task to completion. Interrupting stops following the task; " +
		"the backend keeps running it.",
}

var generatePreviewCmd = &cobra.Command{
	Use:   "preview <run-id>",
	Short: "Count candidates for the current parameters without storing them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd.Context(), args[0], model.GenerationPreview)
	},
}

var generateCommitCmd = &cobra.Command{
	Use:   "commit <run-id>",
	Short: "Replace the run's candidates and open it for labeling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGenerate(cmd.Context(), args[0], model.GenerationCommit)
	},
}

func init() {
	generateCmd.AddCommand(generatePreviewCmd)
	generateCmd.AddCommand(generateCommitCmd)
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(ctx context.Context, runID string, mode model.GenerationMode) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := newWorkbench()

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		renderProgress(os.Stderr, w.Watch(watchCtx, runID), isTerminal(os.Stderr))
	}()

	out, err := w.Generate(ctx, runID, mode)
	cancelWatch()
	<-rendered

	if out != nil {
		formatOutcome(os.Stdout, out)
	}
	return err
}

// renderProgress prints job progress. A terminal gets one line redrawn in
// place; anything else gets a line per state change.
func renderProgress(out io.Writer, views <-chan workbench.View, tty bool) {
	var last model.JobState
	drawn := false
	for v := range views {
		if v.Job == nil {
			continue
		}
		job := *v.Job
		line := fmt.Sprintf("%s %s: %s (attempt %d/%d, %s)",
			job.Mode, job.RunID, job.State, job.Attempts, job.MaxAttempts,
			job.Elapsed(time.Now()).Round(100*time.Millisecond))
		switch {
		case tty:
			_, _ = fmt.Fprintf(out, "\r\033[K%s", line)
			drawn = true
		case job.State != last:
			_, _ = fmt.Fprintln(out, line)
		}
		last = job.State
	}
	if drawn {
		_, _ = fmt.Fprintln(out)
	}
}

func formatOutcome(out io.Writer, o *jobs.Outcome) {
	p := o.Progress
	switch p.State {
	case model.JobAbandoned:
		_, _ = fmt.Fprintf(out, "Stopped following task %s; the backend may still complete it.\n", p.TaskID)
		return
	case model.JobTimedOut:
		_, _ = fmt.Fprintf(out, "Task %s did not finish after %d checks.\n", p.TaskID, p.Attempts)
		return
	case model.JobFailed:
		_, _ = fmt.Fprintf(out, "Generation failed: %s\n", p.Err)
		return
	}

	if r := p.Result; r != nil {
		_, _ = fmt.Fprintf(out, "%s candidates from a data pool of %s.\n",
			formatCount(r.CandidateCount), formatCount(r.TotalDataPoolSize))
	}
	if p.Mode == model.GenerationCommit && o.Run != nil {
		_, _ = fmt.Fprintf(out, "Run %s is %s with %s candidates to review.\n",
			o.Run.ID, o.Run.Status, formatCount(o.Run.RemainingCount()))
	}
}
