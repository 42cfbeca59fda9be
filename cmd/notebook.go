package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pu-workbench/internal/notebook"
	"github.com/sells-group/pu-workbench/pkg/notion"
)

var notebookCmd = &cobra.Command{
	Use:   "notebook",
	Short: "Publish run summaries to the Notion lab notebook",
}

var notebookPublishCmd = &cobra.Command{
	Use:   "publish [run-id]",
	Short: "Create or update the notebook page of a run, or of every run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("notebook"); err != nil {
			return err
		}
		nc := notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))
		pub := notebook.New(newClient(), nc, cfg.Notion.NotebookDB)

		var results []notebook.Result
		if len(args) == 1 {
			res, err := pub.Publish(cmd.Context(), args[0])
			if err != nil {
				return eris.Wrap(err, "notebook publish")
			}
			results = append(results, *res)
		} else {
			var err error
			results, err = pub.PublishAll(cmd.Context())
			if err != nil {
				return eris.Wrap(err, "notebook publish")
			}
		}

		for _, r := range results {
			verb := "Updated"
			if r.Created {
				verb = "Created"
			}
			fmt.Fprintf(os.Stdout, "%s page %s for run %s\n", verb, r.PageID, r.RunID)
		}
		return nil
	},
}

func init() {
	notebookCmd.AddCommand(notebookPublishCmd)
	rootCmd.AddCommand(notebookCmd)
}
