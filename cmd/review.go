package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/review"
	"github.com/sells-group/pu-workbench/internal/workbench"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Page through and label a run's anomaly candidates",
}

var reviewPageCmd = &cobra.Command{
	Use:   "page <run-id>",
	Short: "Show one page of the review queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		req, err := pageRequest(cmd, w)
		if err != nil {
			return err
		}
		q, err := w.Review.LoadPage(cmd.Context(), args[0], req)
		if err != nil {
			return eris.Wrap(err, "review page")
		}
		formatQueue(os.Stdout, q)
		return nil
	},
}

var reviewLabelCmd = &cobra.Command{
	Use:   "label <run-id> <candidate-id>...",
	Short: "Label one or more candidates",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		req, err := labelRequest(cmd, w)
		if err != nil {
			return err
		}
		runID, ids := args[0], args[1:]
		if len(ids) == 1 {
			c, err := w.Review.LabelOne(cmd.Context(), runID, ids[0], req)
			if err != nil {
				return eris.Wrap(err, "review label")
			}
			fmt.Fprintf(os.Stdout, "Labeled %s as %s\n", c.ID, c.Status)
			return nil
		}
		res, err := w.Review.LabelBulk(cmd.Context(), runID, ids, req)
		if err != nil {
			return eris.Wrap(err, "review label")
		}
		formatBulk(os.Stdout, res)
		return nil
	},
}

var reviewRejectPageCmd = &cobra.Command{
	Use:   "reject-page <run-id>",
	Short: "Label every candidate on a page as normal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		preq, err := pageRequest(cmd, w)
		if err != nil {
			return err
		}
		if _, err := w.Review.LoadPage(cmd.Context(), args[0], preq); err != nil {
			return eris.Wrap(err, "review reject-page")
		}
		note, _ := cmd.Flags().GetString("note")
		reviewer, _ := cmd.Flags().GetString("reviewer")
		res, err := w.Review.LabelPage(cmd.Context(), args[0], w.Label(model.CandidateRejectedNormal, reviewer, note))
		if err != nil {
			return eris.Wrap(err, "review reject-page")
		}
		formatBulk(os.Stdout, res)
		return nil
	},
}

var reviewConfirmAllCmd = &cobra.Command{
	Use:   "confirm-all <run-id>",
	Short: "Confirm every remaining unreviewed candidate as an anomaly",
	Long:  "Applies one label to all unreviewed candidates of the run. The default label is positive; pass --status normal to reject them instead.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := newWorkbench()
		req, err := labelRequest(cmd, w)
		if err != nil {
			return err
		}
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return apperr.Validation("confirm-all labels every unreviewed candidate; pass --yes to proceed")
		}
		res, err := w.Review.LabelAllUnreviewed(cmd.Context(), args[0], req)
		if err != nil {
			return eris.Wrap(err, "review confirm-all")
		}
		formatBulk(os.Stdout, res)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{reviewPageCmd, reviewRejectPageCmd} {
		c.Flags().Int("page", 1, "page number, starting at 1")
		c.Flags().Int("page-size", 0, "candidates per page (default from review.page_size)")
		c.Flags().String("sort", string(model.SortEventTimestamp), "sort key: "+sortKeyList())
		c.Flags().String("order", string(model.SortAsc), "sort order: asc or desc")
		c.Flags().String("status", string(model.CandidateUnreviewed), "status filter, empty for all")
	}
	reviewLabelCmd.Flags().String("status", "normal", "label: positive or normal")
	reviewConfirmAllCmd.Flags().String("status", "positive", "label: positive or normal")
	for _, c := range []*cobra.Command{reviewLabelCmd, reviewRejectPageCmd, reviewConfirmAllCmd} {
		c.Flags().String("note", "", "reviewer note")
		c.Flags().String("reviewer", "", "reviewer id (default from review.reviewer_id)")
	}
	reviewConfirmAllCmd.Flags().Bool("yes", false, "confirm the bulk label")

	reviewCmd.AddCommand(reviewPageCmd)
	reviewCmd.AddCommand(reviewLabelCmd)
	reviewCmd.AddCommand(reviewRejectPageCmd)
	reviewCmd.AddCommand(reviewConfirmAllCmd)
	rootCmd.AddCommand(reviewCmd)
}

func sortKeyList() string {
	keys := make([]string, 0, len(model.SortKeys()))
	for _, k := range model.SortKeys() {
		keys = append(keys, string(k))
	}
	return strings.Join(keys, ", ")
}

func pageRequest(cmd *cobra.Command, w *workbench.Workbench) (review.PageRequest, error) {
	req := w.Review.DefaultRequest()
	page, _ := cmd.Flags().GetInt("page")
	size, _ := cmd.Flags().GetInt("page-size")
	sortKey, _ := cmd.Flags().GetString("sort")
	order, _ := cmd.Flags().GetString("order")
	status, _ := cmd.Flags().GetString("status")

	req.Page = page
	if size > 0 {
		req.PageSize = size
	}
	req.Sort = model.Sort{Key: model.SortKey(sortKey), Order: model.SortOrder(strings.ToLower(order))}
	req.Status = model.CandidateStatus(strings.ToUpper(status))
	return req, req.Validate()
}

// parseLabel accepts the short names and the wire values.
func parseLabel(v string) (model.CandidateStatus, error) {
	switch strings.ToLower(v) {
	case "positive", "confirmed_positive":
		return model.CandidateConfirmedPositive, nil
	case "normal", "rejected_normal":
		return model.CandidateRejectedNormal, nil
	}
	return "", apperr.FieldValidation("status", "expected positive or normal, got %q", v)
}

func labelRequest(cmd *cobra.Command, w *workbench.Workbench) (model.LabelRequest, error) {
	raw, _ := cmd.Flags().GetString("status")
	note, _ := cmd.Flags().GetString("note")
	reviewer, _ := cmd.Flags().GetString("reviewer")
	status, err := parseLabel(raw)
	if err != nil {
		return model.LabelRequest{}, err
	}
	req := w.Label(status, reviewer, note)
	return req, req.Validate()
}

func formatQueue(out io.Writer, q *model.QueueState) {
	if q.Done {
		_, _ = fmt.Fprintln(out, "Nothing left to review.")
		return
	}
	rows := make([][]string, 0, len(q.Items))
	for _, c := range q.Items {
		rows = append(rows, []string{
			c.ID,
			c.EventTimestamp.Format("2006-01-02 15:04"),
			c.DetectionRule,
			fmt.Sprintf("%.3f", c.AnomalyScore),
			strings.Join(nonEmpty(c.BuildingID, c.FloorID, c.SensorID), "/"),
			fmt.Sprintf("%+.2f", c.ElectricityDelta),
			fmt.Sprintf("%+.2f", c.TemperatureDelta),
			fmt.Sprintf("%+.2f", c.HumidityDelta),
			string(c.Status),
		})
	}
	_, _ = fmt.Fprintln(out, renderTable(
		[]string{"ID", "EVENT", "RULE", "SCORE", "LOCATION", "ΔKWH", "ΔTEMP", "ΔHUM", "STATUS"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignRight, alignRight, alignLeft},
	))
	_, _ = fmt.Fprintf(out, "Page %d of %d, %s candidates\n", q.Page, max(q.TotalPages(), 1), formatCount(q.Total))
}

func formatBulk(out io.Writer, res *model.BulkLabelResult) {
	if res.Partial() {
		_, _ = fmt.Fprintf(out, "Labeled %s of %s candidates; the rest were already gone.\n",
			formatCount(res.Affected), formatCount(res.Requested))
		return
	}
	_, _ = fmt.Fprintf(out, "Labeled %s candidates.\n", formatCount(res.Affected))
}

func nonEmpty(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

