package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/config"
	"github.com/sells-group/pu-workbench/internal/workbench"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "pu-workbench",
	Short: "Labeling workbench for building-energy anomaly detection",
	Long: "Configures experiment runs, generates anomaly candidates on the lab backend, " +
		"pages expert labels through the review queue and gates runs into PU training.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// newClient builds the lab backend client from cfg.
func newClient() labapi.Client {
	return labapi.NewClient(cfg.Backend.Token,
		labapi.WithBaseURL(cfg.Backend.BaseURL),
		labapi.WithTimeout(time.Duration(cfg.Backend.TimeoutSecs)*time.Second),
		labapi.WithRateLimit(cfg.Backend.RateLimit),
	)
}

// newWorkbench wires the client-side core against the configured backend.
func newWorkbench() *workbench.Workbench {
	return workbench.New(newClient(), cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", labapi.Message(err))
		os.Exit(1)
	}
}
