package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/labserver"
	"github.com/sells-group/pu-workbench/internal/monitoring"
	"github.com/sells-group/pu-workbench/internal/resilience"
	"github.com/sells-group/pu-workbench/pkg/scoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference lab backend",
	Long: "Serves the lab backend API from the configured store, scoring candidates " +
		"through the scoring service. Generation tasks live in memory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		retry, breaker := resilience.FromConfig("scoring", cfg.Scoring.Resilience)
		scorer := scoring.NewClient(cfg.Scoring.BaseURL, cfg.Scoring.Key,
			scoring.WithTimeout(time.Duration(cfg.Scoring.TimeoutSecs)*time.Second),
			scoring.WithRetry(retry),
			scoring.WithBreaker(resilience.NewCircuitBreaker(breaker)),
		)

		tasks := labserver.NewTaskRunner(
			labserver.WithRetention(time.Duration(cfg.Monitoring.LookbackHours) * time.Hour),
		)
		svc := labserver.NewService(st, scorer, tasks, labserver.WithSyncPreview(cfg.Server.SyncPreview))

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, tasks),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
			monitoring.WithTaskPruner(tasks),
		)

		router := labserver.NewRouter(svc, labserver.RouterOptions{
			Token:       cfg.Server.Token,
			CORSOrigins: cfg.Server.CORSOrigins,
			Metrics:     checker,
		})

		port := cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}
		if cfg.Server.Token == "" {
			zap.L().Warn("serve: no server token configured, API is unauthenticated")
		}

		srv := labserver.NewServer(fmt.Sprintf(":%d", port), router, tasks, checker)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from server.port)")
	rootCmd.AddCommand(serveCmd)
}
