package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode depends on. Modes are
// "client" (any command talking to the lab backend), "serve" and "notebook".
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Jobs.PollIntervalSecs <= 0 {
		problems = append(problems, "jobs.poll_interval_secs must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 {
		problems = append(problems, "jobs.max_attempts must be positive")
	}
	if c.Review.PageSize < 1 || c.Review.PageSize > 500 {
		problems = append(problems, "review.page_size must be between 1 and 500")
	}

	switch mode {
	case "client":
		if c.Backend.BaseURL == "" {
			problems = append(problems, "backend.base_url is required")
		}
		if c.Backend.TimeoutSecs <= 0 {
			problems = append(problems, "backend.timeout_secs must be positive")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			problems = append(problems, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Scoring.BaseURL == "" {
			problems = append(problems, "scoring.base_url is required")
		}
	case "notebook":
		if c.Notion.Token == "" {
			problems = append(problems, "notion.token is required")
		}
		if c.Notion.NotebookDB == "" {
			problems = append(problems, "notion.notebook_db is required")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}
