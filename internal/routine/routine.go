package routine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Jobs are the periodic tasks of the session manager.
type Jobs interface {
	FlushStore()
	HealthCheck()
}

// Register schedules the store flush every flushEvery (skipped when zero) and
// the session health check every five minutes.
func Register(c *cron.Cron, jobs Jobs, flushEvery time.Duration) error {
	log.Info().Msg("Running Routine Tasks")

	if flushEvery > 0 {
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", flushEvery), jobs.FlushStore); err != nil {
			return fmt.Errorf("failed to schedule store flush: %w", err)
		}
	}

	if _, err := c.AddFunc("@every 5m", jobs.HealthCheck); err != nil {
		return fmt.Errorf("failed to schedule health check: %w", err)
	}
	return nil
}
