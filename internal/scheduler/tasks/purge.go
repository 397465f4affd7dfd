package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/scheduler"
)

const PurgeTransfersTaskID = "purge-transfers"

// Purger deletes finished transfer records.
type Purger interface {
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// RegisterPurgeTask deletes records of finished, cancelled and failed
// transfers older than retention. It runs daily at 3 AM.
func RegisterPurgeTask(sched *scheduler.Scheduler, store Purger, retention time.Duration, logger zerolog.Logger) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          PurgeTransfersTaskID,
		Name:        "Purge Transfers",
		Description: "Deletes records of transfers that ended before the retention period",
		Cron:        "0 3 * * *",
		Func: func(ctx context.Context) error {
			n, err := store.PurgeFinished(ctx, time.Now().Add(-retention))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Int64("deleted", n).Msg("Purged transfer records")
			}
			return nil
		},
	})
}
