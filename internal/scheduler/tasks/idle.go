package tasks

import (
	"context"
	"time"

	"github.com/transferd/transferd/internal/scheduler"
)

const IdleCheckTaskID = "idle-check"

// IdleState reports whether the daemon has been idle long enough.
type IdleState interface {
	Expired(timeout time.Duration) bool
}

// RegisterIdleCheckTask calls shutdown once the daemon held no transfers for
// timeout. The check runs every interval.
func RegisterIdleCheckTask(sched *scheduler.Scheduler, state IdleState, timeout, interval time.Duration, shutdown func()) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          IdleCheckTaskID,
		Name:        "Idle Check",
		Description: "Stops the daemon after a period without transfers",
		Interval:    interval,
		Func: func(ctx context.Context) error {
			if state.Expired(timeout) {
				shutdown()
			}
			return nil
		},
	})
}
