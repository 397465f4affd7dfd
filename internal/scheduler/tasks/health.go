package tasks

import (
	"context"
	"time"

	"github.com/transferd/transferd/internal/scheduler"
)

const HealthCheckTaskID = "health-check"

// HealthChecker runs the storage and database checks.
type HealthChecker interface {
	CheckAll(ctx context.Context) error
}

// RegisterHealthCheckTask runs the health checks every interval and once at
// startup.
func RegisterHealthCheckTask(sched *scheduler.Scheduler, checker HealthChecker, interval time.Duration) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          HealthCheckTaskID,
		Name:        "Health Check",
		Description: "Checks destination storage and the metadata database",
		Interval:    interval,
		RunOnStart:  true,
		Func:        checker.CheckAll,
	})
}
