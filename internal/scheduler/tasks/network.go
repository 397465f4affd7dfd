package tasks

import (
	"context"
	"time"

	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/scheduler"
)

const NetworkRefreshTaskID = "network-refresh"

// Refresher re-probes connectivity.
type Refresher interface {
	Refresh() (network.Class, error)
}

// RegisterNetworkRefreshTask polls host interfaces every interval so the
// queues see connectivity changes.
func RegisterNetworkRefreshTask(sched *scheduler.Scheduler, monitor Refresher, interval time.Duration) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          NetworkRefreshTaskID,
		Name:        "Network Refresh",
		Description: "Classifies host network interfaces as metered or unmetered",
		Interval:    interval,
		RunOnStart:  true,
		Func: func(ctx context.Context) error {
			_, err := monitor.Refresh()
			return err
		},
	})
}
