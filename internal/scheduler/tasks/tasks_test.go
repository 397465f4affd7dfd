package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/scheduler"
)

type fakeRefresher struct {
	calls int
	err   error
}

func (f *fakeRefresher) Refresh() (network.Class, error) {
	f.calls++
	return network.ClassUnmetered, f.err
}

type fakePurger struct {
	before time.Time
}

func (f *fakePurger) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, nil
}

type fakeIdle bool

func (f fakeIdle) Expired(time.Duration) bool { return bool(f) }

func newScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	s, err := scheduler.New(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestNetworkRefreshTask(t *testing.T) {
	s := newScheduler(t)
	r := &fakeRefresher{}
	require.NoError(t, RegisterNetworkRefreshTask(s, r, time.Hour))

	require.NoError(t, s.RunNow(NetworkRefreshTaskID))
	assert.Equal(t, 1, r.calls)

	r.err = errors.New("probe failed")
	assert.EqualError(t, s.RunNow(NetworkRefreshTaskID), "probe failed")
}

func TestPurgeTask(t *testing.T) {
	s := newScheduler(t)
	p := &fakePurger{}
	require.NoError(t, RegisterPurgeTask(s, p, 24*time.Hour, zerolog.Nop()))

	require.NoError(t, s.RunNow(PurgeTransfersTaskID))
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), p.before, time.Minute)

	info, err := s.GetTask(PurgeTransfersTaskID)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", info.Cron)
}

func TestIdleCheckTask(t *testing.T) {
	for _, expired := range []bool{false, true} {
		s := newScheduler(t)
		called := false
		require.NoError(t, RegisterIdleCheckTask(s, fakeIdle(expired), time.Minute, time.Hour, func() { called = true }))
		require.NoError(t, s.RunNow(IdleCheckTaskID))
		assert.Equal(t, expired, called)
	}
}

type fakeChecker struct{ calls int }

func (f *fakeChecker) CheckAll(context.Context) error {
	f.calls++
	return nil
}

func TestHealthCheckTask(t *testing.T) {
	s := newScheduler(t)
	c := &fakeChecker{}
	require.NoError(t, RegisterHealthCheckTask(s, c, time.Hour))

	require.NoError(t, s.RunNow(HealthCheckTaskID))
	assert.Equal(t, 1, c.calls)

	info, err := s.GetTask(HealthCheckTaskID)
	require.NoError(t, err)
	assert.Equal(t, "1h0m0s", info.Interval)
}
