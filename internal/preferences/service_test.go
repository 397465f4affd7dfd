package preferences

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/testutil"
)

func TestDefaults_RoundTripPerKind(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	svc := NewService(tdb.Conn)
	ctx := context.Background()
	base := manager.Defaults{Throttle: 10, AllowMobileData: true}

	d, ok, err := svc.LoadDefaults(ctx, manager.KindDownload, base)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, base, d)

	require.NoError(t, svc.SaveDefaults(ctx, manager.KindDownload, manager.Defaults{Throttle: 4096}))
	require.NoError(t, svc.SaveDefaults(ctx, manager.KindDownload, manager.Defaults{Throttle: 2048}))

	d, ok, err = svc.LoadDefaults(ctx, manager.KindDownload, base)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, manager.Defaults{Throttle: 2048, AllowMobileData: false}, d)

	d, ok, err = svc.LoadDefaults(ctx, manager.KindUpload, base)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, base, d)
}

func TestLoadDefaults_RejectsCorruptValue(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	svc := NewService(tdb.Conn)
	ctx := context.Background()

	_, err := tdb.Conn.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ('upload.throttle', 'fast', CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	d, _, err := svc.LoadDefaults(ctx, manager.KindUpload, manager.Defaults{Throttle: 1})
	assert.Error(t, err)
	assert.Equal(t, int64(1), d.Throttle)
}
