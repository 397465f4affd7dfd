package throttle

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestReader_Unlimited(t *testing.T) {
	src := bytes.Repeat([]byte("x"), 1<<20)
	r := NewReader(context.Background(), bytes.NewReader(src), NewLimiter(0))

	start := time.Now()
	got, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, len(src), len(got))
	assert.Less(t, time.Since(start), time.Second)
}

func TestReader_Limited(t *testing.T) {
	src := bytes.Repeat([]byte("x"), 3000)
	limiter := NewLimiter(1000)
	r := NewReader(context.Background(), bytes.NewReader(src), limiter)

	start := time.Now()
	got, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, src, got)
	// the first burst is free, the remaining 2000 bytes take about 2s
	assert.GreaterOrEqual(t, time.Since(start), 1500*time.Millisecond)
}

func TestReader_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	limiter := NewLimiter(10)
	r := NewReader(ctx, bytes.NewReader(bytes.Repeat([]byte("x"), 100)), limiter)

	cancel()
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimiter_SetLimit(t *testing.T) {
	l := NewLimiter(-5)
	assert.Equal(t, int64(0), l.Limit())

	l.SetLimit(2048)
	assert.Equal(t, int64(2048), l.Limit())
	assert.Equal(t, 2048, l.chunk(1<<20))

	l.SetLimit(1 << 20)
	assert.Equal(t, maxChunk, l.chunk(1<<20))

	l.SetLimit(0)
	assert.Equal(t, 4096, l.chunk(4096))
}

func TestReader_RaisedLimitWithStaleBurst(t *testing.T) {
	limiter := NewLimiter(100)
	// a concurrent SetLimit has published the new rate but not the burst yet
	limiter.limiter.SetLimit(rate.Limit(1 << 20))
	limiter.bps.Store(1 << 20)

	src := bytes.Repeat([]byte("x"), 32*1024)
	r := NewReader(context.Background(), bytes.NewReader(src), limiter)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, len(src), len(got))
}

func TestLimiter_RaiseUpdatesBurst(t *testing.T) {
	limiter := NewLimiter(100)
	limiter.SetLimit(1 << 20)

	assert.Equal(t, maxChunk, limiter.limiter.Burst())
	assert.Equal(t, int64(1<<20), limiter.Limit())
}
