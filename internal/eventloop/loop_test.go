package eventloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	l := New(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l, cancel
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	l, _ := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	err := l.Do(context.Background(), func() error { return nil })
	require.NoError(t, err)

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLoop_PostFromInsideLoop(t *testing.T) {
	l, _ := startLoop(t)

	var order []string
	var wg sync.WaitGroup
	wg.Add(1)
	l.Post(func() {
		order = append(order, "outer")
		l.Post(func() {
			order = append(order, "inner")
			wg.Done()
		})
	})
	wg.Wait()

	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestLoop_DoReturnsError(t *testing.T) {
	l, _ := startLoop(t)

	want := errors.New("boom")
	err := l.Do(context.Background(), func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestLoop_RecoversPanics(t *testing.T) {
	l, _ := startLoop(t)

	l.Post(func() { panic("bad task") })
	err := l.Do(context.Background(), func() error { return nil })
	assert.NoError(t, err)
}

func TestLoop_DoAfterStop(t *testing.T) {
	l, cancel := startLoop(t)
	cancel()
	<-l.Done()

	err := l.Do(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrStopped)
}

func TestLoop_DoHonoursContext(t *testing.T) {
	l, _ := startLoop(t)

	block := make(chan struct{})
	l.Post(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInline_RunsImmediately(t *testing.T) {
	ran := false
	Inline{}.Post(func() { ran = true })
	assert.True(t, ran)
}
