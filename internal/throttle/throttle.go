// Package throttle caps the byte rate of a reader. The cap can be changed
// while a transfer is running.
package throttle

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// maxChunk bounds a single read so a low limit still yields steady progress.
const maxChunk = 32 * 1024

// Limiter is a shared, adjustable bytes-per-second budget.
type Limiter struct {
	limiter *rate.Limiter
	bps     atomic.Int64
}

// NewLimiter creates a limiter; bytesPerSecond <= 0 means unlimited.
func NewLimiter(bytesPerSecond int64) *Limiter {
	l := &Limiter{limiter: rate.NewLimiter(rate.Inf, maxChunk)}
	l.SetLimit(bytesPerSecond)
	return l
}

// SetLimit changes the cap; bytesPerSecond <= 0 removes it.
func (l *Limiter) SetLimit(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		l.bps.Store(0)
		l.limiter.SetLimit(rate.Inf)
		return
	}
	l.limiter.SetBurst(burstFor(bytesPerSecond))
	l.limiter.SetLimit(rate.Limit(bytesPerSecond))
	l.bps.Store(bytesPerSecond)
}

// Limit returns the current cap, 0 for unlimited.
func (l *Limiter) Limit() int64 {
	return l.bps.Load()
}

func burstFor(bytesPerSecond int64) int {
	if bytesPerSecond < maxChunk {
		return int(bytesPerSecond)
	}
	return maxChunk
}

// chunk returns how many bytes the next read may request.
func (l *Limiter) chunk(want int) int {
	bps := l.bps.Load()
	if bps <= 0 {
		return want
	}
	if b := burstFor(bps); want > b {
		return b
	}
	return want
}

// Reader wraps an io.Reader and waits on a Limiter after every read.
type Reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns a reader that honours limiter until ctx is done.
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) *Reader {
	return &Reader{ctx: ctx, r: r, limiter: limiter}
}

func (t *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	p = p[:t.limiter.chunk(len(p))]

	n, err := t.r.Read(p)
	// the limit may have been lowered during the read, so wait in
	// burst-sized steps
	for left := n; left > 0 && t.limiter.bps.Load() > 0; {
		step := t.limiter.chunk(left)
		if b := t.limiter.limiter.Burst(); b > 0 && step > b {
			step = b
		}
		if werr := t.limiter.limiter.WaitN(t.ctx, step); werr != nil {
			return n, werr
		}
		left -= step
	}
	return n, err
}
