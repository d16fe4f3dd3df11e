package tool

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const maxLimiterBurst = 256 * 1024

// NewBandwidthLimiter returns a limiter for bytesPerSecond, or nil when unlimited.
// One limiter is shared by every worker of a transfer.
func NewBandwidthLimiter(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if burst > maxLimiterBurst {
		burst = maxLimiterBurst
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
}

// RateLimitedReader throttles reads through a token bucket. Reads never exceed the burst.
type RateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// NewRateLimitedReader wraps r; a nil limiter returns r unchanged.
func NewRateLimitedReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &RateLimitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (l *RateLimitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
