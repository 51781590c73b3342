package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts is an exponential backoff schedule.
type RetryOpts struct {
	Attempts int
	// Base is the pause after the first failure; each later pause doubles
	// up to Cap.
	Base time.Duration
	Cap  time.Duration
	// Jitter scales each pause by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultRetry covers a store that is still starting: about a minute in
// total before giving up.
var DefaultRetry = RetryOpts{Attempts: 5, Base: time.Second, Cap: 30 * time.Second, Jitter: true}

func (o RetryOpts) pause(n int) time.Duration {
	d := o.Base << n
	if d <= 0 || d > o.Cap {
		d = o.Cap
	}
	if o.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return min(d, o.Cap)
}

// Retry calls f until it succeeds or the attempts run out, returning the
// last result. A done ctx ends the wait early with ctx.Err().
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.Attempts, 1)
	var r Result[T]
	for n := 0; n < attempts; n++ {
		if r = f(ctx); r.IsOk() || n == attempts-1 {
			break
		}
		t := time.NewTimer(opts.pause(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
	return r
}
