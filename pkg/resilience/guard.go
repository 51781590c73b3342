// Package resilience guards calls into the graph and document stores.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrOpen is returned while a guard rejects calls after repeated failures.
var ErrOpen = errors.New("resilience: store circuit open")

// State is the breaker position of a Guard.
type State int

const (
	Closed State = iota
	Open
	Probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Probing:
		return "probing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// GuardOpts configures a Guard. Zero values pick the defaults.
type GuardOpts struct {
	// PerSecond is the pace of Pace calls. Zero or less is unpaced.
	PerSecond float64
	// Trip is the number of consecutive failures that opens the circuit (5).
	Trip int
	// Cooldown is how long the circuit stays open before one probe call (30s).
	Cooldown time.Duration
	// OnStateChange runs with the guard locked and must not call back into it.
	OnStateChange func(from, to State)
}

// Guard paces bulk writes with a token bucket and stops calling a store that
// keeps failing. After Cooldown one call is let through; its outcome closes
// or reopens the circuit.
type Guard struct {
	pace *rate.Limiter
	opts GuardOpts

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probeBusy bool
	now       func() time.Time
}

func NewGuard(opts GuardOpts) *Guard {
	if opts.Trip <= 0 {
		opts.Trip = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	limit := rate.Inf
	if opts.PerSecond > 0 {
		limit = rate.Limit(opts.PerSecond)
	}
	return &Guard{pace: rate.NewLimiter(limit, 1), opts: opts, now: time.Now}
}

// Pace blocks until the next paced write may start.
func (g *Guard) Pace(ctx context.Context) error {
	return g.pace.Wait(ctx)
}

// State reports the breaker position, moving Open to Probing once the
// cooldown has passed.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cool()
	return g.state
}

// Do calls f unless the circuit is open. A cancelled context does not count
// as a store failure.
func (g *Guard) Do(ctx context.Context, f func(context.Context) error) error {
	if err := g.enter(); err != nil {
		return err
	}
	err := f(ctx)
	g.leave(err != nil && !errors.Is(err, context.Canceled))
	return err
}

func (g *Guard) set(to State) {
	from := g.state
	g.state = to
	if from != to && g.opts.OnStateChange != nil {
		g.opts.OnStateChange(from, to)
	}
}

func (g *Guard) cool() {
	if g.state == Open && g.now().Sub(g.openedAt) >= g.opts.Cooldown {
		g.probeBusy = false
		g.set(Probing)
	}
}

func (g *Guard) enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cool()
	switch g.state {
	case Open:
		return ErrOpen
	case Probing:
		if g.probeBusy {
			return ErrOpen
		}
		g.probeBusy = true
	}
	return nil
}

func (g *Guard) leave(failed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !failed {
		g.failures = 0
		g.set(Closed)
		return
	}
	g.failures++
	if g.state == Probing || g.failures >= g.opts.Trip {
		g.failures = 0
		g.openedAt = g.now()
		g.set(Open)
	}
}
