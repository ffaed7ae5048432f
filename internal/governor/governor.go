package governor

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrSecurityChallenge is the distinct failure surfaced when the platform
// interposes a verification page mid-run. It aborts the run and exhausts
// the remaining action budget so nothing retries until the next day.
var ErrSecurityChallenge = errors.New("security challenge detected")

// Governor enforces the pacing rules every browser action must respect:
// a randomized delay between actions and a hard per-run action cap.
type Governor struct {
	mu sync.Mutex

	minDelay time.Duration
	maxDelay time.Duration
	limit    int

	actions    int
	challenged bool

	randInt64N func(int64) int64

	// optional metrics hooks, wired by the composition root
	onDelay  func(time.Duration)
	onAction func()
}

func New(minDelay, maxDelay time.Duration, limit int) *Governor {
	if minDelay <= 0 {
		minDelay = 60 * time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if limit <= 0 {
		limit = 20
	}
	return &Governor{
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		limit:      limit,
		randInt64N: rand.Int64N,
	}
}

func (g *Governor) SetHooks(onDelay func(time.Duration), onAction func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onDelay = onDelay
	g.onAction = onAction
}

// NextDelay draws a uniform delay in [minDelay, maxDelay].
func (g *Governor) NextDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	span := int64(g.maxDelay - g.minDelay)
	if span <= 0 {
		return g.minDelay
	}
	return g.minDelay + time.Duration(g.randInt64N(span+1))
}

// Sleep draws a delay and waits it out, aborting early on ctx cancel.
func (g *Governor) Sleep(ctx context.Context) error {
	d := g.NextDelay()
	g.mu.Lock()
	hook := g.onDelay
	g.mu.Unlock()
	if hook != nil {
		hook(d)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordAction counts one consequential action against the run budget.
func (g *Governor) RecordAction() {
	g.mu.Lock()
	g.actions++
	hook := g.onAction
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (g *Governor) ActionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.actions
}

func (g *Governor) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

func (g *Governor) CapReached() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.actions >= g.limit
}

// Reset starts a fresh run budget. The challenge latch clears too; a new
// run means the operator decided it is safe to try again.
func (g *Governor) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actions = 0
	g.challenged = false
}

// TripChallenge latches the challenge flag and burns the remaining
// budget, so CapReached holds for the rest of the run.
func (g *Governor) TripChallenge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.challenged = true
	if g.actions < g.limit {
		g.actions = g.limit
	}
}

func (g *Governor) Challenged() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.challenged
}
