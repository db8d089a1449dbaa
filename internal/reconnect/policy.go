// Package reconnect implements the exponential backoff policy used between
// chat reconnection attempts: 1s, 2s, 4s, ... capped, with an optional
// attempt budget.
package reconnect

import (
	"context"
	"log"
	"time"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
)

// Policy tracks reconnection attempts and the current backoff. It belongs to
// a single session and is not safe for concurrent use.
type Policy struct {
	initial     time.Duration
	max         time.Duration
	maxAttempts int

	attempts int
	current  time.Duration
}

// Options configures a Policy. Zero values fall back to the defaults;
// MaxAttempts 0 means unlimited.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

func New(opts Options) *Policy {
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	max := opts.MaxBackoff
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	return &Policy{
		initial:     initial,
		max:         max,
		maxAttempts: opts.MaxAttempts,
		current:     initial,
	}
}

// WaitBeforeReconnect counts one attempt and sleeps for the current backoff.
// It returns false without sleeping when the attempt budget is exhausted or
// the context is cancelled; the caller must treat false as fatal for the
// session.
func (p *Policy) WaitBeforeReconnect(ctx context.Context) bool {
	p.attempts++
	if p.maxAttempts > 0 && p.attempts > p.maxAttempts {
		log.Printf("reconnect: max attempts (%d) exceeded", p.maxAttempts)
		return false
	}

	log.Printf("reconnect: attempt %d in %s", p.attempts, p.current)
	if !sleepContext(ctx, p.current) {
		return false
	}

	p.current *= 2
	if p.current > p.max {
		p.current = p.max
	}
	return true
}

// Reset restores the initial state. Called exactly once per successful
// handshake, before the first frame of the new connection is processed.
func (p *Policy) Reset() {
	if p.attempts > 0 {
		log.Printf("reconnect: connection established after %d attempts", p.attempts)
	}
	p.attempts = 0
	p.current = p.initial
}

// Attempts returns the number of attempts since the last Reset.
func (p *Policy) Attempts() int { return p.attempts }

// CurrentBackoff returns the wait the next attempt would incur.
func (p *Policy) CurrentBackoff() time.Duration { return p.current }

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
