// Package pacer spaces frame emissions at a fixed rate. When the caller
// overruns an interval the schedule restarts from the current time instead
// of bursting to catch up, trading occasional lateness for smooth output.
package pacer

import (
	"context"
	"time"
)

// DefaultFrameRate is used when New is given a rate <= 0.
const DefaultFrameRate = 30

// Pacer is not safe for concurrent use; the sender loop owns it.
type Pacer struct {
	interval time.Duration
	last     time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithClock replaces the time source and sleep function.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(p *Pacer) {
		p.now = now
		p.sleep = sleep
	}
}

// New creates a Pacer emitting fps frames per second.
func New(fps int, opts ...Option) *Pacer {
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	p := &Pacer{
		interval: time.Second / time.Duration(fps),
		now:      time.Now,
		sleep:    Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the target spacing between emissions.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait is called after each emission. It sleeps until one interval after
// the previous scheduled emission, or returns at once when that time has
// already passed.
func (p *Pacer) Wait(ctx context.Context) error {
	now := p.now()
	if p.last.IsZero() {
		p.last = now
	}
	target := p.last.Add(p.interval)
	if now.Before(target) {
		p.last = target
		return p.sleep(ctx, target.Sub(now))
	}
	p.last = now
	return nil
}

// Reset forgets the previous emission so the next Wait starts a fresh
// schedule.
func (p *Pacer) Reset() {
	p.last = time.Time{}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
