package playback

import "time"

// Clock abstracts time for the drain loop
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock
var SystemClock Clock = realClock{}

// PacingClock holds the release deadline. The deadline never decreases.
type PacingClock struct {
	delay time.Duration
	next  time.Time
}

// NewPacingClock creates a clock releasing at most once per delay
func NewPacingClock(delay time.Duration) *PacingClock {
	return &PacingClock{delay: delay}
}

// Delay returns the release interval
func (p *PacingClock) Delay() time.Duration {
	return p.delay
}

// Next returns the earliest time of the next release
func (p *PacingClock) Next() time.Time {
	return p.next
}

// Until returns how long to wait before a release is allowed at now
func (p *PacingClock) Until(now time.Time) time.Duration {
	if p.next.IsZero() || !now.Before(p.next) {
		return 0
	}
	return p.next.Sub(now)
}

// Advance moves the deadline past a release made at released
func (p *PacingClock) Advance(released time.Time) {
	base := p.next
	if released.After(base) {
		base = released
	}
	p.next = base.Add(p.delay)
}
