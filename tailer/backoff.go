package tailer

import "time"

// Outcome is what one full cycle over every watched collection produced.
type Outcome struct {
	// Fetched counts documents returned by every find of the cycle.
	Fetched int
	// Err is the error that aborted the cycle, if any.
	Err error
}

// Backoff decides how long to wait before the next cycle. The idle delay
// is shared by all collections: it starts at Min, doubles after every
// cycle that fetched nothing, is capped at Max, and falls back to Min as
// soon as any document is fetched. A failed cycle waits Retry.
type Backoff struct {
	Min   time.Duration
	Max   time.Duration
	Retry time.Duration

	idle time.Duration
}

// Next returns the delay to apply after o and the state for the following
// cycle. It has no side effects.
func (b Backoff) Next(o Outcome) (time.Duration, Backoff) {
	if o.Fetched > 0 {
		b.idle = b.Min
	}
	switch {
	case o.Err != nil:
		return b.Retry, b
	case o.Fetched > 0:
		return 0, b
	}
	d := b.idle
	if d <= 0 {
		d = b.Min
	}
	b.idle = min(d*2, b.Max)
	return d, b
}
