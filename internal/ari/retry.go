package ari

import (
	"context"
	"time"
)

// Backoff retries an operation while it keeps failing recoverably.
// The delay doubles each attempt from Base up to Max.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff matches the PBX's stasis-entry timing: a channel that is
// "not in stasis" or "currently recording" normally settles well inside
// fifteen attempts at 100 to 800 ms.
var DefaultBackoff = Backoff{
	Attempts: 15,
	Base:     100 * time.Millisecond,
	Max:      800 * time.Millisecond,
}

// Do runs fn, retrying while it returns a recoverable [OpError]. Any other
// error, success, running out of attempts, or ctx cancellation stops the
// loop. The last error is returned.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	delay := b.Base
	var err error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		if err = fn(); err == nil || !IsRecoverable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > b.Max {
			delay = b.Max
		}
	}
	return err
}
