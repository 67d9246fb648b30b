package docstore

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/moolen/triage/internal/metrics"
)

// retryBaseDelay is the first backoff step between CAS attempts. Jitter is
// applied so colliding writers separate.
const retryBaseDelay = 5 * time.Millisecond

// retryMaxDelay caps the backoff between CAS attempts.
const retryMaxDelay = 250 * time.Millisecond

// Retry runs op until it succeeds, fails with a non-conflict error, or ctx is
// cancelled. op must perform the full read-modify-write cycle itself: on
// ErrVersionConflict the previous read is stale and must be repeated.
//
// This is the single retry loop for all optimistic updates; call sites never
// hand-roll their own.
func Retry(ctx context.Context, op func(ctx context.Context) error) error {
	delay := retryBaseDelay
	for {
		err := op(ctx)
		if err == nil || !errors.Is(err, ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.Inc()

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		if delay *= 2; delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}
