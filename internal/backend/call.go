package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/battmon/internal/errors"
)

// Inflight tracks backend calls that may outlive the caller that started
// them.
type Inflight struct {
	wg      sync.WaitGroup
	pending atomic.Int64
}

// Pending returns the number of calls still running, abandoned or not.
func (g *Inflight) Pending() int64 {
	return g.pending.Load()
}

// Wait blocks until every tracked call returned or ctx is done.
func (g *Inflight) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn with a deadline of timeout. If fn has not returned by then
// Call gives up with ErrTimeout and leaves fn running in the background,
// tracked by g; fn is expected to notice its context and return.
func Call[T any](g *Inflight, ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	g.wg.Add(1)
	g.pending.Add(1)
	go func() {
		v, err := fn(ctx)
		g.pending.Add(-1)
		g.wg.Done()
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.value, r.err
		default:
		}

		var zero T
		return zero, errors.New().Wrap(ErrTimeout, ctx.Err())
	}
}
