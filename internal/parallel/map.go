package parallel

import (
	"context"
	"errors"
	"iter"
	"slices"

	"golang.org/x/sync/errgroup"
)

var ErrNoResult = errors.New("no successful result")

type result[D any] struct {
	d D
	e error
}

// Map is a parallel mapping function, which runs mapFunc for each input with
// at most limit calls in flight. Results are yielded in completion order.
// Map is context aware: a canceled context or leaving the loop early stops
// the remaining work.
//
//	for result, err := range parallel.NewMap(ctx, 4, fn).Iter(input) {}
type Map[E, D any] struct {
	ctx     context.Context
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	return &Map[E, D]{
		ctx:     ctx,
		limit:   limit,
		mapFunc: mapFunc,
	}
}

func (m *Map[E, D]) Iter(seq iter.Seq[E]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one extra slot for the feeder
		g.SetLimit(m.limit + 1)
		mapped := make(chan result[D], m.limit)

		g.Go(func() error {
			for entry := range seq {
				if gctx.Err() != nil {
					return nil
				}
				g.Go(func() error {
					d, err := m.mapFunc(gctx, entry)
					select {
					case mapped <- result[D]{d: d, e: err}:
					case <-gctx.Done():
					}
					return nil
				})
			}
			return nil
		})
		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if m.ctx.Err() != nil || !yield(r.d, r.e) {
				cancel()
				// drain so the workers can finish
				for range mapped {
				}
				return
			}
		}
	}
}

// First runs mapFunc over in concurrently and returns the first successful
// result, canceling the rest. If every call fails, the joined errors are
// returned together with ErrNoResult.
func First[E, D any](ctx context.Context, in []E, mapFunc func(context.Context, E) (D, error)) (D, error) {
	var errs []error
	for d, err := range NewMap(ctx, len(in), mapFunc).Iter(slices.Values(in)) {
		if err == nil {
			return d, nil
		}
		errs = append(errs, err)
	}
	var zero D
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return zero, errors.Join(append([]error{ErrNoResult}, errs...)...)
}
