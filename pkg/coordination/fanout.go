package coordination

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// PairKey is the result key of one (source, target) pair.
func PairKey(source, target string) string {
	return source + ":" + target
}

// PairFunc processes one (source, target) pair. It reports whether the pair
// succeeded alongside the value recorded for it.
type PairFunc[R any] func(ctx context.Context, source, target string) (R, bool)

// FanOut runs fn once per element of sources × targets with at most
// parallelism pairs in flight, and returns the per-pair results keyed by
// PairKey together with the number of failed pairs. A panicking pair is
// recorded through onPanic and counted as failed; other pairs are unaffected.
// Repeated ids are processed once.
func FanOut[R any](
	ctx context.Context,
	sources, targets []string,
	parallelism int,
	fn PairFunc[R],
	onPanic func(source, target string, err error) R,
) (map[string]R, int) {
	if parallelism < 1 {
		parallelism = 1
	}
	sources, targets = unique(sources), unique(targets)

	var (
		mu      sync.Mutex
		results = make(map[string]R, len(sources)*len(targets))
		failed  int
	)
	record := func(key string, r R, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		results[key] = r
		if !ok {
			failed++
		}
	}

	p := pool.New().WithMaxGoroutines(parallelism)
	for _, source := range sources {
		for _, target := range targets {
			p.Go(func() {
				var (
					r  R
					ok bool
				)
				if err := Safely(func() { r, ok = fn(ctx, source, target) }); err != nil {
					r, ok = onPanic(source, target, err), false
				}
				record(PairKey(source, target), r, ok)
			})
		}
	}
	p.Wait()

	return results, failed
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Aggregate classifies a fan-out outcome. Zero failures is a success, some
// failures is still a success whose message reports the failure ratio, and
// failure of every pair is an error carrying all per-pair results in
// metadata. The returned Result is not stamped; pass it through
// Base.Finalize.
func Aggregate[R any](noun string, results map[string]R, failed int) Result {
	total := len(results)
	switch {
	case failed == 0:
		return Result{
			Success: true,
			Data:    results,
			Message: fmt.Sprintf("all %d %s succeeded", total, noun),
		}
	case failed < total:
		return Result{
			Success: true,
			Data:    results,
			Message: fmt.Sprintf("%d/%d %s failed", failed, total, noun),
		}
	default:
		err := fmt.Errorf("%w: all %d %s failed", ErrAllFailed, total, noun)
		return Result{
			Success: false,
			Error:   err.Error(),
			Metadata: map[string]any{
				MetaResults:   results,
				MetaErrorName: ErrorName(err),
			},
		}
	}
}

// ValidateRequest rejects empty sources, empty targets and a nil payload.
func ValidateRequest(sources, targets []string, payload any) error {
	if len(sources) == 0 {
		return fmt.Errorf("%w: no sources given", ErrValidation)
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no targets given", ErrValidation)
	}
	if payload == nil {
		return fmt.Errorf("%w: no payload given", ErrValidation)
	}
	return nil
}
