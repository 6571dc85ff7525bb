package coordination

import (
	"fmt"

	"github.com/sourcegraph/conc/panics"
)

// Safely runs fn and returns a recovered panic as an error wrapping
// ErrPanicked.
func Safely(fn func()) error {
	var pc panics.Catcher
	pc.Try(fn)
	if rec := pc.Recovered(); rec != nil {
		return fmt.Errorf("%w: %v", ErrPanicked, rec.Value)
	}
	return nil
}

// Guard runs a Coordinate body. A panic anywhere inside it becomes an error
// Result stamped by b.
func (b *Base) Guard(coordinate func() Result) Result {
	var res Result
	var pc panics.Catcher
	pc.Try(func() { res = coordinate() })
	if rec := pc.Recovered(); rec != nil {
		b.logger.Error().Interface("panic", rec.Value).Str("stack", string(rec.Stack)).Msg("coordinate panicked")
		return b.ErrorResult(fmt.Errorf("%w: %v", ErrPanicked, rec.Value), nil)
	}
	return res
}
