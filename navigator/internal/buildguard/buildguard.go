package buildguard

import (
	"errors"
	"fmt"
)

// ErrPanic is wrapped by errors returned for a function that panicked.
var ErrPanic = errors.New("tile build panicked")

// Run calls fn and returns its results. A panic inside fn is recovered and returned as an error wrapping
// ErrPanic, so a faulty builder never takes down a worker.
func Run[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}
