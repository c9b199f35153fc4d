package agent

import (
	"cmp"
	"errors"
	"fmt"
	"math"

	"github.com/segmentio/fasthash/fnv1a"
)

// ErrInvalidBounds is returned when agent bounds with a non-positive or non-finite radius or height are used.
var ErrInvalidBounds = errors.New("agent: invalid bounds")

// Bounds describes the locomotion profile of an agent. Every distinct Bounds value owns its own navigation mesh.
// Bounds is comparable and may be used as a map key.
type Bounds struct {
	// Radius is the horizontal radius of the agent cylinder.
	Radius float64
	// Height is the height of the agent cylinder.
	Height float64
}

// Valid reports if both dimensions of b are finite and positive.
func (b Bounds) Valid() bool {
	return finitePositive(b.Radius) && finitePositive(b.Height)
}

// Hash returns a stable 64-bit hash of b.
func (b Bounds) Hash() uint64 {
	h := fnv1a.Init64
	h = fnv1a.AddUint64(h, math.Float64bits(b.Radius))
	h = fnv1a.AddUint64(h, math.Float64bits(b.Height))
	return h
}

// String formats b for logging.
func (b Bounds) String() string {
	return fmt.Sprintf("{radius=%g height=%g}", b.Radius, b.Height)
}

// Compare orders bounds by height first and radius second.
func Compare(a, b Bounds) int {
	if c := cmp.Compare(a.Height, b.Height); c != 0 {
		return c
	}
	return cmp.Compare(a.Radius, b.Radius)
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
