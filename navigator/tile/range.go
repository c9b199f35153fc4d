package tile

import (
	"fmt"
	"iter"
)

// Range is an inclusive, axis aligned box of tile positions. A Range with Min greater than Max on any axis is
// empty.
type Range struct {
	Min, Max Position
}

// EmptyRange returns a Range that contains no tiles.
func EmptyRange() Range {
	return Range{Min: Position{X: 1, Y: 1}, Max: Position{X: 0, Y: 0}}
}

// Empty reports if r contains no tiles.
func (r Range) Empty() bool {
	return r.Min.X > r.Max.X || r.Min.Y > r.Max.Y
}

// Contains reports if pos lies within r.
func (r Range) Contains(pos Position) bool {
	return pos.X >= r.Min.X && pos.X <= r.Max.X && pos.Y >= r.Min.Y && pos.Y <= r.Max.Y
}

// Len returns the number of tiles in r.
func (r Range) Len() int {
	if r.Empty() {
		return 0
	}
	return int(int64(r.Max.X)-int64(r.Min.X)+1) * int(int64(r.Max.Y)-int64(r.Min.Y)+1)
}

// Intersect returns the tiles present in both r and o.
func (r Range) Intersect(o Range) Range {
	res := Range{
		Min: Position{X: max(r.Min.X, o.Min.X), Y: max(r.Min.Y, o.Min.Y)},
		Max: Position{X: min(r.Max.X, o.Max.X), Y: min(r.Max.Y, o.Max.Y)},
	}
	if res.Empty() {
		return EmptyRange()
	}
	return res
}

// Union returns the smallest range containing both r and o.
func (r Range) Union(o Range) Range {
	switch {
	case r.Empty():
		return o
	case o.Empty():
		return r
	}
	return Range{
		Min: Position{X: min(r.Min.X, o.Min.X), Y: min(r.Min.Y, o.Min.Y)},
		Max: Position{X: max(r.Max.X, o.Max.X), Y: max(r.Max.Y, o.Max.Y)},
	}
}

// Extend returns r grown to include pos.
func (r Range) Extend(pos Position) Range {
	return r.Union(Range{Min: pos, Max: pos})
}

// All iterates over every tile of r in row-major order. The order is deterministic.
func (r Range) All() iter.Seq[Position] {
	return func(yield func(Position) bool) {
		if r.Empty() {
			return
		}
		for y := int64(r.Min.Y); y <= int64(r.Max.Y); y++ {
			for x := int64(r.Min.X); x <= int64(r.Max.X); x++ {
				if !yield(Position{X: int32(x), Y: int32(y)}) {
					return
				}
			}
		}
	}
}

func (r Range) String() string {
	if r.Empty() {
		return "[]"
	}
	return fmt.Sprintf("[%v..%v]", r.Min, r.Max)
}
