package tile

import (
	"cmp"
	"fmt"
)

// Position is a coordinate in tile space. Tile (0, 0) covers the navmesh area [0, size) on both axes.
type Position struct {
	X, Y int32
}

// Compare orders positions by Y first and X second, matching the row-major iteration of Range.All.
func Compare(a, b Position) int {
	if c := cmp.Compare(a.Y, b.Y); c != 0 {
		return c
	}
	return cmp.Compare(a.X, b.X)
}

// Key packs the position into a single int64, usable as an intintmap key.
func (p Position) Key() int64 {
	return int64(uint64(uint32(p.X))<<32 | uint64(uint32(p.Y)))
}

// PositionFromKey is the inverse of Position.Key.
func PositionFromKey(k int64) Position {
	return Position{X: int32(uint32(uint64(k) >> 32)), Y: int32(uint32(k))}
}

// Morton returns the Z-order value of the position, used to order work deterministically while keeping
// neighbouring tiles close together.
func (p Position) Morton() uint64 {
	return morton2(toUnsigned(p.X), toUnsigned(p.Y))
}

// DistanceSq returns the squared euclidean distance between two tiles in tile units.
func DistanceSq(a, b Position) int64 {
	dx, dy := int64(a.X)-int64(b.X), int64(a.Y)-int64(b.Y)
	return dx*dx + dy*dy
}

// Distance returns the Chebyshev distance between two tiles.
func Distance(a, b Position) int32 {
	return max(abs(a.X-b.X), abs(a.Y-b.Y))
}

func (p Position) String() string {
	return fmt.Sprintf("(%d, %d)", p.X, p.Y)
}

func toUnsigned(v int32) uint32 {
	return uint32(v) ^ (1 << 31)
}

func splitBy1(x uint32) uint64 {
	x64 := uint64(x)
	x64 = (x64 | x64<<16) & 0x0000FFFF0000FFFF
	x64 = (x64 | x64<<8) & 0x00FF00FF00FF00FF
	x64 = (x64 | x64<<4) & 0x0F0F0F0F0F0F0F0F
	x64 = (x64 | x64<<2) & 0x3333333333333333
	x64 = (x64 | x64<<1) & 0x5555555555555555
	return x64
}

func morton2(x, y uint32) uint64 {
	return splitBy1(x) | splitBy1(y)<<1
}
