package recast

import (
	"bytes"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// ObjectID identifies a collision object tracked by the Manager.
type ObjectID = uuid.UUID

// AreaType is the navmesh area a piece of geometry produces.
type AreaType uint8

const (
	AreaNull AreaType = iota
	AreaGround
	AreaWater
	AreaDoor
	AreaPathgrid
)

func (a AreaType) String() string {
	switch a {
	case AreaNull:
		return "null"
	case AreaGround:
		return "ground"
	case AreaWater:
		return "water"
	case AreaDoor:
		return "door"
	case AreaPathgrid:
		return "pathgrid"
	}
	return "unknown"
}

// Shape is a collision shape, represented by its local axis aligned bounding box.
type Shape struct {
	Min, Max mgl64.Vec3
}

// Transform places a Shape in the world.
type Transform struct {
	Origin   mgl64.Vec3
	Rotation mgl64.Quat
}

// IdentityTransform returns a Transform placing a shape at origin without rotation.
func IdentityTransform(origin mgl64.Vec3) Transform {
	return Transform{Origin: origin, Rotation: mgl64.QuatIdent()}
}

// AABB returns the world space bounding box of s transformed by t.
func (s Shape) AABB(t Transform) (lo, hi mgl64.Vec3) {
	rot := t.Rotation
	if rot.Len() == 0 {
		rot = mgl64.QuatIdent()
	}
	lo = mgl64.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi = mgl64.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for i := 0; i < 8; i++ {
		corner := mgl64.Vec3{pick(i&1, s.Min[0], s.Max[0]), pick(i&2, s.Min[1], s.Max[1]), pick(i&4, s.Min[2], s.Max[2])}
		p := rot.Rotate(corner).Add(t.Origin)
		for a := 0; a < 3; a++ {
			lo[a] = math.Min(lo[a], p[a])
			hi[a] = math.Max(hi[a], p[a])
		}
	}
	return lo, hi
}

func pick(bit int, a, b float64) float64 {
	if bit == 0 {
		return a
	}
	return b
}

// CellPosition is the position of an exterior cell in the cell grid.
type CellPosition [2]int32

// Water is a horizontal water plane covering a cell.
type Water struct {
	Cell     CellPosition
	CellSize int
	Level    float64
}

// Heightfield is terrain covering a cell, reduced to its height span.
type Heightfield struct {
	Cell      CellPosition
	CellSize  int
	MinHeight float64
	MaxHeight float64
}

// CellBounds returns the horizontal world bounds of a cell.
func CellBounds(cell CellPosition, cellSize int) (lo, hi mgl64.Vec2) {
	size := float64(cellSize)
	lo = mgl64.Vec2{float64(cell[0]) * size, float64(cell[1]) * size}
	return lo, lo.Add(mgl64.Vec2{size, size})
}

// ObjectSnapshot is an object as seen by a Mesh.
type ObjectSnapshot struct {
	ID       ObjectID
	Min, Max mgl64.Vec3
	Area     AreaType
}

func compareObjects(a, b ObjectSnapshot) int {
	return bytes.Compare(a.ID[:], b.ID[:])
}

func compareCells(a, b CellPosition) int {
	if a[1] != b[1] {
		if a[1] < b[1] {
			return -1
		}
		return 1
	}
	if a[0] != b[0] {
		if a[0] < b[0] {
			return -1
		}
		return 1
	}
	return 0
}
