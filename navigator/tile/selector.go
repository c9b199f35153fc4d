package tile

import (
	"math"
	"slices"
)

// WindowRadius returns the radius, in tiles, of the window around the player that is able to hold maxTiles
// tiles: ceil(sqrt(maxTiles/π) + 1). A non-positive budget has no window.
func WindowRadius(maxTiles int) int {
	if maxTiles <= 0 {
		return 0
	}
	return int(math.Ceil(math.Sqrt(float64(maxTiles)/math.Pi) + 1))
}

// Selection is the set of tiles that should be resident for one player position. A Selection is immutable.
type Selection struct {
	order []Position
	set   map[Position]struct{}
}

// Select returns the tiles within worldRange that should be resident around playerTile. Tiles are ranked by
// squared distance to the player, ties broken by Compare, and at most maxTiles of them are selected. The
// result only depends on the arguments.
func Select(worldRange Range, playerTile Position, maxTiles int) Selection {
	if maxTiles <= 0 || worldRange.Empty() {
		return Selection{}
	}
	r := int32(min(WindowRadius(maxTiles), math.MaxInt32/4))
	window := Range{
		Min: Position{X: clampSub(playerTile.X, r), Y: clampSub(playerTile.Y, r)},
		Max: Position{X: clampAdd(playerTile.X, r), Y: clampAdd(playerTile.Y, r)},
	}.Intersect(worldRange)

	candidates := make([]Position, 0, window.Len())
	for pos := range window.All() {
		candidates = append(candidates, pos)
	}
	slices.SortFunc(candidates, func(a, b Position) int {
		da, db := DistanceSq(a, playerTile), DistanceSq(b, playerTile)
		switch {
		case da < db:
			return -1
		case da > db:
			return 1
		}
		return Compare(a, b)
	})
	if len(candidates) > maxTiles {
		candidates = candidates[:maxTiles]
	}
	set := make(map[Position]struct{}, len(candidates))
	for _, pos := range candidates {
		set[pos] = struct{}{}
	}
	return Selection{order: candidates, set: set}
}

// Contains reports if pos should be resident.
func (s Selection) Contains(pos Position) bool {
	_, ok := s.set[pos]
	return ok
}

// Len returns the number of selected tiles.
func (s Selection) Len() int {
	return len(s.order)
}

// Order returns the selected tiles nearest first. The returned slice must not be modified.
func (s Selection) Order() []Position {
	return s.order
}

func clampAdd(v, d int32) int32 {
	if int64(v)+int64(d) > math.MaxInt32 {
		return math.MaxInt32
	}
	return v + d
}

func clampSub(v, d int32) int32 {
	if int64(v)-int64(d) < math.MinInt32 {
		return math.MinInt32
	}
	return v - d
}
