package tile

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/exp/constraints"
)

// Settings holds the parameters that map world coordinates onto tiles.
type Settings struct {
	// CellSize is the size of a single voxel cell in navmesh units.
	CellSize float64 `toml:"cell_size"`
	// TileSize is the number of cells along one side of a tile.
	TileSize int `toml:"tile_size"`
	// RecastScaleFactor converts world units to navmesh units.
	RecastScaleFactor float64 `toml:"recast_scale_factor"`
	// MaxTilesNumber is the tile budget per agent: the resident window around the player never holds more
	// tiles than this.
	MaxTilesNumber int `toml:"max_tiles_number"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		CellSize:          0.2,
		TileSize:          128,
		RecastScaleFactor: 0.017647058823529415,
		MaxTilesNumber:    512,
	}
}

// WithDefaults fills zero fields of s with the values from DefaultSettings.
func (s Settings) WithDefaults() Settings {
	def := DefaultSettings()
	if s.CellSize <= 0 {
		s.CellSize = def.CellSize
	}
	if s.TileSize <= 0 {
		s.TileSize = def.TileSize
	}
	if s.RecastScaleFactor <= 0 {
		s.RecastScaleFactor = def.RecastScaleFactor
	}
	if s.MaxTilesNumber == 0 {
		s.MaxTilesNumber = def.MaxTilesNumber
	}
	return s
}

// TileWorldSize returns the length of one side of a tile in world units.
func (s Settings) TileWorldSize() float64 {
	return float64(s.TileSize) * s.CellSize / s.RecastScaleFactor
}

// Bounds2D is a rectangle in world coordinates on the horizontal plane.
type Bounds2D struct {
	Min, Max mgl64.Vec2
}

// Infinite returns bounds that cover the whole world.
func Infinite() Bounds2D {
	return Bounds2D{
		Min: mgl64.Vec2{math.Inf(-1), math.Inf(-1)},
		Max: mgl64.Vec2{math.Inf(1), math.Inf(1)},
	}
}

// IsInfinite reports if b was created by Infinite.
func (b Bounds2D) IsInfinite() bool {
	return math.IsInf(b.Min[0], -1) && math.IsInf(b.Max[0], 1)
}

// PositionOf returns the tile containing the world position pos. Only the horizontal X and Y components are
// used. PositionOf panics if pos cannot be mapped onto a tile, which means the caller passed a corrupt
// position.
func PositionOf(s Settings, pos mgl64.Vec3) Position {
	size := s.TileWorldSize()
	return Position{X: toTile(pos.X(), size), Y: toTile(pos.Y(), size)}
}

// BoundsOf returns the square area around center that is kept under change tracking for a budget of maxTiles.
// Its half extent is WindowRadius(maxTiles) tiles.
func BoundsOf(s Settings, center mgl64.Vec2, maxTiles int) Bounds2D {
	radius := float64(WindowRadius(maxTiles)) * s.TileWorldSize()
	return Bounds2D{
		Min: center.Sub(mgl64.Vec2{radius, radius}),
		Max: center.Add(mgl64.Vec2{radius, radius}),
	}
}

// RangeOf returns the tiles overlapped by b. Infinite bounds have no tile range and must be checked by the
// caller with Bounds2D.IsInfinite.
func RangeOf(s Settings, b Bounds2D) Range {
	if b.IsInfinite() {
		panic("tile: range of infinite bounds")
	}
	size := s.TileWorldSize()
	return Range{
		Min: Position{X: toTile(b.Min[0], size), Y: toTile(b.Min[1], size)},
		Max: Position{X: toTile(b.Max[0], size), Y: toTile(b.Max[1], size)},
	}
}

// toTile converts a world coordinate to a tile coordinate.
func toTile(v, size float64) int32 {
	f := math.Floor(v / size)
	if math.IsNaN(f) || f < math.MinInt32 || f > math.MaxInt32 {
		panic(fmt.Sprintf("tile: coordinate %v out of tile space (tile size %v)", v, size))
	}
	return int32(f)
}

func abs[T constraints.Signed](v T) T {
	if v < 0 {
		return -v
	}
	return v
}
