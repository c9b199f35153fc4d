// Package builder provides a tile builder that turns tile geometry into walkable footprints. It stands in for
// a full voxelisation pipeline: every surface is an axis aligned rectangle eroded by the agent radius.
package builder

import (
	"context"
	"errors"
	"math"

	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/updater"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrDegenerateGeometry is returned when the input geometry holds coordinates that are not finite.
var ErrDegenerateGeometry = errors.New("builder: degenerate geometry")

// Polygon is a walkable rectangle of a tile.
type Polygon struct {
	MinX   float32 `msgpack:"min_x"`
	MinY   float32 `msgpack:"min_y"`
	MaxX   float32 `msgpack:"max_x"`
	MaxY   float32 `msgpack:"max_y"`
	Height float32 `msgpack:"h"`
	Area   uint8   `msgpack:"area"`
}

// Link is an off-mesh connection baked into a tile.
type Link struct {
	Start [3]float32 `msgpack:"start"`
	End   [3]float32 `msgpack:"end"`
	Area  uint8      `msgpack:"area"`
}

// TileData is the decoded content of a tile blob.
type TileData struct {
	X        int32     `msgpack:"x"`
	Y        int32     `msgpack:"y"`
	Polygons []Polygon `msgpack:"polys"`
	Links    []Link    `msgpack:"links"`
}

// Decode decodes a blob produced by Footprint.
func Decode(blob []byte) (TileData, error) {
	var d TileData
	if err := msgpack.Unmarshal(blob, &d); err != nil {
		return TileData{}, err
	}
	return d, nil
}

// Footprint is the default Builder.
type Footprint struct{}

var _ updater.Builder = Footprint{}

// Build builds the tile described by in.
func (Footprint) Build(ctx context.Context, in updater.BuildInput) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := in.Settings.TileWorldSize()
	tileLo := mgl64.Vec2{float64(in.Position.X) * size, float64(in.Position.Y) * size}
	tileHi := tileLo.Add(mgl64.Vec2{size, size})
	r := in.Agent.Radius

	data := TileData{X: in.Position.X, Y: in.Position.Y}
	for i, o := range in.Mesh.Objects {
		if !finite(o.Min) || !finite(o.Max) {
			return nil, ErrDegenerateGeometry
		}
		if o.Area == recast.AreaNull {
			continue
		}
		poly, ok := clip(mgl64.Vec2{o.Min[0] + r, o.Min[1] + r}, mgl64.Vec2{o.Max[0] - r, o.Max[1] - r}, tileLo, tileHi)
		if !ok || blocked(in, i, poly, o.Max[2]) {
			continue
		}
		poly.Height, poly.Area = float32(o.Max[2]), uint8(o.Area)
		data.Polygons = append(data.Polygons, poly)
	}
	for _, h := range in.Mesh.Heightfields {
		if math.IsNaN(h.MaxHeight) || math.IsInf(h.MaxHeight, 0) {
			return nil, ErrDegenerateGeometry
		}
		lo, hi := recast.CellBounds(h.Cell, h.CellSize)
		if poly, ok := clip(lo, hi, tileLo, tileHi); ok {
			poly.Height, poly.Area = float32(h.MaxHeight), uint8(recast.AreaGround)
			data.Polygons = append(data.Polygons, poly)
		}
	}
	for _, w := range in.Mesh.Water {
		if math.IsNaN(w.Level) || math.IsInf(w.Level, 0) {
			return nil, ErrDegenerateGeometry
		}
		lo, hi := recast.CellBounds(w.Cell, w.CellSize)
		if poly, ok := clip(lo, hi, tileLo, tileHi); ok {
			poly.Height, poly.Area = float32(w.Level), uint8(recast.AreaWater)
			data.Polygons = append(data.Polygons, poly)
		}
	}
	for _, c := range in.OffMesh {
		if !finite(c.Start) || !finite(c.End) {
			return nil, ErrDegenerateGeometry
		}
		data.Links = append(data.Links, Link{Start: vec32(c.Start), End: vec32(c.End), Area: uint8(c.Area)})
	}
	if len(data.Polygons) == 0 && len(data.Links) == 0 {
		return nil, nil
	}
	return msgpack.Marshal(data)
}

// blocked reports if an object other than the one at index self leaves less headroom above the surface
// than the agent needs.
func blocked(in updater.BuildInput, self int, poly Polygon, surface float64) bool {
	for j, q := range in.Mesh.Objects {
		if j == self || q.Area == recast.AreaNull {
			continue
		}
		if float64(poly.MaxX) <= q.Min[0] || float64(poly.MinX) >= q.Max[0] ||
			float64(poly.MaxY) <= q.Min[1] || float64(poly.MinY) >= q.Max[1] {
			continue
		}
		if gap := q.Min[2] - surface; gap > 0 && gap < in.Agent.Height {
			return true
		}
	}
	return false
}

func clip(lo, hi, tileLo, tileHi mgl64.Vec2) (Polygon, bool) {
	minX, minY := math.Max(lo[0], tileLo[0]), math.Max(lo[1], tileLo[1])
	maxX, maxY := math.Min(hi[0], tileHi[0]), math.Min(hi[1], tileHi[1])
	if minX >= maxX || minY >= maxY {
		return Polygon{}, false
	}
	return Polygon{MinX: float32(minX), MinY: float32(minY), MaxX: float32(maxX), MaxY: float32(maxY)}, true
}

func finite(v mgl64.Vec3) bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func vec32(v mgl64.Vec3) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}
