package recast

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/df-mc/detournav/navigator/tile"
)

// Mesh is an immutable snapshot of the geometry overlapping a single tile. It is the input of the tile
// builder.
type Mesh struct {
	Worldspace string
	Position   tile.Position
	// Revision is the manager revision at which the tile content last changed.
	Revision     uint64
	Objects      []ObjectSnapshot
	Water        []Water
	Heightfields []Heightfield

	hashOnce sync.Once
	hash     uint64
}

// Empty reports if the mesh holds no geometry at all.
func (m *Mesh) Empty() bool {
	return m == nil || len(m.Objects) == 0 && len(m.Water) == 0 && len(m.Heightfields) == 0
}

// Hash returns a hash of the geometry held by the mesh. Two meshes with equal geometry at the same tile hash
// equally, regardless of their revision.
func (m *Mesh) Hash() uint64 {
	m.hashOnce.Do(func() {
		d := xxhash.New()
		var buf [8]byte
		u64 := func(v uint64) {
			binary.LittleEndian.PutUint64(buf[:], v)
			_, _ = d.Write(buf[:])
		}
		f64 := func(v float64) { u64(math.Float64bits(v)) }

		u64(uint64(m.Position.Key()))
		u64(uint64(len(m.Objects)))
		for _, o := range m.Objects {
			_, _ = d.Write(o.ID[:])
			for a := 0; a < 3; a++ {
				f64(o.Min[a])
				f64(o.Max[a])
			}
			u64(uint64(o.Area))
		}
		u64(uint64(len(m.Water)))
		for _, w := range m.Water {
			u64(uint64(uint32(w.Cell[0]))<<32 | uint64(uint32(w.Cell[1])))
			u64(uint64(w.CellSize))
			f64(w.Level)
		}
		u64(uint64(len(m.Heightfields)))
		for _, h := range m.Heightfields {
			u64(uint64(uint32(h.Cell[0]))<<32 | uint64(uint32(h.Cell[1])))
			u64(uint64(h.CellSize))
			f64(h.MinHeight)
			f64(h.MaxHeight)
		}
		m.hash = d.Sum64()
	})
	return m.hash
}
