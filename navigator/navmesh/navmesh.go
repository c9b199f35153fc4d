package navmesh

import (
	"errors"
	"maps"
	"slices"

	"github.com/df-mc/detournav/navigator/tile"
)

// ErrTileLimit is returned by NavMesh.AddTile when the navmesh already holds Params.MaxTiles tiles.
var ErrTileLimit = errors.New("navmesh: tile limit reached")

// Params describes the layout of a NavMesh.
type Params struct {
	// TileWorldSize is the length of a tile side in world units.
	TileWorldSize float64
	// MaxTiles is the maximum number of tiles the navmesh may hold at once.
	MaxTiles int
}

// Tile is a built navmesh tile. The Data blob is produced by the tile builder and is opaque to the cache.
type Tile struct {
	Position tile.Position
	// Revision is the change tracker revision the tile was built against.
	Revision uint64
	Data     []byte
}

// NavMesh is a set of tiles for a single agent. NavMesh is not safe for concurrent use: it is always accessed
// through a CacheItem.
type NavMesh struct {
	params Params
	tiles  map[tile.Position]*Tile
}

// New creates an empty NavMesh.
func New(params Params) *NavMesh {
	return &NavMesh{params: params, tiles: make(map[tile.Position]*Tile)}
}

// Params returns the parameters the navmesh was created with.
func (n *NavMesh) Params() Params {
	return n.params
}

// TileAt returns the tile at pos, if present.
func (n *NavMesh) TileAt(pos tile.Position) (*Tile, bool) {
	t, ok := n.tiles[pos]
	return t, ok
}

// TileCount returns the number of tiles currently held.
func (n *NavMesh) TileCount() int {
	return len(n.tiles)
}

// Positions returns the positions of all tiles in deterministic order.
func (n *NavMesh) Positions() []tile.Position {
	return slices.SortedFunc(maps.Keys(n.tiles), tile.Compare)
}

// AddTile stores t, replacing a tile at the same position. It returns true if a tile was replaced.
func (n *NavMesh) AddTile(t *Tile) (replaced bool, err error) {
	if _, ok := n.tiles[t.Position]; ok {
		n.tiles[t.Position] = t
		return true, nil
	}
	if n.params.MaxTiles > 0 && len(n.tiles) >= n.params.MaxTiles {
		return false, ErrTileLimit
	}
	n.tiles[t.Position] = t
	return false, nil
}

// RemoveTile drops the tile at pos and reports if one was present.
func (n *NavMesh) RemoveTile(pos tile.Position) bool {
	if _, ok := n.tiles[pos]; !ok {
		return false
	}
	delete(n.tiles, pos)
	return true
}
