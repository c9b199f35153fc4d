package navmesh

import (
	"sync"

	"github.com/brentp/intintmap"
	"github.com/df-mc/detournav/navigator/tile"
)

// Version identifies the state of a CacheItem. Generation changes when the cache item is replaced, Revision
// changes on every merge that alters the navmesh.
type Version struct {
	Generation uint64
	Revision   uint64
}

// UpdateResult describes the outcome of merging a tile into a CacheItem.
type UpdateResult uint8

const (
	// UpdateIgnored means the merge was stale or a no-op and the navmesh was left untouched.
	UpdateIgnored UpdateResult = iota
	// UpdateAdded means a tile was added at a position that had none.
	UpdateAdded
	// UpdateReplaced means an existing tile was replaced.
	UpdateReplaced
	// UpdateRemoved means an existing tile was removed.
	UpdateRemoved
	// UpdateFailed means the tile could not be stored, for example because the tile limit was reached.
	UpdateFailed
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateIgnored:
		return "ignored"
	case UpdateAdded:
		return "added"
	case UpdateReplaced:
		return "replaced"
	case UpdateRemoved:
		return "removed"
	case UpdateFailed:
		return "failed"
	}
	return "unknown"
}

// CacheItem is the cached navmesh of one agent. The generation is fixed for the lifetime of the item: a
// structural reset replaces the whole item. All access to the navmesh goes through the item's lock, which is
// held for a single read or a single tile merge.
type CacheItem struct {
	refs

	generation uint64

	mu       sync.RWMutex
	mesh     *NavMesh
	revision uint64
	empty    map[tile.Position]struct{}
	// applied holds the change tracker revision last merged per tile, keyed by tile.Position.Key.
	applied *intintmap.Map
}

// NewCacheItem creates a CacheItem holding mesh. The returned item holds a single reference that belongs to
// its owner, usually the cache table.
func NewCacheItem(mesh *NavMesh, generation uint64) *CacheItem {
	c := &CacheItem{
		generation: generation,
		mesh:       mesh,
		empty:      make(map[tile.Position]struct{}),
		applied:    intintmap.New(64, 0.6),
	}
	c.refs.n.Store(1)
	return c
}

// Generation returns the generation the item was created with.
func (c *CacheItem) Generation() uint64 {
	return c.generation
}

// Version returns the current version of the item.
func (c *CacheItem) Version() Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Version{Generation: c.generation, Revision: c.revision}
}

// View is a read-only view of a CacheItem, valid only inside the function passed to CacheItem.Read.
type View struct {
	c *CacheItem
}

// NavMesh returns the navmesh of the item.
func (v View) NavMesh() *NavMesh {
	return v.c.mesh
}

// IsEmptyTile reports if pos was built before and produced no tile.
func (v View) IsEmptyTile(pos tile.Position) bool {
	_, ok := v.c.empty[pos]
	return ok
}

// Version returns the version of the item.
func (v View) Version() Version {
	return Version{Generation: v.c.generation, Revision: v.c.revision}
}

// Read calls fn with a consistent view of the item while holding a shared lock. fn must not retain the view
// or the navmesh after returning.
func (c *CacheItem) Read(fn func(v View)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(View{c: c})
}

// UpdateTile merges t into the navmesh. The merge is rejected as stale if a tile built against a newer
// change tracker revision was already merged at the same position.
func (c *CacheItem) UpdateTile(t *Tile) UpdateResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acceptLocked(t.Position, t.Revision) {
		return UpdateIgnored
	}
	replaced, err := c.mesh.AddTile(t)
	if err != nil {
		return UpdateFailed
	}
	c.applied.Put(t.Position.Key(), int64(t.Revision))
	delete(c.empty, t.Position)
	c.revision++
	if replaced {
		return UpdateReplaced
	}
	return UpdateAdded
}

// RemoveTile removes the tile at pos, if any, on behalf of a job built against revision.
func (c *CacheItem) RemoveTile(pos tile.Position, revision uint64) UpdateResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(pos, revision)
}

// MarkEmpty removes the tile at pos and records that the tile has no navmesh data at revision.
func (c *CacheItem) MarkEmpty(pos tile.Position, revision uint64) UpdateResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acceptLocked(pos, revision) {
		return UpdateIgnored
	}
	c.empty[pos] = struct{}{}
	return c.removeLocked(pos, revision)
}

func (c *CacheItem) removeLocked(pos tile.Position, revision uint64) UpdateResult {
	if !c.acceptLocked(pos, revision) {
		return UpdateIgnored
	}
	c.applied.Put(pos.Key(), int64(revision))
	if !c.mesh.RemoveTile(pos) {
		return UpdateIgnored
	}
	c.revision++
	return UpdateRemoved
}

// acceptLocked reports if a result computed against revision may be merged at pos.
func (c *CacheItem) acceptLocked(pos tile.Position, revision uint64) bool {
	last, ok := c.applied.Get(pos.Key())
	return !ok || uint64(last) <= revision
}

// AppliedRevision returns the change tracker revision last merged at pos.
func (c *CacheItem) AppliedRevision(pos tile.Position) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.applied.Get(pos.Key())
	return uint64(v), ok
}
