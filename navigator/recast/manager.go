package recast

import (
	"math"
	"slices"
	"sync"

	"github.com/df-mc/detournav/navigator/tile"
	"github.com/go-gl/mathgl/mgl64"
)

// Manager tracks the geometry of the active worldspace and records which tiles it changed since the last
// call to TakeChangedTiles. Manager is safe for concurrent use.
type Manager struct {
	settings tile.Settings

	mu         sync.Mutex
	worldspace string
	bounds     tile.Bounds2D
	revision   uint64

	objects      map[ObjectID]*object
	water        map[CellPosition]Water
	heightfields map[CellPosition]Heightfield

	tiles   map[tile.Position]*tileContent
	changed tile.Changes
	meshes  map[tile.Position]*Mesh

	contentRange tile.Range
	rangeDirty   bool
}

type object struct {
	shape     Shape
	transform Transform
	area      AreaType
	lo, hi    mgl64.Vec3
	tiles     tile.Range
}

type tileContent struct {
	objects      map[ObjectID]struct{}
	water        map[CellPosition]struct{}
	heightfields map[CellPosition]struct{}
	revision     uint64
}

func (c *tileContent) empty() bool {
	return len(c.objects) == 0 && len(c.water) == 0 && len(c.heightfields) == 0
}

// NewManager creates a Manager without geometry and with infinite bounds.
func NewManager(settings tile.Settings) *Manager {
	return &Manager{
		settings:     settings.WithDefaults(),
		bounds:       tile.Infinite(),
		objects:      make(map[ObjectID]*object),
		water:        make(map[CellPosition]Water),
		heightfields: make(map[CellPosition]Heightfield),
		tiles:        make(map[tile.Position]*tileContent),
		changed:      make(tile.Changes),
		meshes:       make(map[tile.Position]*Mesh),
		contentRange: tile.EmptyRange(),
	}
}

// SetWorldspace switches the active worldspace. All geometry of the previous worldspace is forgotten along
// with the changes not yet taken, since tiles of different worldspaces are unrelated. The revision is bumped,
// so a coordinator polling Revision notices the switch.
func (m *Manager) SetWorldspace(worldspace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.worldspace == worldspace {
		return
	}
	m.worldspace = worldspace
	clear(m.objects)
	clear(m.water)
	clear(m.heightfields)
	clear(m.tiles)
	clear(m.meshes)
	m.changed = make(tile.Changes)
	m.contentRange, m.rangeDirty = tile.EmptyRange(), true
	m.revision++
}

// SetBounds restricts change tracking to the tiles overlapping b. Tiles with content that leave the bounds
// are reported as removed, tiles with content that enter them as added.
func (m *Manager) SetBounds(b tile.Bounds2D) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b == m.bounds {
		return
	}
	oldBounded, oldRange := m.boundsRangeLocked()
	m.bounds = b
	newBounded, newRange := m.boundsRangeLocked()
	m.rangeDirty = true

	changed := false
	for pos, content := range m.tiles {
		if content.empty() {
			continue
		}
		wasIn := !oldBounded || oldRange.Contains(pos)
		isIn := !newBounded || newRange.Contains(pos)
		switch {
		case wasIn && !isIn:
			m.changed.Add(pos, tile.ChangeRemove)
			changed = true
		case !wasIn && isIn:
			m.changed.Add(pos, tile.ChangeAdd)
			changed = true
		}
	}
	if changed {
		m.revision++
	}
}

// AddObject starts tracking a collision object. It returns false if an object with the same id is already
// tracked.
func (m *Manager) AddObject(id ObjectID, shape Shape, transform Transform, area AreaType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[id]; ok {
		return false
	}
	o := &object{shape: shape, transform: transform, area: area}
	o.lo, o.hi = shape.AABB(transform)
	o.tiles = m.rangeOfBoxLocked(o.lo, o.hi)
	m.objects[id] = o
	for pos := range o.tiles.All() {
		m.contentLocked(pos).objects[id] = struct{}{}
	}
	m.markLocked(o.tiles, tile.ChangeAdd)
	return true
}

// UpdateObject moves a tracked object. It returns false if the object is unknown or neither its transform
// nor its area changed.
func (m *Manager) UpdateObject(id ObjectID, transform Transform, area AreaType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok || (o.transform == transform && o.area == area) {
		return false
	}
	old := o.tiles
	for pos := range old.All() {
		m.dropLocked(pos, func(c *tileContent) { delete(c.objects, id) })
	}
	o.transform, o.area = transform, area
	o.lo, o.hi = o.shape.AABB(transform)
	o.tiles = m.rangeOfBoxLocked(o.lo, o.hi)
	for pos := range o.tiles.All() {
		m.contentLocked(pos).objects[id] = struct{}{}
	}
	m.markLocked(old.Union(o.tiles), tile.ChangeUpdate)
	return true
}

// RemoveObject stops tracking an object. The tiles it overlapped are reported as updated, since they may
// still hold other geometry.
func (m *Manager) RemoveObject(id ObjectID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return false
	}
	delete(m.objects, id)
	for pos := range o.tiles.All() {
		m.dropLocked(pos, func(c *tileContent) { delete(c.objects, id) })
	}
	m.markLocked(o.tiles, tile.ChangeUpdate)
	return true
}

// AddWater adds a water plane covering the cell at the level passed.
func (m *Manager) AddWater(cell CellPosition, cellSize int, level float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.water[cell]; ok {
		return false
	}
	m.water[cell] = Water{Cell: cell, CellSize: cellSize, Level: level}
	r := m.rangeOfCellLocked(cell, cellSize)
	for pos := range r.All() {
		m.contentLocked(pos).water[cell] = struct{}{}
	}
	m.markLocked(r, tile.ChangeAdd)
	return true
}

// RemoveWater removes the water plane of a cell.
func (m *Manager) RemoveWater(cell CellPosition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.water[cell]
	if !ok {
		return false
	}
	delete(m.water, cell)
	r := m.rangeOfCellLocked(cell, w.CellSize)
	for pos := range r.All() {
		m.dropLocked(pos, func(c *tileContent) { delete(c.water, cell) })
	}
	m.markLocked(r, tile.ChangeUpdate)
	return true
}

// AddHeightfield adds terrain covering the cell. heights holds the terrain samples; an empty slice describes
// a flat plane at height zero.
func (m *Manager) AddHeightfield(cell CellPosition, cellSize int, heights []float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.heightfields[cell]; ok {
		return false
	}
	h := Heightfield{Cell: cell, CellSize: cellSize}
	if len(heights) > 0 {
		h.MinHeight, h.MaxHeight = slices.Min(heights), slices.Max(heights)
	}
	m.heightfields[cell] = h
	r := m.rangeOfCellLocked(cell, cellSize)
	for pos := range r.All() {
		m.contentLocked(pos).heightfields[cell] = struct{}{}
	}
	m.markLocked(r, tile.ChangeAdd)
	return true
}

// RemoveHeightfield removes the terrain of a cell.
func (m *Manager) RemoveHeightfield(cell CellPosition) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heightfields[cell]
	if !ok {
		return false
	}
	delete(m.heightfields, cell)
	r := m.rangeOfCellLocked(cell, h.CellSize)
	for pos := range r.All() {
		m.dropLocked(pos, func(c *tileContent) { delete(c.heightfields, cell) })
	}
	m.markLocked(r, tile.ChangeUpdate)
	return true
}

// AddChangedTile records a change of pos caused by something other than tracked geometry, such as an
// off-mesh connection.
func (m *Manager) AddChangedTile(pos tile.Position, change tile.Change) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markLocked(tile.Range{Min: pos, Max: pos}, change)
}

// Revision returns a counter that is bumped every time a change is recorded.
func (m *Manager) Revision() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision
}

// TakeChangedTiles returns the changes recorded since the previous call and forgets them.
func (m *Manager) TakeChangedTiles() tile.Changes {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.changed
	m.changed = make(tile.Changes)
	return changed
}

// Range returns the tiles holding geometry, limited to the current bounds.
func (m *Manager) Range() tile.Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rangeDirty {
		r := tile.EmptyRange()
		for pos, content := range m.tiles {
			if !content.empty() {
				r = r.Extend(pos)
			}
		}
		m.contentRange, m.rangeDirty = r, false
	}
	if bounded, br := m.boundsRangeLocked(); bounded {
		return m.contentRange.Intersect(br)
	}
	return m.contentRange
}

// CachedMesh returns the geometry snapshot of a tile of the worldspace passed. It returns false if the
// worldspace is not active or the tile holds no geometry.
func (m *Manager) CachedMesh(worldspace string, pos tile.Position) (*Mesh, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worldspace != m.worldspace {
		return nil, false
	}
	if mesh, ok := m.meshes[pos]; ok {
		return mesh, true
	}
	content, ok := m.tiles[pos]
	if !ok || content.empty() {
		return nil, false
	}
	mesh := &Mesh{Worldspace: worldspace, Position: pos, Revision: content.revision}
	for id := range content.objects {
		o := m.objects[id]
		mesh.Objects = append(mesh.Objects, ObjectSnapshot{ID: id, Min: o.lo, Max: o.hi, Area: o.area})
	}
	slices.SortFunc(mesh.Objects, compareObjects)
	for cell := range content.water {
		mesh.Water = append(mesh.Water, m.water[cell])
	}
	slices.SortFunc(mesh.Water, func(a, b Water) int { return compareCells(a.Cell, b.Cell) })
	for cell := range content.heightfields {
		mesh.Heightfields = append(mesh.Heightfields, m.heightfields[cell])
	}
	slices.SortFunc(mesh.Heightfields, func(a, b Heightfield) int { return compareCells(a.Cell, b.Cell) })
	m.meshes[pos] = mesh
	return mesh, true
}

// markLocked bumps the revision once and invalidates the snapshots of every tile of r, then records change
// for the tiles of r within the bounds. Tiles outside the bounds are reported once they enter them.
func (m *Manager) markLocked(r tile.Range, change tile.Change) {
	if r.Empty() {
		return
	}
	m.revision++
	m.rangeDirty = true
	for pos := range r.All() {
		delete(m.meshes, pos)
		if c, ok := m.tiles[pos]; ok {
			c.revision = m.revision
		}
	}
	if bounded, br := m.boundsRangeLocked(); bounded {
		r = r.Intersect(br)
	}
	for pos := range r.All() {
		m.changed.Add(pos, change)
	}
}

func (m *Manager) contentLocked(pos tile.Position) *tileContent {
	c, ok := m.tiles[pos]
	if !ok {
		c = &tileContent{
			objects:      make(map[ObjectID]struct{}),
			water:        make(map[CellPosition]struct{}),
			heightfields: make(map[CellPosition]struct{}),
		}
		m.tiles[pos] = c
	}
	return c
}

// dropLocked applies fn to the content of pos and deletes the content once empty. The mesh snapshot of pos
// is invalidated even if the change falls outside the bounds.
func (m *Manager) dropLocked(pos tile.Position, fn func(c *tileContent)) {
	delete(m.meshes, pos)
	c, ok := m.tiles[pos]
	if !ok {
		return
	}
	fn(c)
	if c.empty() {
		delete(m.tiles, pos)
	}
	m.rangeDirty = true
}

func (m *Manager) boundsRangeLocked() (bool, tile.Range) {
	if m.bounds.IsInfinite() {
		return false, tile.Range{}
	}
	return true, tile.RangeOf(m.settings, m.bounds)
}

func (m *Manager) rangeOfBoxLocked(lo, hi mgl64.Vec3) tile.Range {
	return tile.RangeOf(m.settings, tile.Bounds2D{Min: mgl64.Vec2{lo[0], lo[1]}, Max: mgl64.Vec2{hi[0], hi[1]}})
}

func (m *Manager) rangeOfCellLocked(cell CellPosition, cellSize int) tile.Range {
	lo, hi := CellBounds(cell, cellSize)
	// A cell ends where the next one begins: nudge the upper edge inwards so it does not spill into the
	// neighbouring tile when cells and tiles are aligned.
	eps := math.Max(math.Max(math.Abs(hi[0]), math.Abs(hi[1]))*1e-12, 1e-9)
	return tile.RangeOf(m.settings, tile.Bounds2D{Min: lo, Max: hi.Sub(mgl64.Vec2{eps, eps})})
}
