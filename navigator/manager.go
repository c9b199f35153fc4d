// Package navigator keeps a navmesh per agent up to date with the world geometry around the player. The
// Manager computes, once per tick, the minimal set of tiles to rebuild and hands them to a pool of workers
// that merge the built tiles into the cached navmeshes.
package navigator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/navmesh"
	"github.com/df-mc/detournav/navigator/offmesh"
	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tile"
	"github.com/df-mc/detournav/navigator/tiledb"
	"github.com/df-mc/detournav/navigator/updater"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Geometry tracks the geometry of the active worldspace and the tiles it changed. recast.Manager is the
// default implementation.
type Geometry interface {
	SetWorldspace(worldspace string)
	SetBounds(b tile.Bounds2D)
	AddObject(id recast.ObjectID, shape recast.Shape, transform recast.Transform, area recast.AreaType) bool
	UpdateObject(id recast.ObjectID, transform recast.Transform, area recast.AreaType) bool
	RemoveObject(id recast.ObjectID) bool
	AddWater(cell recast.CellPosition, cellSize int, level float64) bool
	RemoveWater(cell recast.CellPosition) bool
	AddHeightfield(cell recast.CellPosition, cellSize int, heights []float64) bool
	RemoveHeightfield(cell recast.CellPosition) bool
	AddChangedTile(pos tile.Position, change tile.Change)
	// Revision is incremented on every recorded change.
	Revision() uint64
	// TakeChangedTiles returns the tiles changed since the previous call and forgets them.
	TakeChangedTiles() tile.Changes
	// Range returns the tiles that may hold geometry.
	Range() tile.Range
	CachedMesh(worldspace string, pos tile.Position) (*recast.Mesh, bool)
}

// RemoveStatus is the outcome of Manager.RemoveAgent.
type RemoveStatus uint8

const (
	// Removed means the agent and its navmesh were removed.
	Removed RemoveStatus = iota
	// RemoveDeferred means a handle to the agent's navmesh is still held, either by a reader or by a pending
	// tile job. The agent is left in place and the removal may be retried later.
	RemoveDeferred
	// RemoveUnknown means no agent with the bounds passed exists.
	RemoveUnknown
)

func (s RemoveStatus) String() string {
	switch s {
	case Removed:
		return "removed"
	case RemoveDeferred:
		return "deferred"
	case RemoveUnknown:
		return "unknown"
	}
	panic("unknown remove status")
}

// Manager maintains a navmesh per agent. Geometry changes are forwarded to the Geometry, and Reconcile turns
// the changes and the movement of the player into tile jobs.
//
// SetWorldspace and Reconcile must not be called concurrently with each other; they are usually only called
// from the simulation goroutine. All other methods are safe for concurrent use.
type Manager struct {
	conf    Config
	log     *slog.Logger
	geom    Geometry
	conns   *offmesh.Manager
	table   *cacheTable
	updater *updater.Updater

	generation atomic.Uint64

	// mu guards the fields below. Reconcile holds it for the whole pass.
	mu           sync.Mutex
	worldspace   string
	playerTile   tile.Position
	hasPlayer    bool
	lastRevision uint64
}

// SetWorldspace switches the active worldspace. Every navmesh is replaced by an empty one with a greater
// generation, tile jobs still queued for the previous worldspace are dropped and the switch is forwarded to
// the Geometry. Nothing happens if worldspace is already active.
func (m *Manager) SetWorldspace(worldspace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if worldspace == m.worldspace {
		return
	}
	m.worldspace = worldspace
	m.hasPlayer = false
	m.updater.SetWorldspace(worldspace)
	m.table.replaceAll(m.newItem)
	m.geom.SetWorldspace(worldspace)
	m.log.Debug("navmesh worldspace changed", "worldspace", worldspace)
}

// Worldspace returns the active worldspace.
func (m *Manager) Worldspace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worldspace
}

// UpdateBounds moves the area in which geometry changes are tracked to the window of maxTiles tiles around
// playerPosition. It does not touch any navmesh.
func (m *Manager) UpdateBounds(playerPosition mgl64.Vec3, maxTiles int) {
	center := mgl64.Vec2{playerPosition.X(), playerPosition.Y()}
	m.geom.SetBounds(tile.BoundsOf(m.conf.Settings, center, maxTiles))
}

// AddObject adds a collision object. It reports if the geometry changed.
func (m *Manager) AddObject(id recast.ObjectID, shape recast.Shape, transform recast.Transform, area recast.AreaType) bool {
	return m.geom.AddObject(id, shape, transform, area)
}

// UpdateObject moves an object or changes its area. It reports if the geometry changed.
func (m *Manager) UpdateObject(id recast.ObjectID, transform recast.Transform, area recast.AreaType) bool {
	return m.geom.UpdateObject(id, transform, area)
}

// RemoveObject removes an object. It reports if the object existed.
func (m *Manager) RemoveObject(id recast.ObjectID) bool {
	return m.geom.RemoveObject(id)
}

// AddWater adds a water plane covering a cell. It reports if the geometry changed.
func (m *Manager) AddWater(cell recast.CellPosition, cellSize int, level float64) bool {
	return m.geom.AddWater(cell, cellSize, level)
}

// RemoveWater removes the water plane of a cell. It reports if the cell had water.
func (m *Manager) RemoveWater(cell recast.CellPosition) bool {
	return m.geom.RemoveWater(cell)
}

// AddHeightfield adds the terrain of a cell. It reports if the geometry changed.
func (m *Manager) AddHeightfield(cell recast.CellPosition, cellSize int, heights []float64) bool {
	return m.geom.AddHeightfield(cell, cellSize, heights)
}

// RemoveHeightfield removes the terrain of a cell. It reports if the cell had terrain.
func (m *Manager) RemoveHeightfield(cell recast.CellPosition) bool {
	return m.geom.RemoveHeightfield(cell)
}

// AddOffMeshConnection adds a connection from start to end owned by id. The tiles of both ends are rebuilt
// on the next pass.
func (m *Manager) AddOffMeshConnection(id uuid.UUID, start, end mgl64.Vec3, area recast.AreaType) {
	c := offmesh.Connection{Start: start, End: end, Area: area}
	m.conns.Add(id, c)
	for _, pos := range m.conns.Tiles(c) {
		m.geom.AddChangedTile(pos, tile.ChangeAdd)
	}
}

// RemoveOffMeshConnections removes every connection owned by id.
func (m *Manager) RemoveOffMeshConnections(id uuid.UUID) {
	for _, pos := range m.conns.Remove(id) {
		m.geom.AddChangedTile(pos, tile.ChangeUpdate)
	}
}

// AddAgent adds an agent with an empty navmesh. It returns false if the agent already exists and
// agent.ErrInvalidBounds if b is not a valid agent. The next call to Reconcile builds the navmesh of a new
// agent.
func (m *Manager) AddAgent(b agent.Bounds) (bool, error) {
	if !b.Valid() {
		return false, agent.ErrInvalidBounds
	}
	if !m.table.add(b, m.newItem) {
		return false, nil
	}
	m.mu.Lock()
	m.hasPlayer = false
	m.mu.Unlock()
	m.log.Debug("navmesh agent added", "agent", b)
	return true, nil
}

// RemoveAgent removes an agent and its navmesh, unless a handle to the navmesh is still held.
func (m *Manager) RemoveAgent(b agent.Bounds) RemoveStatus {
	status := m.table.retire(b)
	if status == Removed {
		m.log.Debug("navmesh agent removed", "agent", b)
	}
	return status
}

// Reconcile brings the navmesh of every agent up to date with the geometry and the player at playerPosition.
// It posts a job for each tile that was changed, that should be resident but is missing, or that is present
// but should no longer be resident. Reconcile does nothing if neither the geometry nor the player tile
// changed since the previous call. It does not wait for the jobs to complete.
func (m *Manager) Reconcile(playerPosition mgl64.Vec3) {
	playerTile := tile.PositionOf(m.conf.Settings, playerPosition)

	m.mu.Lock()
	defer m.mu.Unlock()
	revision := m.geom.Revision()
	if m.hasPlayer && m.playerTile == playerTile && m.lastRevision == revision {
		return
	}
	m.playerTile, m.hasPlayer, m.lastRevision = playerTile, true, revision

	changed := m.geom.TakeChangedTiles()
	worldRange := m.geom.Range()
	for _, e := range m.table.acquireAll() {
		m.reconcileAgent(e, playerTile, revision, changed, worldRange)
		e.handle.Release()
	}
}

func (m *Manager) reconcileAgent(e entry, playerTile tile.Position, revision uint64, changed tile.Changes, worldRange tile.Range) {
	item := e.handle.Item()
	var maxTiles int
	item.Read(func(v navmesh.View) {
		maxTiles = min(m.conf.Settings.MaxTilesNumber, v.NavMesh().Params().MaxTiles)
	})
	sel := tile.Select(worldRange, playerTile, maxTiles)
	work := PendingWork(item, changed, sel)

	m.log.Debug("navmesh reconcile",
		"agent", e.agent,
		"x", playerTile.X, "y", playerTile.Y,
		"revision", revision,
		"selected", sel.Len(),
		"jobs", len(work),
	)
	m.updater.Post(updater.PostRequest{
		Agent:      e.agent,
		Handle:     e.handle,
		PlayerTile: playerTile,
		Worldspace: m.worldspace,
		Revision:   revision,
		Changes:    work,
		Selection:  sel,
		Meshes:     m.geom,
		OffMesh:    m.conns,
	})
}

// PendingWork computes the tile jobs of one agent: every changed tile, every selected tile missing from the
// navmesh of item and every tile present in it that is not selected. Missing tiles known to be empty are
// added, other missing tiles updated. Tiles present but not selected are marked tile.ChangeMixed so that they
// are removed explicitly.
func PendingWork(item *navmesh.CacheItem, changed tile.Changes, sel tile.Selection) tile.Changes {
	work := changed.Clone()
	item.Read(func(v navmesh.View) {
		mesh := v.NavMesh()
		for _, pos := range sel.Order() {
			if _, ok := work[pos]; ok {
				continue
			}
			if _, present := mesh.TileAt(pos); present {
				continue
			}
			if v.IsEmptyTile(pos) {
				work[pos] = tile.ChangeAdd
			} else {
				work[pos] = tile.ChangeUpdate
			}
		}
		for _, pos := range mesh.Positions() {
			if _, ok := work[pos]; ok || sel.Contains(pos) {
				continue
			}
			work[pos] = tile.ChangeMixed
		}
	})
	return work
}

// Wait blocks until cond holds for the tile jobs, ctx is done or the Manager is closed. Progress is reported
// to listener, which may be nil.
func (m *Manager) Wait(ctx context.Context, cond updater.WaitCondition, listener updater.Listener) error {
	return m.updater.Wait(ctx, cond, listener)
}

// NavMesh returns a handle to the navmesh of the agent b. The handle must be released once no longer used.
// While it is held, the agent cannot be removed.
func (m *Manager) NavMesh(b agent.Bounds) (*navmesh.Handle, bool) {
	return m.table.acquire(b)
}

// NavMeshes returns a handle to the navmesh of every agent. Every handle must be released.
func (m *Manager) NavMeshes() map[agent.Bounds]*navmesh.Handle {
	entries := m.table.acquireAll()
	handles := make(map[agent.Bounds]*navmesh.Handle, len(entries))
	for _, e := range entries {
		handles[e.agent] = e.handle
	}
	return handles
}

// Stats holds the counters of a Manager.
type Stats struct {
	Agents  int
	Updater updater.Stats
	// DB holds the counters of the tile store if it is a *tiledb.DB.
	DB tiledb.Stats
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	s := Stats{Agents: m.table.size(), Updater: m.updater.Stats()}
	if db, ok := m.conf.Store.(interface{ Stats() tiledb.Stats }); ok {
		s.DB = db.Stats()
	}
	return s
}

// Metrics returns the per-agent counters of the tile workers.
func (m *Manager) Metrics() map[agent.Bounds]updater.AgentMetrics {
	return m.updater.Metrics().Snapshot()
}

// RecastMeshTiles returns the geometry snapshot of every tile of the active worldspace that holds geometry.
func (m *Manager) RecastMeshTiles() map[tile.Position]*recast.Mesh {
	ws := m.Worldspace()
	tiles := make(map[tile.Position]*recast.Mesh)
	for pos := range m.geom.Range().All() {
		if mesh, ok := m.geom.CachedMesh(ws, pos); ok && !mesh.Empty() {
			tiles[pos] = mesh
		}
	}
	return tiles
}

// Close stops the tile workers and drops the navmeshes. Handles still held remain usable.
func (m *Manager) Close() {
	m.updater.Close()
	m.table.clear()
}

func (m *Manager) newItem() *navmesh.CacheItem {
	s := m.conf.Settings
	mesh := navmesh.New(navmesh.Params{TileWorldSize: s.TileWorldSize(), MaxTiles: max(s.MaxTilesNumber, 0)})
	return navmesh.NewCacheItem(mesh, m.generation.Add(1))
}
