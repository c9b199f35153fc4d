package offmesh

import (
	"bytes"
	"slices"
	"sync"

	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tile"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Connection is a point-to-point link that bypasses the regular connectivity of the navmesh, for example a
// door or a teleport.
type Connection struct {
	Start, End mgl64.Vec3
	Area       recast.AreaType
}

// Manager tracks off-mesh connections per owning object. Manager is safe for concurrent use.
type Manager struct {
	settings tile.Settings

	mu     sync.RWMutex
	values map[uuid.UUID][]Connection
	tiles  map[tile.Position]map[uuid.UUID]struct{}
}

// NewManager creates an empty Manager.
func NewManager(settings tile.Settings) *Manager {
	return &Manager{
		settings: settings.WithDefaults(),
		values:   make(map[uuid.UUID][]Connection),
		tiles:    make(map[tile.Position]map[uuid.UUID]struct{}),
	}
}

// Tiles returns the tiles touched by c: the tile of each endpoint.
func (m *Manager) Tiles(c Connection) []tile.Position {
	start, end := tile.PositionOf(m.settings, c.Start), tile.PositionOf(m.settings, c.End)
	if start == end {
		return []tile.Position{start}
	}
	return []tile.Position{start, end}
}

// Add registers a connection owned by id. An object may own several connections.
func (m *Manager) Add(id uuid.UUID, c Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[id] = append(m.values[id], c)
	for _, pos := range m.Tiles(c) {
		set, ok := m.tiles[pos]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			m.tiles[pos] = set
		}
		set[id] = struct{}{}
	}
}

// Remove drops every connection owned by id and returns the tiles they touched.
func (m *Manager) Remove(id uuid.UUID) []tile.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.values[id]
	if !ok {
		return nil
	}
	delete(m.values, id)
	touched := make(map[tile.Position]struct{})
	for _, c := range conns {
		for _, pos := range m.Tiles(c) {
			touched[pos] = struct{}{}
			if set, ok := m.tiles[pos]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(m.tiles, pos)
				}
			}
		}
	}
	res := make([]tile.Position, 0, len(touched))
	for pos := range touched {
		res = append(res, pos)
	}
	slices.SortFunc(res, tile.Compare)
	return res
}

// Get returns the connections with an endpoint in the tile pos, in deterministic order.
func (m *Manager) Get(pos tile.Position) []Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.tiles[pos]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	var res []Connection
	for _, id := range ids {
		for _, c := range m.values[id] {
			for _, p := range m.Tiles(c) {
				if p == pos {
					res = append(res, c)
					break
				}
			}
		}
	}
	return res
}
