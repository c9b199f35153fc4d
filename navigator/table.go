package navigator

import (
	"slices"
	"sync"

	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/navmesh"
)

// cacheTable maps agents to the cache item holding their navmesh. The table owns one reference to every
// item it holds.
type cacheTable struct {
	mu    sync.RWMutex
	items map[agent.Bounds]*navmesh.CacheItem
}

func newCacheTable() *cacheTable {
	return &cacheTable{items: make(map[agent.Bounds]*navmesh.CacheItem)}
}

// add stores the item created by create under b unless b already has one. It reports if an item was added.
func (t *cacheTable) add(b agent.Bounds, create func() *navmesh.CacheItem) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[b]; ok {
		return false
	}
	t.items[b] = create()
	return true
}

// retire removes the item of b if the table holds its only reference.
func (t *cacheTable) retire(b agent.Bounds) RemoveStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[b]
	if !ok {
		return RemoveUnknown
	}
	if !item.TryRetire() {
		return RemoveDeferred
	}
	delete(t.items, b)
	return Removed
}

// acquire returns a new handle to the item of b.
func (t *cacheTable) acquire(b agent.Bounds) (*navmesh.Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item, ok := t.items[b]
	if !ok {
		return nil, false
	}
	return item.Acquire()
}

// entry is an agent with a handle to its cache item.
type entry struct {
	agent  agent.Bounds
	handle *navmesh.Handle
}

// acquireAll returns a handle to every item, ordered by agent. The caller must release the handles.
func (t *cacheTable) acquireAll() []entry {
	t.mu.RLock()
	entries := make([]entry, 0, len(t.items))
	for b, item := range t.items {
		if h, ok := item.Acquire(); ok {
			entries = append(entries, entry{agent: b, handle: h})
		}
	}
	t.mu.RUnlock()
	slices.SortFunc(entries, func(a, b entry) int { return agent.Compare(a.agent, b.agent) })
	return entries
}

// replaceAll replaces every item with the one returned by create and drops the table's reference to the
// old items. Items still referenced by handles stay usable until those are released.
func (t *cacheTable) replaceAll(create func() *navmesh.CacheItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.sortedLocked() {
		old := t.items[b]
		t.items[b] = create()
		old.Release()
	}
}

// clear drops the table's reference to every item.
func (t *cacheTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for b, item := range t.items {
		item.Release()
		delete(t.items, b)
	}
}

func (t *cacheTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func (t *cacheTable) sortedLocked() []agent.Bounds {
	agents := make([]agent.Bounds, 0, len(t.items))
	for b := range t.items {
		agents = append(agents, b)
	}
	slices.SortFunc(agents, agent.Compare)
	return agents
}
