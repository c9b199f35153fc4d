package tile

import (
	"maps"
	"slices"
)

// Change classifies why a tile has to be rebuilt.
type Change uint8

const (
	// ChangeAdd means the tile gained content or entered the tracked bounds.
	ChangeAdd Change = iota
	// ChangeUpdate means content of a tile that may still hold other geometry changed.
	ChangeUpdate
	// ChangeRemove means the tile left the tracked bounds and its data should be dropped.
	ChangeRemove
	// ChangeMixed means the tile both gained and lost relevance within one pass. Mixed tiles are always
	// rebuilt.
	ChangeMixed
)

func (c Change) String() string {
	switch c {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	case ChangeMixed:
		return "mixed"
	}
	return "unknown"
}

// Priority returns the build priority of the change, lower first. Mixed and removed tiles are handled before
// additions so stale tiles disappear quickly.
func (c Change) Priority() int {
	switch c {
	case ChangeMixed:
		return 0
	case ChangeRemove:
		return 1
	case ChangeAdd:
		return 2
	default:
		return 3
	}
}

// Merge combines two changes recorded for the same tile.
func Merge(a, b Change) Change {
	switch {
	case a == b:
		return a
	case a == ChangeMixed || b == ChangeMixed:
		return ChangeMixed
	case a == ChangeUpdate:
		return b
	case b == ChangeUpdate:
		return a
	}
	// Add and remove of the same tile.
	return ChangeMixed
}

// Changes maps tile positions to the change recorded for them.
type Changes map[Position]Change

// Add records change for pos, merging it with a change already present.
func (c Changes) Add(pos Position, change Change) {
	if prev, ok := c[pos]; ok {
		change = Merge(prev, change)
	}
	c[pos] = change
}

// Clone returns a copy of c that is never nil.
func (c Changes) Clone() Changes {
	if c == nil {
		return make(Changes)
	}
	return maps.Clone(c)
}

// Sorted returns the positions of c in deterministic order.
func (c Changes) Sorted() []Position {
	return slices.SortedFunc(maps.Keys(c), Compare)
}
