package navmesh

import (
	"sync/atomic"
)

// refs is an atomic reference count. A count of zero is terminal: once an item has been retired, no new
// reference to it can be acquired.
type refs struct {
	n atomic.Int64
}

func (r *refs) acquire() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *refs) release() {
	if r.n.Add(-1) < 0 {
		panic("navmesh: cache item reference released more often than acquired")
	}
}

// References returns the number of live references to the item, including the owner's.
func (c *CacheItem) References() int64 {
	return c.refs.n.Load()
}

// TryRetire drops the owner's reference if it is the only one left. It returns false, leaving the item
// untouched, if any handle to the item is still live. After a successful call Acquire always fails.
func (c *CacheItem) TryRetire() bool {
	return c.refs.n.CompareAndSwap(1, 0)
}

// Release drops the owner's reference without checking for other holders. The item stays usable through
// existing handles until they are released.
func (c *CacheItem) Release() {
	c.refs.release()
}

// Handle is a counted reference to a CacheItem. While a handle is live, the owner of the item cannot retire
// it. Handles must be released once no longer used; a Handle is not safe for concurrent use, but distinct
// handles obtained through Clone are.
type Handle struct {
	item     *CacheItem
	released bool
}

// Acquire returns a new handle to c. It returns false if c has been retired.
func (c *CacheItem) Acquire() (*Handle, bool) {
	if !c.refs.acquire() {
		return nil, false
	}
	return &Handle{item: c}, true
}

// Item returns the referenced cache item. Item panics if the handle was released.
func (h *Handle) Item() *CacheItem {
	if h.released {
		panic("navmesh: use of released handle")
	}
	return h.item
}

// Clone returns an additional handle to the same item.
func (h *Handle) Clone() *Handle {
	c := h.Item()
	c.refs.n.Add(1)
	return &Handle{item: c}
}

// Release drops the reference held by h. Releasing a handle more than once has no effect.
func (h *Handle) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.item.refs.release()
}
