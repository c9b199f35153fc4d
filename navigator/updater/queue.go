package updater

import (
	"container/heap"

	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/navmesh"
	"github.com/df-mc/detournav/navigator/offmesh"
	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tile"
)

// jobKey identifies the tile of an agent a job rebuilds. At most one job per key is queued at any time.
type jobKey struct {
	agent agent.Bounds
	pos   tile.Position
}

type job struct {
	key        jobKey
	handle     *navmesh.Handle
	change     tile.Change
	playerTile tile.Position
	worldspace string
	revision   uint64
	mesh       *recast.Mesh
	offMesh    []offmesh.Connection

	// evict is set for jobs that only remove a tile. It is guarded by the Updater's mutex.
	evict    bool
	seq      uint64
	distance int64
	index    int
}

// jobQueue is a priority queue of jobs. Evictions come first so that a navmesh at its tile limit has room
// for the tiles entering the window. Other jobs are ordered nearest to the player first, then by change
// priority, then in post order.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.evict != b.evict {
		return a.evict
	}
	if a.distance != b.distance {
		return a.distance < b.distance
	}
	if pa, pb := a.change.Priority(), b.change.Priority(); pa != pb {
		return pa < pb
	}
	return a.seq < b.seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

func (q *jobQueue) push(j *job) { heap.Push(q, j) }

func (q *jobQueue) pop() *job { return heap.Pop(q).(*job) }

func (q *jobQueue) remove(j *job) { heap.Remove(q, j.index) }

func (q *jobQueue) init() { heap.Init(q) }
