package updater

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/internal/buildguard"
	"github.com/df-mc/detournav/navigator/navmesh"
	"github.com/df-mc/detournav/navigator/offmesh"
	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tile"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Wait when the Updater is closed while waiting.
var ErrClosed = errors.New("updater: closed")

// Config holds the parameters of an Updater. The zero value is usable apart from Builder; defaults are
// applied by New.
type Config struct {
	// Log is the Logger used for build failures and backpressure warnings. If nil, slog.Default() is used.
	Log *slog.Logger
	// Workers is the number of tiles built in parallel. If 0 or lower, the number of CPUs is used.
	Workers int
	// QueueSize is the queue depth above which backpressure is reported. Jobs are never dropped: the
	// queue holds at most one job per agent and tile. If 0 or lower, 64 jobs per worker are allowed.
	QueueSize int
	// Builder builds the tiles. New panics if Builder is nil.
	Builder Builder
	// Store optionally persists built tiles. It may be nil.
	Store Store
	// Settings are passed to the Builder with every tile.
	Settings tile.Settings
}

func (c Config) withDefaults() Config {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Workers <= 0 {
		c.Workers = max(runtime.NumCPU(), 1)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64 * c.Workers
	}
	c.Settings = c.Settings.WithDefaults()
	return c
}

// Updater builds navmesh tiles on a pool of worker goroutines and merges them into the cache items they
// belong to. Updater is safe for concurrent use.
type Updater struct {
	conf    Config
	log     *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu         sync.Mutex
	cond       *sync.Cond
	closed     bool
	worldspace string
	seq        uint64
	queue      jobQueue
	queued     map[jobKey]*job
	processing map[*job]struct{}
	perAgent   map[agent.Bounds]int
	windows    map[agent.Bounds]*window
	// notify is closed and replaced whenever the amount of pending work changes.
	notify chan struct{}
	closing chan struct{}

	stats Stats

	lastBackpressureLog atomic.Int64
}

// New creates an Updater using the fields of conf and starts its workers.
func (conf Config) New() *Updater {
	if conf.Builder == nil {
		panic("updater: config requires builder")
	}
	conf = conf.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	u := &Updater{
		conf:       conf,
		log:        conf.Log,
		metrics:    NewMetrics(),
		ctx:        ctx,
		cancel:     cancel,
		queued:     make(map[jobKey]*job),
		processing: make(map[*job]struct{}),
		perAgent:   make(map[agent.Bounds]int),
		windows:    make(map[agent.Bounds]*window),
		notify:     make(chan struct{}),
		closing:    make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	for i := 0; i < conf.Workers; i++ {
		u.group.Go(func() error {
			u.worker()
			return nil
		})
	}
	return u
}

// PostRequest is the work of one reconciliation pass for a single agent.
type PostRequest struct {
	Agent agent.Bounds
	// Handle references the cache item the tiles are merged into. Post clones it for every job; the caller
	// keeps ownership of the handle passed.
	Handle     *navmesh.Handle
	PlayerTile tile.Position
	Worldspace string
	// Revision is the change tracker revision the changes were computed against. Every merge is stamped
	// with it.
	Revision uint64
	Changes  tile.Changes
	// Selection is the resident window of the pass. It replaces the window of every earlier pass of the
	// agent: tiles outside of it are removed rather than built, including those of jobs already queued or
	// being built.
	Selection tile.Selection
	Meshes    MeshSource
	OffMesh   OffMeshSource
}

// window is the resident window of the latest pass of an agent.
type window struct {
	sel        tile.Selection
	playerTile tile.Position
	revision   uint64
}

// Post enqueues one job per changed tile and moves the resident window of the agent. A job already queued
// for the same agent and tile is replaced by the newer one. Tiles present in the navmesh outside the new
// window are queued for removal even if they did not change. Post never blocks on the workers.
func (u *Updater) Post(req PostRequest) {
	jobs := make([]*job, 0, len(req.Changes))
	for _, pos := range req.Changes.Sorted() {
		j := u.newJob(req, pos, req.Changes[pos])
		if req.Meshes != nil {
			j.mesh, _ = req.Meshes.CachedMesh(req.Worldspace, pos)
		}
		if req.OffMesh != nil {
			j.offMesh = req.OffMesh.Get(pos)
		}
		jobs = append(jobs, j)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	if req.Worldspace != u.worldspace {
		u.dropQueuedLocked()
		u.worldspace = req.Worldspace
	}
	w := &window{sel: req.Selection, playerTile: req.PlayerTile, revision: req.Revision}
	u.windows[req.Agent] = w
	u.retargetLocked(req.Agent, w)

	for _, j := range jobs {
		u.enqueueLocked(j, req.Handle)
	}
	var strays []tile.Position
	req.Handle.Item().Read(func(v navmesh.View) {
		for _, pos := range v.NavMesh().Positions() {
			if _, queued := u.queued[jobKey{agent: req.Agent, pos: pos}]; !queued && !w.sel.Contains(pos) {
				strays = append(strays, pos)
			}
		}
	})
	for _, pos := range strays {
		u.enqueueLocked(u.newJob(req, pos, tile.ChangeRemove), req.Handle)
	}
	u.metrics.SetQueueSize(req.Agent, u.queuedForLocked(req.Agent))
	if len(u.queue) > u.conf.QueueSize {
		u.stats.Backpressure++
		u.handleBackpressure(len(u.queue))
	}
	u.cond.Broadcast()
	u.notifyLocked()
}

func (u *Updater) newJob(req PostRequest, pos tile.Position, change tile.Change) *job {
	return &job{
		key:        jobKey{agent: req.Agent, pos: pos},
		change:     change,
		playerTile: req.PlayerTile,
		worldspace: req.Worldspace,
		revision:   req.Revision,
		distance:   tile.DistanceSq(pos, req.PlayerTile),
	}
}

// enqueueLocked queues j with a clone of h, replacing a job queued for the same agent and tile.
func (u *Updater) enqueueLocked(j *job, h *navmesh.Handle) {
	u.seq++
	j.seq = u.seq
	j.handle = h.Clone()
	u.stats.Pushed++
	if prev, ok := u.queued[j.key]; ok {
		j.change = tile.Merge(prev.change, j.change)
		u.queue.remove(prev)
		prev.handle.Release()
		u.stats.Coalesced++
	} else {
		u.perAgent[j.key.agent]++
	}
	j.evict = !u.residentLocked(j)
	u.queued[j.key] = j
	u.queue.push(j)
}

// retargetLocked re-evaluates the queued jobs of agent a against its new window: jobs for tiles that left
// the window become removals, and all of them are ranked by distance to the new player tile.
func (u *Updater) retargetLocked(a agent.Bounds, w *window) {
	moved := false
	for _, j := range u.queue {
		if j.key.agent != a {
			continue
		}
		j.playerTile = w.playerTile
		j.distance = tile.DistanceSq(j.key.pos, w.playerTile)
		j.evict = !u.residentLocked(j)
		moved = true
	}
	if moved {
		u.queue.init()
	}
}

// residentLocked reports if the tile of j should be present in the navmesh of its agent: j must belong to
// the active worldspace, must not be a removal and its tile must lie in the latest window of the agent.
func (u *Updater) residentLocked(j *job) bool {
	if j.change == tile.ChangeRemove || j.worldspace != u.worldspace {
		return false
	}
	w, ok := u.windows[j.key.agent]
	return ok && w.sel.Contains(j.key.pos)
}

// SetWorldspace discards the queued jobs and the windows of all agents if worldspace is not the worldspace
// of the jobs posted so far. Jobs being built for the previous worldspace are not merged.
func (u *Updater) SetWorldspace(worldspace string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed || worldspace == u.worldspace {
		return
	}
	u.dropQueuedLocked()
	u.worldspace = worldspace
	u.cond.Broadcast()
	u.notifyLocked()
}

// dropQueuedLocked discards every queued job along with the window of every agent. It is used when the
// worldspace changes, since tiles of another worldspace are no longer of use.
func (u *Updater) dropQueuedLocked() {
	for _, j := range u.queue {
		j.handle.Release()
		u.perAgent[j.key.agent]--
	}
	for a := range u.perAgent {
		u.metrics.SetQueueSize(a, u.queuedForLocked(a))
	}
	u.queue = u.queue[:0]
	clear(u.queued)
	clear(u.windows)
}

// handleBackpressure emits a throttled warning when more jobs are queued than the configured queue size.
func (u *Updater) handleBackpressure(depth int) {
	now := time.Now().UnixNano()
	last := u.lastBackpressureLog.Load()
	if last != 0 && time.Duration(now-last) < time.Minute {
		return
	}
	if !u.lastBackpressureLog.CompareAndSwap(last, now) {
		return
	}
	u.log.Warn("navmesh updater queue saturated: tile build backlog detected.",
		"queued_jobs", depth,
		"queue_size", u.conf.QueueSize,
		"workers", u.conf.Workers,
	)
}

func (u *Updater) worker() {
	for {
		u.mu.Lock()
		for len(u.queue) == 0 && !u.closed {
			u.cond.Wait()
		}
		if u.closed {
			u.mu.Unlock()
			return
		}
		j := u.queue.pop()
		delete(u.queued, j.key)
		u.processing[j] = struct{}{}
		u.mu.Unlock()

		res, err := u.process(j)
		u.finish(j, res, err)
	}
}

// process builds the tile of j and merges it into the cache item.
func (u *Updater) process(j *job) (navmesh.UpdateResult, error) {
	var blob []byte
	if !u.evicted(j) && (!j.mesh.Empty() || len(j.offMesh) > 0) {
		if u.superseded(j) {
			return navmesh.UpdateIgnored, nil
		}
		var err error
		if blob, err = u.build(j); err != nil {
			return navmesh.UpdateIgnored, err
		}
		if blob != nil {
			u.metrics.IncBuilds(j.key.agent)
		}
	}
	return u.merge(j, blob), nil
}

// evicted reports if j only removes its tile, given the window of its agent at this moment.
func (u *Updater) evicted(j *job) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	j.evict = j.evict || !u.residentLocked(j)
	return j.evict
}

// merge applies the outcome of j to its cache item: the tile built is added, a nil blob marks the tile as
// empty. The window is checked again, since the player may have moved while the tile was built. Merges are
// serialised with Post, so that a pass never misses a tile merged outside of its window.
func (u *Updater) merge(j *job, blob []byte) navmesh.UpdateResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	item, pos := j.handle.Item(), j.key.pos
	j.evict = j.evict || !u.residentLocked(j)
	if j.evict {
		return item.RemoveTile(pos, j.revision)
	}
	if blob == nil {
		return item.MarkEmpty(pos, j.revision)
	}
	t := &navmesh.Tile{Position: pos, Revision: j.revision, Data: blob}
	res := item.UpdateTile(t)
	if res == navmesh.UpdateFailed && u.evictStraysLocked(j) {
		res = item.UpdateTile(t)
	}
	return res
}

// evictStraysLocked removes the tiles outside the window of the agent of j from its navmesh, making room
// for j when the navmesh is full. It reports if any tile was removed.
func (u *Updater) evictStraysLocked(j *job) bool {
	w, ok := u.windows[j.key.agent]
	if !ok {
		return false
	}
	item := j.handle.Item()
	var strays []tile.Position
	item.Read(func(v navmesh.View) {
		for _, pos := range v.NavMesh().Positions() {
			if !w.sel.Contains(pos) {
				strays = append(strays, pos)
			}
		}
	})
	removed := false
	for _, pos := range strays {
		if item.RemoveTile(pos, w.revision) == navmesh.UpdateRemoved {
			u.stats.Removed++
			removed = true
		}
	}
	return removed
}

func (u *Updater) build(j *job) ([]byte, error) {
	mesh := j.mesh
	if mesh == nil {
		mesh = &recast.Mesh{Worldspace: j.worldspace, Position: j.key.pos}
	}
	key := StoreKey{Worldspace: j.worldspace, Agent: j.key.agent, Position: j.key.pos, InputHash: inputHash(j.key.agent, mesh, j.offMesh, u.conf.Settings)}
	if u.conf.Store != nil {
		blob, ok, err := u.conf.Store.Get(key)
		if err != nil {
			u.log.Warn("navmesh tile store lookup failed", "x", key.Position.X, "y", key.Position.Y, "err", err)
		} else if ok {
			return blob, nil
		}
	}
	blob, err := buildguard.Run(func() ([]byte, error) {
		return u.conf.Builder.Build(u.ctx, BuildInput{
			Agent:    j.key.agent,
			Position: j.key.pos,
			Change:   j.change,
			Settings: u.conf.Settings,
			Mesh:     mesh,
			OffMesh:  j.offMesh,
		})
	})
	if err != nil {
		if errors.Is(err, buildguard.ErrPanic) {
			u.log.Error("build navmesh tile: panic", "agent", j.key.agent, "x", j.key.pos.X, "y", j.key.pos.Y, "err", err)
		}
		return nil, err
	}
	if blob != nil && u.conf.Store != nil {
		if err := u.conf.Store.Put(key, blob); err != nil {
			u.log.Warn("navmesh tile store write failed", "x", key.Position.X, "y", key.Position.Y, "err", err)
		}
	}
	return blob, nil
}

// finish records the outcome of j and releases its handle.
func (u *Updater) finish(j *job, res navmesh.UpdateResult, err error) {
	stale := res == navmesh.UpdateIgnored && err == nil && !j.evict && isStale(j)
	j.handle.Release()
	if err != nil && !errors.Is(err, buildguard.ErrPanic) && !errors.Is(err, context.Canceled) {
		u.log.Warn("build navmesh tile failed", "agent", j.key.agent, "x", j.key.pos.X, "y", j.key.pos.Y,
			"change", j.change, "revision", j.revision, "err", err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.processing, j)
	u.perAgent[j.key.agent]--
	switch {
	case err != nil:
		u.stats.Failed++
		u.metrics.IncFailures(j.key.agent)
	default:
		u.stats.Completed++
		switch res {
		case navmesh.UpdateRemoved:
			u.stats.Removed++
		case navmesh.UpdateFailed:
			u.stats.Failed++
			u.metrics.IncFailures(j.key.agent)
		case navmesh.UpdateIgnored:
			if stale {
				u.stats.Stale++
				u.metrics.IncStale(j.key.agent)
			}
		}
	}
	u.metrics.SetQueueSize(j.key.agent, u.queuedForLocked(j.key.agent))
	u.notifyLocked()
}

// isStale reports if the cache item holds a merge of a newer revision than j at the tile of j.
func isStale(j *job) bool {
	rev, ok := j.handle.Item().AppliedRevision(j.key.pos)
	return ok && rev > j.revision
}

func (u *Updater) queuedForLocked(b agent.Bounds) int {
	return u.perAgent[b]
}

func (u *Updater) notifyLocked() {
	close(u.notify)
	u.notify = make(chan struct{})
}

// Stats holds the counters of an Updater.
type Stats struct {
	// Jobs is the number of queued jobs.
	Jobs int
	// Processing is the number of jobs being built.
	Processing int
	// Pushed counts jobs posted, Coalesced the posted jobs that replaced a queued one.
	Pushed, Coalesced uint64
	// Completed counts finished jobs, Failed those whose build or merge failed.
	Completed, Failed uint64
	// Removed counts tiles removed from a navmesh.
	Removed uint64
	// Stale counts merges rejected because a newer revision was already merged, Skipped jobs not built
	// because a newer job was posted.
	Stale, Skipped uint64
	// Backpressure counts posts that left more jobs queued than the queue size.
	Backpressure uint64
}

// Stats returns the current counters.
func (u *Updater) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.stats
	s.Jobs = len(u.queue)
	s.Processing = len(u.processing)
	return s
}

// Metrics returns the per-agent metrics of the Updater.
func (u *Updater) Metrics() *Metrics {
	return u.metrics
}

// Close stops the workers once they finish the tile they are building. Queued jobs are discarded.
func (u *Updater) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.dropQueuedLocked()
	u.cond.Broadcast()
	close(u.closing)
	u.notifyLocked()
	u.mu.Unlock()

	u.cancel()
	_ = u.group.Wait()
}

// inputHash hashes everything a tile is built from, so that a stored tile is only reused for identical
// input.
func inputHash(a agent.Bounds, mesh *recast.Mesh, conns []offmesh.Connection, s tile.Settings) uint64 {
	d := xxhash.New()
	var buf [8]byte
	u64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		_, _ = d.Write(buf[:])
	}
	f64 := func(v float64) { u64(math.Float64bits(v)) }

	u64(a.Hash())
	u64(mesh.Hash())
	f64(s.CellSize)
	u64(uint64(s.TileSize))
	f64(s.RecastScaleFactor)
	u64(uint64(len(conns)))
	for _, c := range conns {
		for i := 0; i < 3; i++ {
			f64(c.Start[i])
			f64(c.End[i])
		}
		u64(uint64(c.Area))
	}
	return d.Sum64()
}
