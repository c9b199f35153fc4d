package updater

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/navmesh"
	"github.com/df-mc/detournav/navigator/offmesh"
	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tile"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

var testAgent = agent.Bounds{Radius: 0.5, Height: 2}

// meshes returns a non-empty geometry snapshot for every tile.
type meshes struct{}

func (meshes) CachedMesh(ws string, pos tile.Position) (*recast.Mesh, bool) {
	return &recast.Mesh{
		Worldspace: ws,
		Position:   pos,
		Objects:    []recast.ObjectSnapshot{{ID: uuid.New(), Max: mgl64.Vec3{1, 1, 1}, Area: recast.AreaGround}},
	}, true
}

// gatedBuilder blocks every build until the gate is closed, reporting each build start on started.
type gatedBuilder struct {
	started chan tile.Position
	gate    chan struct{}
	calls   atomic.Int32
}

func newGatedBuilder() *gatedBuilder {
	return &gatedBuilder{started: make(chan tile.Position, 64), gate: make(chan struct{})}
}

func (b *gatedBuilder) Build(ctx context.Context, in BuildInput) ([]byte, error) {
	b.calls.Add(1)
	b.started <- in.Position
	select {
	case <-b.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []byte{byte(in.Position.X), byte(in.Position.Y)}, nil
}

func (b *gatedBuilder) awaitStart(t *testing.T) tile.Position {
	t.Helper()
	select {
	case pos := <-b.started:
		return pos
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for build to start")
	}
	return tile.Position{}
}

func newItem(t *testing.T) (*navmesh.CacheItem, *navmesh.Handle) {
	t.Helper()
	item := navmesh.NewCacheItem(navmesh.New(navmesh.Params{TileWorldSize: 64, MaxTiles: 512}), 1)
	h, ok := item.Acquire()
	if !ok {
		t.Fatalf("expected acquire on fresh item to succeed")
	}
	t.Cleanup(h.Release)
	return item, h
}

func newUpdater(t *testing.T, b Builder, store Store) *Updater {
	t.Helper()
	u := Config{Workers: 1, Builder: b, Store: store}.New()
	t.Cleanup(u.Close)
	return u
}

// request posts changes with every tile from (-8, -8) to (8, 8) selected.
func request(h *navmesh.Handle, rev uint64, changes tile.Changes) PostRequest {
	return PostRequest{
		Agent:      testAgent,
		Handle:     h,
		Worldspace: "sys::default",
		Revision:   rev,
		Changes:    changes,
		Selection:  tile.Select(tile.Range{Min: tile.Position{X: -8, Y: -8}, Max: tile.Position{X: 8, Y: 8}}, tile.Position{}, 512),
		Meshes:     meshes{},
	}
}

// moveTo changes req to a window of maxTiles tiles around playerTile.
func moveTo(req PostRequest, playerTile tile.Position, maxTiles int) PostRequest {
	req.PlayerTile = playerTile
	req.Selection = tile.Select(tile.Range{Min: tile.Position{X: -32, Y: -32}, Max: tile.Position{X: 32, Y: 32}}, playerTile, maxTiles)
	return req
}

func waitDone(t *testing.T, u *Updater) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := u.Wait(ctx, AllJobsDone(), nil); err != nil {
		t.Fatalf("wait for jobs: %v", err)
	}
}

func tileAt(item *navmesh.CacheItem, pos tile.Position) (got *navmesh.Tile, ok bool) {
	item.Read(func(v navmesh.View) {
		got, ok = v.NavMesh().TileAt(pos)
	})
	return got, ok
}

func TestPostBuildsAndMergesTiles(t *testing.T) {
	b := BuilderFunc(func(_ context.Context, in BuildInput) ([]byte, error) {
		return []byte{1}, nil
	})
	u := newUpdater(t, b, nil)
	item, h := newItem(t)

	changes := tile.Changes{}
	changes.Add(tile.Position{X: 0, Y: 0}, tile.ChangeAdd)
	changes.Add(tile.Position{X: 1, Y: 0}, tile.ChangeUpdate)
	u.Post(request(h, 3, changes))
	waitDone(t, u)

	for pos := range changes {
		got, ok := tileAt(item, pos)
		if !ok {
			t.Fatalf("expected tile %v to be merged", pos)
		}
		if got.Revision != 3 {
			t.Fatalf("expected tile %v at revision 3, got %d", pos, got.Revision)
		}
	}
	st := u.Stats()
	if st.Completed != 2 || st.Failed != 0 || st.Jobs != 0 || st.Processing != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if got := u.Metrics().Snapshot()[testAgent].Builds; got != 2 {
		t.Fatalf("expected 2 builds in metrics, got %d", got)
	}
}

func TestOlderRevisionMergedLastIsStale(t *testing.T) {
	b := newGatedBuilder()
	u := newUpdater(t, b, nil)
	item, h := newItem(t)
	pos := tile.Position{X: 2, Y: 2}

	changes := tile.Changes{pos: tile.ChangeUpdate}
	u.Post(request(h, 6, changes))
	b.awaitStart(t)
	u.Post(request(h, 5, changes))
	close(b.gate)
	waitDone(t, u)

	got, ok := tileAt(item, pos)
	if !ok {
		t.Fatalf("expected tile to be present")
	}
	if got.Revision != 6 {
		t.Fatalf("expected revision 6 to survive the late revision 5 merge, got %d", got.Revision)
	}
	if st := u.Stats(); st.Stale != 1 {
		t.Fatalf("expected one stale merge, got %+v", st)
	}
}

func TestPostCoalescesQueuedJobs(t *testing.T) {
	b := newGatedBuilder()
	u := newUpdater(t, b, nil)
	_, h := newItem(t)

	u.Post(request(h, 1, tile.Changes{{X: 0, Y: 0}: tile.ChangeAdd}))
	b.awaitStart(t)

	pos := tile.Position{X: 1, Y: 1}
	u.Post(request(h, 2, tile.Changes{pos: tile.ChangeAdd}))
	u.Post(request(h, 3, tile.Changes{pos: tile.ChangeRemove}))

	st := u.Stats()
	if st.Jobs != 1 || st.Coalesced != 1 || st.Pushed != 3 {
		t.Fatalf("expected a single coalesced job, got %+v", st)
	}
	u.mu.Lock()
	j := u.queued[jobKey{agent: testAgent, pos: pos}]
	u.mu.Unlock()
	if j.change != tile.ChangeMixed || j.revision != 3 {
		t.Fatalf("expected merged mixed job at revision 3, got %v at %d", j.change, j.revision)
	}
	close(b.gate)
	waitDone(t, u)
}

func TestBuildFailureIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	b := BuilderFunc(func(context.Context, BuildInput) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("degenerate geometry")
	})
	u := newUpdater(t, b, nil)
	item, h := newItem(t)
	pos := tile.Position{X: 0, Y: 1}

	u.Post(request(h, 1, tile.Changes{pos: tile.ChangeAdd}))
	waitDone(t, u)

	if _, ok := tileAt(item, pos); ok {
		t.Fatalf("expected no tile after failed build")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single build attempt, got %d", got)
	}
	if st := u.Stats(); st.Failed != 1 || st.Completed != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBuildPanicIsConfined(t *testing.T) {
	b := BuilderFunc(func(context.Context, BuildInput) ([]byte, error) {
		panic("corrupt input")
	})
	u := newUpdater(t, b, nil)
	_, h := newItem(t)

	u.Post(request(h, 1, tile.Changes{{X: 0, Y: 0}: tile.ChangeAdd}))
	waitDone(t, u)

	if st := u.Stats(); st.Failed != 1 {
		t.Fatalf("expected panic to count as failure, got %+v", st)
	}
	if got := u.Metrics().Snapshot()[testAgent].Failures; got != 1 {
		t.Fatalf("expected one failure in metrics, got %d", got)
	}
}

func TestRemoveAndOutOfWindowJobsClearTiles(t *testing.T) {
	b := BuilderFunc(func(context.Context, BuildInput) ([]byte, error) {
		t.Errorf("builder must not be called for removals")
		return nil, nil
	})
	u := newUpdater(t, b, nil)
	item, h := newItem(t)

	inside, outside := tile.Position{X: 1, Y: 0}, tile.Position{X: 100, Y: 100}
	for _, pos := range []tile.Position{inside, outside} {
		item.UpdateTile(&navmesh.Tile{Position: pos, Revision: 1, Data: []byte{1}})
	}
	u.Post(request(h, 2, tile.Changes{inside: tile.ChangeRemove, outside: tile.ChangeMixed}))
	waitDone(t, u)

	for _, pos := range []tile.Position{inside, outside} {
		if _, ok := tileAt(item, pos); ok {
			t.Fatalf("expected tile %v to be removed", pos)
		}
	}
	if st := u.Stats(); st.Removed != 2 {
		t.Fatalf("expected two removals, got %+v", st)
	}
}

func TestEmptyGeometryMarksTileEmpty(t *testing.T) {
	b := BuilderFunc(func(context.Context, BuildInput) ([]byte, error) {
		t.Errorf("builder must not be called without geometry")
		return nil, nil
	})
	u := newUpdater(t, b, nil)
	item, h := newItem(t)
	pos := tile.Position{X: 0, Y: 0}
	item.UpdateTile(&navmesh.Tile{Position: pos, Revision: 1, Data: []byte{1}})

	req := request(h, 2, tile.Changes{pos: tile.ChangeUpdate})
	req.Meshes = nil
	u.Post(req)
	waitDone(t, u)

	empty := false
	item.Read(func(v navmesh.View) { empty = v.IsEmptyTile(pos) })
	if !empty {
		t.Fatalf("expected tile to be marked empty")
	}
	if _, ok := tileAt(item, pos); ok {
		t.Fatalf("expected stale tile data to be removed")
	}
}

func TestOffMeshConnectionsAreBuiltWithoutGeometry(t *testing.T) {
	var got []offmesh.Connection
	b := BuilderFunc(func(_ context.Context, in BuildInput) ([]byte, error) {
		got = in.OffMesh
		if in.Mesh == nil {
			t.Errorf("expected a geometry snapshot")
		}
		return []byte{1}, nil
	})
	u := newUpdater(t, b, nil)
	item, h := newItem(t)
	pos := tile.Position{X: 0, Y: 0}

	conns := offmesh.NewManager(tile.DefaultSettings())
	conns.Add(uuid.New(), offmesh.Connection{Start: mgl64.Vec3{1, 0, 1}, End: mgl64.Vec3{2, 0, 2}, Area: recast.AreaDoor})
	req := request(h, 1, tile.Changes{pos: tile.ChangeAdd})
	req.Meshes = nil
	req.OffMesh = conns
	u.Post(req)
	waitDone(t, u)

	if len(got) != 1 {
		t.Fatalf("expected builder to receive one connection, got %d", len(got))
	}
	if _, ok := tileAt(item, pos); !ok {
		t.Fatalf("expected tile to be merged")
	}
}

type memStore struct {
	mu    sync.Mutex
	blobs map[StoreKey][]byte
}

func (s *memStore) Get(k StoreKey) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[k]
	return b, ok, nil
}

func (s *memStore) Put(k StoreKey, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[k] = b
	return nil
}

func TestStoredTilesAreReused(t *testing.T) {
	var calls atomic.Int32
	b := BuilderFunc(func(context.Context, BuildInput) ([]byte, error) {
		calls.Add(1)
		return []byte{7}, nil
	})
	store := &memStore{blobs: make(map[StoreKey][]byte)}
	u := newUpdater(t, b, store)
	pos := tile.Position{X: 0, Y: 0}

	// Geometry with a fixed id so both passes hash equally.
	id := uuid.New()
	fixed := meshFunc(func(ws string, p tile.Position) (*recast.Mesh, bool) {
		return &recast.Mesh{Worldspace: ws, Position: p, Objects: []recast.ObjectSnapshot{{ID: id, Max: mgl64.Vec3{1, 1, 1}}}}, true
	})
	for rev := uint64(1); rev <= 2; rev++ {
		item, h := newItem(t)
		req := request(h, rev, tile.Changes{pos: tile.ChangeAdd})
		req.Meshes = fixed
		u.Post(req)
		waitDone(t, u)
		got, ok := tileAt(item, pos)
		if !ok || got.Data[0] != 7 {
			t.Fatalf("expected stored tile on pass %d", rev)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected second pass to reuse stored tile, got %d builds", got)
	}
}

type meshFunc func(ws string, pos tile.Position) (*recast.Mesh, bool)

func (f meshFunc) CachedMesh(ws string, pos tile.Position) (*recast.Mesh, bool) { return f(ws, pos) }

func TestWaitReturnsWhenContextDone(t *testing.T) {
	b := newGatedBuilder()
	u := newUpdater(t, b, nil)
	_, h := newItem(t)

	u.Post(request(h, 1, tile.Changes{{X: 0, Y: 0}: tile.ChangeAdd}))
	b.awaitStart(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := u.Wait(ctx, AllJobsDone(), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if st := u.Stats(); st.Processing != 1 {
		t.Fatalf("expected abandoned wait to leave the job running, got %+v", st)
	}
	close(b.gate)
	waitDone(t, u)
}

type recordingListener struct {
	label    string
	total    int
	progress []int
}

func (l *recordingListener) SetLabel(s string)      { l.label = s }
func (l *recordingListener) SetProgressRange(n int) { l.total = n }
func (l *recordingListener) SetProgress(done int)   { l.progress = append(l.progress, done) }

func TestWaitConditions(t *testing.T) {
	b := newGatedBuilder()
	u := newUpdater(t, b, nil)
	_, h := newItem(t)

	far := tile.Position{X: 5, Y: 5}
	u.Post(request(h, 1, tile.Changes{far: tile.ChangeAdd}))
	b.awaitStart(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := u.Wait(ctx, RequiredTilesPresent(), nil); err != nil {
		t.Fatalf("expected required tiles present with only a far job pending: %v", err)
	}
	other := agent.Bounds{Radius: 1, Height: 1}
	if err := u.Wait(ctx, AgentDrained(other), nil); err != nil {
		t.Fatalf("expected agent without jobs to be drained: %v", err)
	}

	l := &recordingListener{}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(b.gate)
	}()
	if err := u.Wait(ctx, AgentDrained(testAgent), l); err != nil {
		t.Fatalf("wait for agent: %v", err)
	}
	if l.total != 1 || len(l.progress) == 0 || l.progress[len(l.progress)-1] != 1 {
		t.Fatalf("unexpected progress: total %d, progress %v", l.total, l.progress)
	}
	if l.label == "" {
		t.Fatalf("expected listener label to be set")
	}
}

func TestWorldspaceChangeDropsQueuedJobs(t *testing.T) {
	b := newGatedBuilder()
	u := newUpdater(t, b, nil)
	item, h := newItem(t)

	u.Post(request(h, 1, tile.Changes{{X: 0, Y: 0}: tile.ChangeAdd}))
	b.awaitStart(t)
	u.Post(request(h, 1, tile.Changes{{X: 1, Y: 0}: tile.ChangeAdd, {X: 2, Y: 0}: tile.ChangeAdd}))
	if st := u.Stats(); st.Jobs != 2 {
		t.Fatalf("expected 2 queued jobs, got %+v", st)
	}

	req := request(h, 2, tile.Changes{{X: 3, Y: 0}: tile.ChangeAdd})
	req.Worldspace = "other"
	u.Post(req)
	if st := u.Stats(); st.Jobs != 1 {
		t.Fatalf("expected jobs of the old worldspace to be dropped, got %+v", st)
	}
	close(b.gate)
	waitDone(t, u)
	if _, ok := tileAt(item, tile.Position{X: 1, Y: 0}); ok {
		t.Fatalf("expected dropped job not to be built")
	}
}

func TestCloseReleasesHandles(t *testing.T) {
	b := newGatedBuilder()
	u := Config{Workers: 1, Builder: b}.New()
	item, h := newItem(t)

	u.Post(request(h, 1, tile.Changes{{X: 0, Y: 0}: tile.ChangeAdd, {X: 4, Y: 4}: tile.ChangeAdd}))
	b.awaitStart(t)
	u.Close()

	// Owner and the test handle remain.
	if got := item.References(); got != 2 {
		t.Fatalf("expected job handles to be released, got %d references", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := u.Wait(ctx, AllJobsDone(), nil); err != nil {
		t.Fatalf("expected closed updater to have no jobs: %v", err)
	}
}

func TestMovedWindowEvictsPendingJobs(t *testing.T) {
	b := newGatedBuilder()
	u := newUpdater(t, b, nil)
	item, h := newItem(t)

	old := tile.Changes{{X: 0, Y: 0}: tile.ChangeAdd, {X: 1, Y: 0}: tile.ChangeAdd, {X: 0, Y: 1}: tile.ChangeAdd}
	u.Post(moveTo(request(h, 1, old), tile.Position{}, 9))
	if pos := b.awaitStart(t); pos != (tile.Position{}) {
		t.Fatalf("expected the player tile to be built first, got %v", pos)
	}

	far := tile.Position{X: 20, Y: 0}
	u.Post(moveTo(request(h, 2, tile.Changes{far: tile.ChangeAdd}), far, 9))
	u.mu.Lock()
	for _, j := range u.queue {
		if j.key.pos != far && !j.evict {
			t.Errorf("expected queued job for %v to be an eviction", j.key.pos)
		}
	}
	u.mu.Unlock()
	close(b.gate)
	waitDone(t, u)

	var got []tile.Position
	item.Read(func(v navmesh.View) { got = v.NavMesh().Positions() })
	if len(got) != 1 || got[0] != far {
		t.Fatalf("expected only the tile of the new window, got %v", got)
	}
	if n := b.calls.Load(); n != 2 {
		t.Fatalf("expected only the building tile and the new tile to be built, got %d builds", n)
	}
	if st := u.Stats(); st.Failed != 0 {
		t.Fatalf("unexpected failures %+v", st)
	}
}

func TestPostWithoutChangesEvictsStrays(t *testing.T) {
	b := BuilderFunc(func(context.Context, BuildInput) ([]byte, error) {
		t.Errorf("builder must not be called for removals")
		return nil, nil
	})
	u := newUpdater(t, b, nil)
	item, h := newItem(t)
	kept, stray := tile.Position{X: 0, Y: 0}, tile.Position{X: 10, Y: 0}
	for _, pos := range []tile.Position{kept, stray} {
		item.UpdateTile(&navmesh.Tile{Position: pos, Revision: 1, Data: []byte{1}})
	}

	u.Post(moveTo(request(h, 2, nil), kept, 1))
	waitDone(t, u)

	if _, ok := tileAt(item, stray); ok {
		t.Fatalf("expected tile outside the window to be removed")
	}
	if _, ok := tileAt(item, kept); !ok {
		t.Fatalf("expected tile inside the window to be kept")
	}
	if st := u.Stats(); st.Removed != 1 {
		t.Fatalf("expected one removal, got %+v", st)
	}
}

func TestMergeMakesRoomInFullNavMesh(t *testing.T) {
	u := newUpdater(t, BuilderFunc(func(context.Context, BuildInput) ([]byte, error) { return nil, nil }), nil)
	item := navmesh.NewCacheItem(navmesh.New(navmesh.Params{TileWorldSize: 64, MaxTiles: 1}), 1)
	h, _ := item.Acquire()
	defer h.Release()

	pos := tile.Position{X: 0, Y: 0}
	u.Post(moveTo(request(h, 2, nil), pos, 1))
	waitDone(t, u)
	// Merged behind the Updater's back, as a build finishing just before the window moved would.
	stray := tile.Position{X: 3, Y: 0}
	item.UpdateTile(&navmesh.Tile{Position: stray, Revision: 1, Data: []byte{1}})

	j := &job{key: jobKey{agent: testAgent, pos: pos}, change: tile.ChangeAdd, worldspace: "sys::default", revision: 2, handle: h.Clone()}
	defer j.handle.Release()
	if res := u.merge(j, []byte{1}); res != navmesh.UpdateAdded {
		t.Fatalf("expected tile to be added once the stray was evicted, got %v", res)
	}
	if _, ok := tileAt(item, stray); ok {
		t.Fatalf("expected stray tile to be evicted")
	}
}

func TestSetWorldspaceDropsQueuedJobs(t *testing.T) {
	b := newGatedBuilder()
	u := newUpdater(t, b, nil)
	item, h := newItem(t)

	u.Post(request(h, 1, tile.Changes{{X: 0, Y: 0}: tile.ChangeAdd, {X: 1, Y: 0}: tile.ChangeAdd, {X: 2, Y: 0}: tile.ChangeAdd}))
	b.awaitStart(t)
	u.SetWorldspace("sys::other")
	if st := u.Stats(); st.Jobs != 0 || st.Processing != 1 {
		t.Fatalf("expected queued jobs to be dropped, got %+v", st)
	}
	close(b.gate)
	waitDone(t, u)

	var n int
	item.Read(func(v navmesh.View) { n = v.NavMesh().TileCount() })
	if n != 0 {
		t.Fatalf("expected no tile of the previous worldspace to be merged, got %d", n)
	}
	if got := item.References(); got != 2 {
		t.Fatalf("expected job handles to be released, got %d references", got)
	}
	if got := b.calls.Load(); got != 1 {
		t.Fatalf("expected dropped jobs not to be built, got %d builds", got)
	}
}
