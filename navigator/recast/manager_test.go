package recast

import (
	"testing"

	"github.com/df-mc/detournav/navigator/tile"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

var testSettings = tile.Settings{CellSize: 1, TileSize: 10, RecastScaleFactor: 1, MaxTilesNumber: 64}

// box returns a small shape placed in the middle of the tile passed.
func box(pos tile.Position) (Shape, Transform) {
	shape := Shape{Min: mgl64.Vec3{-1, -1, 0}, Max: mgl64.Vec3{1, 1, 2}}
	return shape, IdentityTransform(mgl64.Vec3{float64(pos.X)*10 + 5, float64(pos.Y)*10 + 5, 0})
}

func TestAddAndRemoveObject(t *testing.T) {
	m := NewManager(testSettings)
	m.SetWorldspace("sys::default")
	id := uuid.New()
	pos := tile.Position{X: 3, Y: 4}
	shape, tr := box(pos)

	rev := m.Revision()
	if !m.AddObject(id, shape, tr, AreaGround) {
		t.Fatalf("expected object to be added")
	}
	if m.AddObject(id, shape, tr, AreaGround) {
		t.Fatalf("expected duplicate object to be rejected")
	}
	if m.Revision() <= rev {
		t.Fatalf("expected revision to increase")
	}
	changed := m.TakeChangedTiles()
	if len(changed) != 1 || changed[pos] != tile.ChangeAdd {
		t.Fatalf("expected only %v added, got %v", pos, changed)
	}
	if len(m.TakeChangedTiles()) != 0 {
		t.Fatalf("expected changes to be delivered once")
	}
	if r := m.Range(); r != (tile.Range{Min: pos, Max: pos}) {
		t.Fatalf("unexpected range %v", r)
	}
	mesh, ok := m.CachedMesh("sys::default", pos)
	if !ok || len(mesh.Objects) != 1 || mesh.Objects[0].ID != id {
		t.Fatalf("expected mesh with the object, got %+v", mesh)
	}
	if _, ok := m.CachedMesh("other", pos); ok {
		t.Fatalf("expected no mesh for an inactive worldspace")
	}

	if !m.RemoveObject(id) {
		t.Fatalf("expected object to be removed")
	}
	changed = m.TakeChangedTiles()
	if changed[pos] != tile.ChangeUpdate {
		t.Fatalf("expected removal to be reported as update, got %v", changed)
	}
	if _, ok := m.CachedMesh("sys::default", pos); ok {
		t.Fatalf("expected no mesh once the tile is empty")
	}
	if !m.Range().Empty() {
		t.Fatalf("expected empty range, got %v", m.Range())
	}
}

func TestUpdateObjectMarksOldAndNewTiles(t *testing.T) {
	m := NewManager(testSettings)
	id := uuid.New()
	shape, tr := box(tile.Position{X: 0, Y: 0})
	m.AddObject(id, shape, tr, AreaGround)
	m.TakeChangedTiles()

	if m.UpdateObject(id, tr, AreaGround) {
		t.Fatalf("expected unchanged update to report false")
	}
	_, moved := box(tile.Position{X: 2, Y: 0})
	if !m.UpdateObject(id, moved, AreaGround) {
		t.Fatalf("expected update to report a change")
	}
	changed := m.TakeChangedTiles()
	for _, pos := range []tile.Position{{X: 0, Y: 0}, {X: 2, Y: 0}} {
		if changed[pos] != tile.ChangeUpdate {
			t.Fatalf("expected %v to be updated, got %v", pos, changed)
		}
	}
	if _, ok := m.CachedMesh("", tile.Position{X: 0, Y: 0}); ok {
		t.Fatalf("expected old tile to be empty")
	}
	if _, ok := m.CachedMesh("", tile.Position{X: 2, Y: 0}); !ok {
		t.Fatalf("expected new tile to hold the object")
	}
}

func TestSetBoundsReportsLeavingAndEnteringTiles(t *testing.T) {
	m := NewManager(testSettings)
	near, far := tile.Position{X: 0, Y: 0}, tile.Position{X: 20, Y: 0}
	for _, pos := range []tile.Position{near, far} {
		shape, tr := box(pos)
		m.AddObject(uuid.New(), shape, tr, AreaGround)
	}
	m.TakeChangedTiles()

	m.SetBounds(tile.BoundsOf(testSettings, mgl64.Vec2{5, 5}, 4))
	changed := m.TakeChangedTiles()
	if changed[far] != tile.ChangeRemove {
		t.Fatalf("expected far tile to be removed, got %v", changed)
	}
	if _, ok := changed[near]; ok {
		t.Fatalf("expected near tile to be unchanged, got %v", changed)
	}
	if r := m.Range(); r != (tile.Range{Min: near, Max: near}) {
		t.Fatalf("expected range limited to the near tile, got %v", r)
	}

	m.SetBounds(tile.BoundsOf(testSettings, mgl64.Vec2{205, 5}, 4))
	changed = m.TakeChangedTiles()
	if changed[far] != tile.ChangeAdd || changed[near] != tile.ChangeRemove {
		t.Fatalf("expected far added and near removed, got %v", changed)
	}
}

func TestWaterAndHeightfield(t *testing.T) {
	m := NewManager(testSettings)
	cell := CellPosition{1, 0}
	if !m.AddWater(cell, 10, -2) || m.AddWater(cell, 10, -2) {
		t.Fatalf("expected water to be added exactly once")
	}
	if !m.AddHeightfield(cell, 10, []float64{-1, 4, 2}) {
		t.Fatalf("expected heightfield to be added")
	}
	changed := m.TakeChangedTiles()
	pos := tile.Position{X: 1, Y: 0}
	if len(changed) != 1 || changed[pos] != tile.ChangeAdd {
		t.Fatalf("expected a single aligned tile to be added, got %v", changed)
	}
	mesh, ok := m.CachedMesh("", pos)
	if !ok || len(mesh.Water) != 1 || len(mesh.Heightfields) != 1 {
		t.Fatalf("unexpected mesh %+v", mesh)
	}
	if mesh.Heightfields[0].MinHeight != -1 || mesh.Heightfields[0].MaxHeight != 4 {
		t.Fatalf("unexpected height span %+v", mesh.Heightfields[0])
	}
	hash := mesh.Hash()
	m.RemoveWater(cell)
	if changed := m.TakeChangedTiles(); changed[pos] != tile.ChangeUpdate {
		t.Fatalf("expected water removal to update the tile, got %v", changed)
	}
	mesh, _ = m.CachedMesh("", pos)
	if mesh.Hash() == hash {
		t.Fatalf("expected hash to change with the geometry")
	}
	m.RemoveHeightfield(cell)
	if _, ok := m.CachedMesh("", pos); ok {
		t.Fatalf("expected tile to be empty")
	}
}

func TestSetWorldspaceBumpsRevision(t *testing.T) {
	m := NewManager(testSettings)
	rev := m.Revision()
	m.SetWorldspace("a")
	if m.Revision() == rev {
		t.Fatalf("expected revision bump on worldspace switch")
	}
	rev = m.Revision()
	m.SetWorldspace("a")
	if m.Revision() != rev {
		t.Fatalf("expected no bump when the worldspace is unchanged")
	}
}

func TestContentAddedOutsideBoundsIsSnapshotted(t *testing.T) {
	m := NewManager(testSettings)
	m.SetWorldspace("sys::default")
	pos := tile.Position{X: 0, Y: 0}
	m.AddHeightfield(CellPosition{0, 0}, 10, nil)
	if mesh, ok := m.CachedMesh("sys::default", pos); !ok || len(mesh.Objects) != 0 {
		t.Fatalf("expected terrain only snapshot, got %+v", mesh)
	}

	m.SetBounds(tile.BoundsOf(testSettings, mgl64.Vec2{205, 5}, 4))
	rev := m.Revision()
	shape, tr := box(pos)
	id := uuid.New()
	m.AddObject(id, shape, tr, AreaGround)
	if m.Revision() == rev {
		t.Fatalf("expected revision bump for content outside the bounds")
	}
	if changed := m.TakeChangedTiles(); changed[pos] != tile.ChangeRemove {
		t.Fatalf("expected only the bounds change to be reported, got %v", changed)
	}

	m.SetBounds(tile.BoundsOf(testSettings, mgl64.Vec2{5, 5}, 4))
	if _, ok := m.TakeChangedTiles()[pos]; !ok {
		t.Fatalf("expected tile entering the bounds to be reported")
	}
	mesh, ok := m.CachedMesh("sys::default", pos)
	if !ok || len(mesh.Objects) != 1 || mesh.Objects[0].ID != id {
		t.Fatalf("expected snapshot with the object added outside the bounds, got %+v", mesh)
	}
	if mesh.Revision <= rev {
		t.Fatalf("expected snapshot revision after %d, got %d", rev, mesh.Revision)
	}
}

func TestSetWorldspaceForgetsGeometry(t *testing.T) {
	m := NewManager(testSettings)
	m.SetWorldspace("sys::default")
	pos := tile.Position{X: 0, Y: 0}
	shape, tr := box(pos)
	id := uuid.New()
	m.AddObject(id, shape, tr, AreaGround)
	m.AddWater(CellPosition{1, 0}, 10, 0)
	m.AddHeightfield(CellPosition{0, 0}, 10, nil)
	m.CachedMesh("sys::default", pos)

	m.SetWorldspace("sys::other")
	if changed := m.TakeChangedTiles(); len(changed) != 0 {
		t.Fatalf("expected pending changes of the old worldspace to be dropped, got %v", changed)
	}
	if r := m.Range(); !r.Empty() {
		t.Fatalf("expected empty range after switch, got %v", r)
	}
	if _, ok := m.CachedMesh("sys::other", pos); ok {
		t.Fatalf("expected no geometry in the new worldspace")
	}
	if m.RemoveObject(id) || m.RemoveWater(CellPosition{1, 0}) || m.RemoveHeightfield(CellPosition{0, 0}) {
		t.Fatalf("expected geometry of the old worldspace to be forgotten")
	}
	if !m.AddObject(id, shape, tr, AreaGround) {
		t.Fatalf("expected id to be reusable in the new worldspace")
	}
}
