package updater

import (
	"context"

	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/offmesh"
	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tile"
)

// BuildInput is everything a Builder needs to build one tile.
type BuildInput struct {
	Agent    agent.Bounds
	Position tile.Position
	// Change is the kind of change that caused the build.
	Change   tile.Change
	Settings tile.Settings
	// Mesh is the geometry snapshot of the tile. It is never nil.
	Mesh    *recast.Mesh
	OffMesh []offmesh.Connection
}

// Builder builds navmesh tiles. Build returns the tile blob, or a nil blob if the geometry produces no
// navmesh at all. Build is called from several workers at once and must be safe for concurrent use.
type Builder interface {
	Build(ctx context.Context, in BuildInput) ([]byte, error)
}

// BuilderFunc adapts a function into a Builder.
type BuilderFunc func(ctx context.Context, in BuildInput) ([]byte, error)

func (f BuilderFunc) Build(ctx context.Context, in BuildInput) ([]byte, error) {
	return f(ctx, in)
}

// Store persists built tiles so they can be reused across sessions. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(key StoreKey) ([]byte, bool, error)
	Put(key StoreKey, blob []byte) error
}

// StoreKey identifies a built tile by the input it was built from.
type StoreKey struct {
	Worldspace string
	Agent      agent.Bounds
	Position   tile.Position
	// InputHash is a hash of the geometry and off-mesh connections the tile was built from.
	InputHash uint64
}

// MeshSource provides geometry snapshots, usually the change tracker.
type MeshSource interface {
	CachedMesh(worldspace string, pos tile.Position) (*recast.Mesh, bool)
}

// OffMeshSource provides off-mesh connections per tile.
type OffMeshSource interface {
	Get(pos tile.Position) []offmesh.Connection
}
