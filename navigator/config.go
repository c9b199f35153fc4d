package navigator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/df-mc/detournav/navigator/builder"
	"github.com/df-mc/detournav/navigator/offmesh"
	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tile"
	"github.com/df-mc/detournav/navigator/updater"
	"github.com/pelletier/go-toml"
)

// Config holds the options of a Manager.
type Config struct {
	// Log is the Logger to log reconciliation passes and build failures to. If nil, slog.Default() is used.
	Log *slog.Logger
	// Settings holds the tile layout and tile budget. Zero fields are replaced by tile.DefaultSettings().
	Settings tile.Settings
	// Workers is the number of tiles built in parallel. If 0 or lower, the number of CPUs is used.
	Workers int
	// QueueSize is the job queue depth above which backpressure is reported.
	QueueSize int
	// Builder builds navmesh tiles. If nil, builder.Footprint is used.
	Builder updater.Builder
	// Store optionally persists built tiles, for example a *tiledb.DB.
	Store updater.Store
	// Geometry tracks the world geometry and the tiles it changed. If nil, a recast.Manager is used.
	Geometry Geometry
	// OffMesh holds off-mesh connections. If nil, an empty offmesh.Manager is used.
	OffMesh *offmesh.Manager
}

// New creates a Manager using the fields of conf and starts its workers.
func (conf Config) New() *Manager {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	conf.Settings = conf.Settings.WithDefaults()
	if conf.Builder == nil {
		conf.Builder = builder.Footprint{}
	}
	if conf.Geometry == nil {
		conf.Geometry = recast.NewManager(conf.Settings)
	}
	if conf.OffMesh == nil {
		conf.OffMesh = offmesh.NewManager(conf.Settings)
	}
	m := &Manager{
		conf:  conf,
		log:   conf.Log,
		geom:  conf.Geometry,
		conns: conf.OffMesh,
		table: newCacheTable(),
	}
	m.updater = updater.Config{
		Log:       conf.Log,
		Workers:   conf.Workers,
		QueueSize: conf.QueueSize,
		Builder:   conf.Builder,
		Store:     conf.Store,
		Settings:  conf.Settings,
	}.New()
	return m
}

// settingsFile is the layout of a settings file.
type settingsFile struct {
	Navigator tile.Settings `toml:"navigator"`
}

// LoadSettings reads tile settings from the TOML file at path. Missing values are filled with
// tile.DefaultSettings(). If no file exists at path, one holding the default settings is written.
func LoadSettings(path string) (tile.Settings, error) {
	contents, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return tile.DefaultSettings(), writeSettings(path, tile.DefaultSettings())
	}
	if err != nil {
		return tile.Settings{}, fmt.Errorf("read settings: %w", err)
	}
	var data settingsFile
	if err := toml.Unmarshal(contents, &data); err != nil {
		return tile.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return data.Navigator.WithDefaults(), nil
}

func writeSettings(path string, s tile.Settings) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return fmt.Errorf("create settings directory: %w", err)
		}
	}
	encoded, err := toml.Marshal(settingsFile{Navigator: s})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
