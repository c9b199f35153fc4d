package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"time"

	"github.com/df-mc/detournav/navigator"
	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/navmesh"
	"github.com/df-mc/detournav/navigator/recast"
	"github.com/df-mc/detournav/navigator/tiledb"
	"github.com/df-mc/detournav/navigator/updater"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// RunCmd returns the command that simulates a player walking through a randomly generated world.
func RunCmd() *cobra.Command {
	var (
		configFile string
		dbDir      string
		worldspace string
		ticks      int
		objects    int
		seed       uint64
		debug      bool
	)
	c := &cobra.Command{
		Use:   "run",
		Short: "simulate a player walking through a random world",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if debug {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			settings, err := navigator.LoadSettings(configFile)
			if err != nil {
				return err
			}
			conf := navigator.Config{Log: log, Settings: settings}
			if dbDir != "" {
				db, err := tiledb.Open(dbDir)
				if err != nil {
					return err
				}
				defer db.Close()
				conf.Store = db
			}
			m := conf.New()
			defer m.Close()

			sim := &simulation{m: m, log: log, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), tileSize: settings.TileWorldSize()}
			return sim.run(cmd.Context(), worldspace, ticks, objects, settings.MaxTilesNumber)
		},
	}
	c.Flags().StringVar(&configFile, "config", "navsim.toml", "settings file")
	c.Flags().StringVar(&dbDir, "db", "", "tile database directory, tiles are not stored if empty")
	c.Flags().StringVar(&worldspace, "worldspace", "sys::default", "worldspace to simulate")
	c.Flags().IntVar(&ticks, "ticks", 100, "number of simulation ticks")
	c.Flags().IntVar(&objects, "objects", 200, "number of objects to scatter")
	c.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	c.Flags().BoolVar(&debug, "debug", false, "log every reconciliation pass")
	return c
}

type simulation struct {
	m        *navigator.Manager
	log      *slog.Logger
	rng      *rand.Rand
	tileSize float64
	ids      []uuid.UUID
}

var agents = []agent.Bounds{
	{Radius: 0.3, Height: 1.8},
	{Radius: 1.2, Height: 3},
}

func (s *simulation) run(ctx context.Context, worldspace string, ticks, objects, maxTiles int) error {
	s.m.SetWorldspace(worldspace)
	for _, b := range agents {
		if _, err := s.m.AddAgent(b); err != nil {
			return fmt.Errorf("add agent %v: %w", b, err)
		}
	}
	extent := s.tileSize * 8
	for x := -8; x < 8; x++ {
		for y := -8; y < 8; y++ {
			s.m.AddHeightfield(recast.CellPosition{int32(x), int32(y)}, int(s.tileSize), []float64{0, s.rng.Float64() * 2})
		}
	}
	for i := 0; i < objects; i++ {
		s.addObject(extent)
	}

	start := time.Now()
	for tick := 0; tick < ticks; tick++ {
		// Walk in a circle and churn a few objects every tick.
		angle := float64(tick) / float64(max(ticks, 1)) * 2 * math.Pi
		player := mgl64.Vec3{math.Cos(angle) * extent / 2, math.Sin(angle) * extent / 2, 0}
		s.churn(extent)

		s.m.UpdateBounds(player, maxTiles)
		s.m.Reconcile(player)
		if err := s.m.Wait(ctx, updater.RequiredTilesPresent(), nil); err != nil {
			return err
		}
	}
	if err := s.m.Wait(ctx, updater.AllJobsDone(), progressLog{log: s.log}); err != nil {
		return err
	}

	st := s.m.Stats()
	s.log.Info("simulation finished",
		"ticks", ticks,
		"duration", time.Since(start),
		"jobs_pushed", st.Updater.Pushed,
		"jobs_coalesced", st.Updater.Coalesced,
		"jobs_completed", st.Updater.Completed,
		"jobs_failed", st.Updater.Failed,
		"tiles_removed", st.Updater.Removed,
		"db_hits", st.DB.Hits,
		"db_writes", st.DB.Writes,
	)
	for b, h := range s.m.NavMeshes() {
		var tiles int
		h.Item().Read(func(v navmesh.View) { tiles = v.NavMesh().TileCount() })
		s.log.Info("navmesh", "agent", b, "tiles", tiles, "generation", h.Item().Generation())
		h.Release()
	}
	return nil
}

func (s *simulation) addObject(extent float64) {
	id := uuid.New()
	size := 1 + s.rng.Float64()*8
	shape := recast.Shape{Min: mgl64.Vec3{-size, -size, 0}, Max: mgl64.Vec3{size, size, 1 + s.rng.Float64()*4}}
	origin := mgl64.Vec3{(s.rng.Float64()*2 - 1) * extent, (s.rng.Float64()*2 - 1) * extent, 0}
	rot := mgl64.QuatRotate(s.rng.Float64()*2*math.Pi, mgl64.Vec3{0, 0, 1})
	if s.m.AddObject(id, shape, recast.Transform{Origin: origin, Rotation: rot}, recast.AreaGround) {
		s.ids = append(s.ids, id)
	}
}

func (s *simulation) churn(extent float64) {
	if len(s.ids) == 0 {
		return
	}
	i := s.rng.IntN(len(s.ids))
	switch s.rng.IntN(3) {
	case 0:
		s.m.RemoveObject(s.ids[i])
		s.ids[i] = s.ids[len(s.ids)-1]
		s.ids = s.ids[:len(s.ids)-1]
		s.addObject(extent)
	default:
		origin := mgl64.Vec3{(s.rng.Float64()*2 - 1) * extent, (s.rng.Float64()*2 - 1) * extent, 0}
		s.m.UpdateObject(s.ids[i], recast.IdentityTransform(origin), recast.AreaGround)
	}
}

// progressLog logs the progress of a wait.
type progressLog struct {
	log *slog.Logger
}

func (p progressLog) SetLabel(label string)  { p.log.Info("waiting", "for", label) }
func (p progressLog) SetProgressRange(n int) { p.log.Debug("waiting", "jobs", n) }
func (p progressLog) SetProgress(done int)   { p.log.Debug("waiting", "done", done) }
