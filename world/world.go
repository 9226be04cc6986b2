// Package world is a small particle simulation stored in a framedb database.
// Particles drift inside a rectangle, bounce on its borders and are replaced
// by a fresh one when they get too old. Every particle is indexed by the grid
// cell it is in.
package world

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fulldump/framedb/database"
	"github.com/fulldump/framedb/index"
)

const TypeID = "particle"

type Particle struct {
	X    float32 `json:"x"`
	Y    float32 `json:"y"`
	VX   float32 `json:"vx"`
	VY   float32 `json:"vy"`
	Cell int32   `json:"cell"`
	Age  uint32  `json:"age"`
}

type Config struct {
	Width    float32
	Height   float32
	CellSize float32

	// Speed is the maximum distance travelled per frame on each axis.
	Speed float32

	// MaxAge replaces particles older than MaxAge frames. Zero keeps them
	// forever.
	MaxAge uint32

	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		Width:    1000,
		Height:   1000,
		CellSize: 100,
		Speed:    4,
		MaxAge:   3000,
		Seed:     1,
	}
}

type World struct {
	config    Config
	columns   int32
	rows      int32
	db        *database.Database
	particles *database.Type[Particle]
	rand      *rand.Rand // used only by Spawn and Populate
}

// New registers the particle type in db. It must be called before db.Load.
func New(db *database.Database, config Config) (*World, error) {

	if config.Width <= 0 || config.Height <= 0 || config.CellSize <= 0 {
		return nil, fmt.Errorf("world size and cell size must be positive")
	}

	w := &World{
		config:  config,
		columns: int32(math.Ceil(float64(config.Width / config.CellSize))),
		rows:    int32(math.Ceil(float64(config.Height / config.CellSize))),
		db:      db,
		rand:    rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}

	particles, err := database.Register(db, database.Schema[Particle]{
		ID: TypeID,
		Indexes: []database.IndexSpec[Particle]{
			database.IndexBy("cell", func(p *Particle) int32 { return p.Cell }),
			database.IndexBy("x", func(p *Particle) float32 { return p.X }),
		},
		Update: w.update,
	})
	if err != nil {
		return nil, err
	}
	w.particles = particles

	return w, nil
}

func (w *World) Particles() *database.Type[Particle] {
	return w.particles
}

// Cells is the cell index. It is nil until the database is loaded.
func (w *World) Cells() *index.Index[int32] {
	return database.IndexNamed[int32](w.particles, "cell")
}

// CellOf returns the grid cell containing (x, y).
func (w *World) CellOf(x, y float32) int32 {
	col := clamp(int32(x/w.config.CellSize), w.columns-1)
	row := clamp(int32(y/w.config.CellSize), w.rows-1)
	return row*w.columns + col
}

// Population counts the particles present in the last ended frame.
func (w *World) Population() int {
	n := 0
	w.particles.ForEach(1, func(id uint64, p *Particle) bool {
		n++
		return true
	})
	return n
}

// CellPopulation counts the particles currently in cell.
func (w *World) CellPopulation(cell int32) int {
	return w.Cells().CountValue(cell)
}

// Spawn creates n particles with random positions and velocities.
func (w *World) Spawn(n int) {
	for i := 0; i < n; i++ {
		p := w.random(w.rand.Float32)
		w.particles.Create(&p)
	}
}

// Populate spawns the particles missing to reach n. Rows restored from disk
// count.
func (w *World) Populate(n int) int {
	missing := n - w.particles.Len()
	if missing <= 0 {
		return 0
	}
	w.Spawn(missing)
	return missing
}

// Run advances one frame every 1/frameRate seconds until ctx is done.
func (w *World) Run(ctx context.Context, frameRate int) {

	if frameRate <= 0 {
		frameRate = 1
	}

	ticker := time.NewTicker(time.Second / time.Duration(frameRate))
	defer ticker.Stop()

	slow := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t0 := time.Now()
		w.Step()
		if elapsed := time.Since(t0); elapsed > time.Second/time.Duration(frameRate) {
			slow++
			if slow%100 == 1 {
				log.WithFields(log.Fields{
					"frame":   w.db.Frame(),
					"elapsed": elapsed,
					"slow":    slow,
				}).Warn("frame over budget")
			}
		}
	}
}

// Step runs the update of every particle and ends the frame.
func (w *World) Step() {
	w.db.UpdateTick()
	w.db.EndFrame()
}

func (w *World) update(t *database.Type[Particle], id uint64) {

	p := Particle{}
	if !t.ReadCurrent(id, &p) {
		return
	}

	if w.config.MaxAge > 0 && p.Age >= w.config.MaxAge {
		t.Destroy(id)
		fresh := w.random(rand.Float32)
		t.Create(&fresh)
		return
	}

	p.X, p.VX = bounce(p.X+p.VX, p.VX, w.config.Width)
	p.Y, p.VY = bounce(p.Y+p.VY, p.VY, w.config.Height)
	p.Cell = w.CellOf(p.X, p.Y)
	p.Age++

	t.Write(id, &p)
}

func (w *World) random(float func() float32) Particle {
	p := Particle{
		X:  float() * w.config.Width,
		Y:  float() * w.config.Height,
		VX: (float()*2 - 1) * w.config.Speed,
		VY: (float()*2 - 1) * w.config.Speed,
	}
	p.Cell = w.CellOf(p.X, p.Y)
	return p
}

// bounce keeps position inside [0, limit), reflecting the velocity when a
// border is crossed.
func bounce(position, velocity, limit float32) (float32, float32) {
	if position < 0 {
		return min(-position, math.Nextafter32(limit, 0)), -velocity
	}
	if position >= limit {
		return max(min(2*limit-position, math.Nextafter32(limit, 0)), 0), -velocity
	}
	return position, velocity
}

func clamp(v, highest int32) int32 {
	return max(min(v, highest), 0)
}
