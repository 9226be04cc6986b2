package world

import (
	"context"
	"io"
	"testing"
	"time"

	. "github.com/fulldump/biff"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fulldump/framedb/database"
)

func openWorld(fs afero.Fs, config Config) (*database.Database, *World) {
	logger := log.New()
	logger.SetOutput(io.Discard)

	db := database.NewDatabase(&database.Config{
		Dir:     "data",
		Fs:      fs,
		Workers: 4,
		Logger:  logger,
	})
	w, err := New(db, config)
	if err != nil {
		panic(err)
	}
	err = db.Load()
	if err != nil {
		panic(err)
	}
	return db, w
}

func Environment(config Config, f func(db *database.Database, w *World)) {
	db, w := openWorld(afero.NewMemMapFs(), config)
	defer db.GracefulShutdown()

	f(db, w)
}

func TestWorld_Step(t *testing.T) {
	Environment(DefaultConfig(), func(db *database.Database, w *World) {

		w.Spawn(100)
		for i := 0; i < 10; i++ {
			w.Step()
		}

		AssertEqual(w.Population(), 100)
		AssertEqual(w.Cells().Count(), 100)

		misplaced := 0
		ages := map[uint32]int{}
		w.Particles().ForEach(0, func(id uint64, p *Particle) bool {
			if p.X < 0 || p.X >= 1000 || p.Y < 0 || p.Y >= 1000 || p.Cell != w.CellOf(p.X, p.Y) {
				misplaced++
			}
			ages[p.Age]++
			return true
		})
		AssertEqual(misplaced, 0)
		AssertEqual(ages, map[uint32]int{10: 100})

		total := 0
		for cell := int32(0); cell < 100; cell++ {
			total += w.CellPopulation(cell)
		}
		AssertEqual(total, 100)
	})
}

func TestWorld_OldParticlesAreReplaced(t *testing.T) {
	config := DefaultConfig()
	config.MaxAge = 3

	Environment(config, func(db *database.Database, w *World) {

		w.Spawn(10)
		for i := 0; i < 12; i++ {
			w.Step()
		}

		AssertEqual(w.Population(), 10)

		old := 0
		w.Particles().ForEach(1, func(id uint64, p *Particle) bool {
			if p.Age > 3 {
				old++
			}
			return true
		})
		AssertEqual(old, 0)
	})
}

func TestWorld_Populate(t *testing.T) {

	fs := afero.NewMemMapFs()

	db, w := openWorld(fs, DefaultConfig())
	AssertEqual(w.Populate(50), 50)
	AssertEqual(w.Populate(50), 0)
	AssertEqual(w.Populate(60), 10)
	w.Step()
	AssertNil(db.GracefulShutdown())

	db, w = openWorld(fs, DefaultConfig())
	defer db.GracefulShutdown()

	AssertEqual(w.Populate(60), 0)
	AssertEqual(w.Cells().Count(), 60)
}

func TestWorld_Run(t *testing.T) {
	Environment(DefaultConfig(), func(db *database.Database, w *World) {

		w.Spawn(10)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			w.Run(ctx, 1000)
			close(done)
		}()

		deadline := time.Now().Add(10 * time.Second)
		for db.Frame() < 6 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		cancel()
		<-done

		AssertTrue(db.Frame() >= 6)
		AssertEqual(w.Population(), 10)
	})
}

func TestWorld_InvalidConfig(t *testing.T) {

	db := database.NewDatabase(&database.Config{Dir: "data", Fs: afero.NewMemMapFs()})

	_, err := New(db, Config{Width: 10, Height: 10})
	AssertNotNil(err)
}

func TestCellOf(t *testing.T) {
	Environment(DefaultConfig(), func(db *database.Database, w *World) {
		AssertEqual(w.CellOf(0, 0), int32(0))
		AssertEqual(w.CellOf(150, 0), int32(1))
		AssertEqual(w.CellOf(0, 150), int32(10))
		AssertEqual(w.CellOf(999.9, 999.9), int32(99))
		AssertEqual(w.CellOf(1000, 1000), int32(99))
		AssertEqual(w.CellOf(-1, -1), int32(0))
	})
}

func TestBounce(t *testing.T) {

	position, velocity := bounce(5, 2, 10)
	AssertEqual(position, float32(5))
	AssertEqual(velocity, float32(2))

	position, velocity = bounce(-1, -2, 10)
	AssertEqual(position, float32(1))
	AssertEqual(velocity, float32(2))

	position, velocity = bounce(12, 3, 10)
	AssertEqual(position, float32(8))
	AssertEqual(velocity, float32(-3))

	position, _ = bounce(10, 1, 10)
	AssertTrue(position < 10)
}
