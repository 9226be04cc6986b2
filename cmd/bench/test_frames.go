package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/fulldump/framedb/database"
	"github.com/fulldump/framedb/world"
)

func TestFrames(c Config) {

	dir, cleanup := TempDir()
	cleanups = append(cleanups, cleanup)

	log.SetLevel(log.WarnLevel)

	db := database.NewDatabase(&database.Config{
		Dir:     dir,
		Workers: c.Workers,
	})
	w, err := world.New(db, world.DefaultConfig())
	if err != nil {
		log.Fatalf("world: %s", err.Error())
	}
	err = db.Load()
	if err != nil {
		log.Fatalf("load: %s", err.Error())
	}
	defer db.GracefulShutdown()

	t0 := time.Now()
	w.Spawn(c.Particles)
	fmt.Println("spawned:", c.Particles, "in", time.Since(t0))

	t0 = time.Now()
	slowest := time.Duration(0)
	for i := 0; i < c.Frames; i++ {
		t1 := time.Now()
		w.Step()
		slowest = max(slowest, time.Since(t1))
	}

	took := time.Since(t0)
	fmt.Println("frames:", c.Frames)
	fmt.Println("took:", took)
	fmt.Println("slowest frame:", slowest)
	fmt.Printf("Throughput: %.2f frames/sec, %s row updates/sec\n",
		float64(c.Frames)/took.Seconds(),
		humanize.Comma(int64(float64(c.Frames)*float64(c.Particles)/took.Seconds())),
	)

	for _, info := range db.Types() {
		fmt.Printf("type %s: rows=%d logs=%d pending=%d\n", info.ID, info.Rows, info.Logs, info.PendingRows)
	}
}
