package main

import (
	"fmt"
	"strings"

	"github.com/fulldump/goconfig"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	Test      string `usage:"name of the test: ALL | FRAMES | FIND"`
	Base      string `usage:"base URL, empty starts a local server"`
	Particles int    `usage:"number of particles"`
	Frames    int    `usage:"number of frames to simulate"`
	Requests  int64  `usage:"number of find requests"`
	Workers   int    `usage:"number of workers"`
}

var cleanups []func()

func main() {

	defer func() {
		fmt.Println("Cleaning up...")
		for _, cleanup := range cleanups {
			cleanup()
		}
	}()

	c := Config{
		Test:      "frames",
		Base:      "",
		Particles: 100_000,
		Frames:    300,
		Requests:  10_000,
		Workers:   16,
	}
	goconfig.Read(&c)

	switch strings.ToUpper(c.Test) {
	case "ALL":
		TestFrames(c)
		TestFind(c)
	case "FRAMES":
		TestFrames(c)
	case "FIND":
		TestFind(c)
	default:
		log.Fatalf("Unknown test %s", c.Test)
	}

}
