package main

import (
	"os"
	"sync"

	"github.com/fulldump/framedb/bootstrap"
	"github.com/fulldump/framedb/configuration"
)

type JSON = map[string]any

func Parallel(workers int, f func()) {
	wg := &sync.WaitGroup{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	wg.Wait()
}

func TempDir() (string, func()) {
	dir, err := os.MkdirTemp("", "framedb_bench_*")
	if err != nil {
		panic("Could not create temp directory: " + err.Error())
	}

	cleanup := func() {
		os.RemoveAll(dir)
	}

	return dir, cleanup
}

func CreateServer(c *Config) (start, stop func()) {
	dir, cleanup := TempDir()
	cleanups = append(cleanups, cleanup)

	conf := configuration.Default()
	conf.Dir = dir
	conf.BackupEvery = 0
	conf.Particles = c.Particles
	conf.LogLevel = "warning"
	c.Base = "http://" + conf.HttpAddr

	start, stop, err := bootstrap.Bootstrap(&conf)
	if err != nil {
		panic("Could not start server: " + err.Error())
	}

	return start, stop
}
