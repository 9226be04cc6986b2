package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fulldump/box"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fulldump/framedb/api"
	"github.com/fulldump/framedb/configuration"
	"github.com/fulldump/framedb/database"
	"github.com/fulldump/framedb/service"
	"github.com/fulldump/framedb/world"
)

var VERSION = "dev"

func Bootstrap(c *configuration.Configuration) (start, stop func(), err error) {

	logger := log.StandardLogger()
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(level)

	fs := afero.NewOsFs()

	if c.Restore != "" {
		manifest, err := database.RestoreBackup(fs, c.Restore, c.Dir)
		if err != nil {
			return nil, nil, err
		}
		logger.WithFields(log.Fields{
			"backup": c.Restore,
			"id":     manifest.ID,
			"frame":  manifest.Frame,
		}).Info("backup restored")
	}

	db := database.NewDatabase(&database.Config{
		Dir:             c.Dir,
		Fs:              fs,
		Workers:         c.Workers,
		MinLogHistory:   c.MinLogHistory,
		RebalanceEvery:  c.RebalanceEvery,
		CompressBackups: c.CompressBackups,
		Logger:          logger,
	})

	w, err := world.New(db, world.DefaultConfig())
	if err != nil {
		return nil, nil, err
	}

	err = db.Load()
	if err != nil {
		return nil, nil, err
	}
	if spawned := w.Populate(c.Particles); spawned > 0 {
		logger.WithField("particles", spawned).Info("particles spawned")
	}

	b := api.Build(service.NewService(db, c.BackupDir, VERSION))
	if c.EnableCompression {
		b.WithInterceptors(api.Compression)
	}
	b.WithInterceptors(
		api.AccessLog(logger),
		api.InterceptorUnavailable(db),
		api.RecoverFromPanic,
		api.PrettyErrorInterceptor,
	)

	s := &http.Server{
		Addr:    c.HttpAddr,
		Handler: box.Box2Http(b),
	}

	ln, err := net.Listen("tcp", c.HttpAddr)
	if err != nil {
		db.GracefulShutdown()
		return nil, nil, err
	}
	logger.WithField("addr", c.HttpAddr).Info("listening")

	ctx, cancel := context.WithCancel(context.Background())
	frames := &sync.WaitGroup{}

	stopped := make(chan struct{})
	stopOnce := &sync.Once{}
	stop = func() {
		stopOnce.Do(func() {
			defer close(stopped)
			cancel()
			frames.Wait()
			s.Shutdown(context.Background())
			err := db.GracefulShutdown()
			if err != nil {
				logger.WithError(err).Error("shutdown")
			}
		})
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for {
			sig := <-signalChan
			logger.WithField("signal", sig.String()).Info("Signal received")
			stop()
		}
	}()

	start = func() {

		wg := &sync.WaitGroup{}

		frames.Add(1)
		go func() {
			defer frames.Done()
			w.Run(ctx, c.FrameRate)
		}()

		if c.BackupEvery > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				periodicBackups(ctx, db, c.BackupDir, c.BackupEvery)
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("serve")
			}
			stop()
		}()

		wg.Wait()
		<-stopped
	}

	return
}

func periodicBackups(ctx context.Context, db *database.Database, dir string, every time.Duration) {

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	s := service.NewService(db, dir, VERSION)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			_, err := s.RequestBackup(now.UTC().Format("20060102-150405"))
			if err != nil {
				log.WithError(err).Warn("periodic backup skipped")
			}
		}
	}
}
