// Package database orchestrates the frame lifecycle of a set of registered
// types: update dispatch, log compaction, index upkeep and backups.
//
// A frame is driven externally as
//
//	db.UpdateTick()
//	// ... reads and writes stamped with db.Frame()
//	db.EndFrame()
package database

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fulldump/framedb/workerpool"
)

const (
	StatusOpening   = "opening"
	StatusOperating = "operating"
	StatusClosing   = "closing"
)

// DefaultMinLogHistory is the number of most recent frames whose logs are
// kept unapplied when Config.MinLogHistory is zero.
const DefaultMinLogHistory = 4

var (
	ErrTypeNotFound      = errors.New("type not found")
	ErrAlreadyRegistered = errors.New("type already registered")
	ErrNotOpen           = errors.New("database is not operating")
	ErrBackupInFlight    = errors.New("a backup is already in flight")
	ErrIndexNotFound     = errors.New("index not found")
	ErrBadQuery          = errors.New("bad query")
)

type Config struct {
	Dir string

	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	// Workers running update jobs. Zero means one per CPU.
	Workers int

	MinLogHistory uint64

	// RebalanceEvery rebalances every index each RebalanceEvery frames. Zero
	// disables it.
	RebalanceEvery uint64

	// CompressBackups writes zstd compressed backup files.
	CompressBackups bool

	Logger *log.Logger
}

type Database struct {
	config *Config
	fs     afero.Fs
	log    *log.Entry
	pool   *workerpool.Pool

	mutex  sync.Mutex // guards status, loaded and the registry
	status string
	loaded bool
	kinds  map[string]kind
	order  []kind

	frame atomic.Uint64

	compactMutex   sync.Mutex
	backupInFlight atomic.Bool
	backups        sync.WaitGroup
	lastBackup     atomic.Pointer[Manifest]
}

func NewDatabase(config *Config) *Database {

	fs := config.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	logger := config.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	db := &Database{
		config: config,
		fs:     fs,
		log:    log.NewEntry(logger).WithField("dir", config.Dir),
		pool:   workerpool.New(config.Workers),
		status: StatusOpening,
		kinds:  map[string]kind{},
	}

	return db
}

func (db *Database) GetStatus() string {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	return db.status
}

func (db *Database) setStatus(status string) {
	db.mutex.Lock()
	db.status = status
	db.mutex.Unlock()
}

// Frame returns the frame being written.
func (db *Database) Frame() uint64 {
	return db.frame.Load()
}

func (db *Database) minLogHistory() uint64 {
	if db.config.MinLogHistory == 0 {
		return DefaultMinLogHistory
	}
	return db.config.MinLogHistory
}

// Load opens the files of every registered type, resumes the frame counter
// after the newest frame found on disk and rebuilds the indexes that do not
// match their tables.
func (db *Database) Load() error {

	db.mutex.Lock()
	if db.loaded {
		db.mutex.Unlock()
		return fmt.Errorf("database already loaded")
	}
	db.loaded = true
	kinds := db.order
	db.mutex.Unlock()

	db.log.Info("Loading database...")
	t0 := time.Now()

	err := db.fs.MkdirAll(db.config.Dir, 0755)
	if err != nil {
		db.setStatus(StatusClosing)
		return fmt.Errorf("create dir: %w", err)
	}

	for i, k := range kinds {
		err := k.open(db.fs, db.config.Dir)
		if err != nil {
			db.log.WithError(err).WithField("type", k.ID()).Error("open type")
			for _, opened := range kinds[:i] {
				opened.close(false)
			}
			db.setStatus(StatusClosing)
			return err
		}
	}

	newest := uint64(0)
	for _, k := range kinds {
		newest = max(newest, k.newestFrame())
	}
	db.frame.Store(newest + 1)
	metricFrame.Set(float64(newest + 1))

	for _, k := range kinds {
		rebuilt := k.heal(newest+1, db.log)
		info := k.info()
		db.log.WithFields(log.Fields{
			"type":    k.ID(),
			"rows":    info.Rows,
			"logs":    info.Logs,
			"rebuilt": rebuilt,
		}).Info("type loaded")
	}

	db.setStatus(StatusOperating)
	db.log.WithFields(log.Fields{
		"frame":   newest + 1,
		"elapsed": time.Since(t0),
	}).Info("database operating")

	return nil
}

// UpdateTick waits for the jobs of the previous tick and submits one update
// job per live row of every type declaring an Update hook. It does not wait
// for the new jobs; EndFrame does.
func (db *Database) UpdateTick() {
	db.waitJobs()

	jobs := 0
	for _, k := range db.order {
		jobs += k.submitUpdates(db.pool)
	}
	metricUpdateJobs.Add(float64(jobs))
}

func (db *Database) waitJobs() {
	if err := db.pool.Wait(); err != nil {
		db.log.WithError(err).Error("update job")
	}
}

// EndFrame waits for the update jobs, applies the logs older than the
// retained history and advances the frame. Compaction is skipped while a
// backup is in flight.
func (db *Database) EndFrame() {
	db.waitJobs()

	frame := db.Frame()

	if history := db.minLogHistory(); frame >= history && !db.backupInFlight.Load() && db.compactMutex.TryLock() {
		applied := 0
		for _, k := range db.order {
			applied += k.applyLogs(frame - history)
		}
		db.compactMutex.Unlock()
		metricLogsApplied.Add(float64(applied))
	}

	if every := db.config.RebalanceEvery; every > 0 && frame%every == 0 {
		db.Rebalance()
	}

	db.frame.Add(1)

	metricFrames.Inc()
	metricFrame.Set(float64(frame + 1))
}

// Rebalance rebalances every index of every type and returns the number of
// rotations.
func (db *Database) Rebalance() int {
	rotations := 0
	for _, k := range db.order {
		rotations += k.rebalance()
	}
	metricIndexRotations.Add(float64(rotations))
	return rotations
}

// GracefulShutdown waits for jobs and backups, folds every log into the
// master files, spins down every live row and closes all files. Log files are
// removed since nothing is left in them.
func (db *Database) GracefulShutdown() error {

	db.mutex.Lock()
	operating := db.status == StatusOperating
	db.status = StatusClosing
	db.mutex.Unlock()

	if !operating {
		return nil
	}

	db.log.Info("Closing database...")

	db.waitJobs()
	db.backups.Wait()

	frame := db.Frame()

	db.compactMutex.Lock()
	defer db.compactMutex.Unlock()

	applied := 0
	for _, k := range db.order {
		applied += k.applyLogs(frame)
	}
	metricLogsApplied.Add(float64(applied))

	for _, k := range db.order {
		k.spinDown(frame)
	}

	var lastErr error
	for _, k := range db.order {
		db.log.WithField("type", k.ID()).Info("Closing type...")
		err := k.close(true)
		if err != nil {
			db.log.WithError(err).WithField("type", k.ID()).Error("close type")
			lastErr = err
		}
	}

	return lastErr
}

type Stats struct {
	Status         string     `json:"status"`
	Frame          uint64     `json:"frame"`
	BackupInFlight bool       `json:"backup_in_flight"`
	LastBackup     *Manifest  `json:"last_backup,omitempty"`
	Types          []TypeInfo `json:"types"`
}

func (db *Database) Stats() Stats {
	return Stats{
		Status:         db.GetStatus(),
		Frame:          db.Frame(),
		BackupInFlight: db.backupInFlight.Load(),
		LastBackup:     db.lastBackup.Load(),
		Types:          db.Types(),
	}
}

func (db *Database) Types() []TypeInfo {
	db.mutex.Lock()
	kinds := db.order
	db.mutex.Unlock()

	types := make([]TypeInfo, 0, len(kinds))
	for _, k := range kinds {
		types = append(types, k.info())
	}
	return types
}

func (db *Database) getKind(typeID string) (kind, error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	k, exists := db.kinds[typeID]
	if !exists {
		return nil, fmt.Errorf("type '%s': %w", typeID, ErrTypeNotFound)
	}
	return k, nil
}

func (db *Database) TypeInfo(typeID string) (TypeInfo, error) {
	k, err := db.getKind(typeID)
	if err != nil {
		return TypeInfo{}, err
	}
	return k.info(), nil
}

// Find visits every row of typeID present frameDelay frames ago, without
// knowing its Go type.
func (db *Database) Find(typeID string, frameDelay uint64, f func(id uint64, row any) bool) error {
	k, err := db.getKind(typeID)
	if err != nil {
		return err
	}

	frame := db.Frame()
	if frameDelay > frame {
		return nil
	}
	k.find(frame-frameDelay, f)

	return nil
}

// FindBy visits the rows of typeID present frameDelay frames ago whose field
// indexed by indexName is between from and to, in index order. Bounds are
// JSON values of the field type; nil leaves that end open.
func (db *Database) FindBy(typeID, indexName string, from, to any, frameDelay uint64, f func(id uint64, row any) bool) error {
	k, err := db.getKind(typeID)
	if err != nil {
		return err
	}

	frame := db.Frame()
	if frameDelay > frame {
		return nil
	}
	return k.findBy(frame-frameDelay, indexName, from, to, f)
}
