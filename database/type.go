package database

import (
	"fmt"
	"io"
	"path"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fulldump/framedb/index"
	"github.com/fulldump/framedb/slotfile"
	"github.com/fulldump/framedb/table"
	"github.com/fulldump/framedb/workerpool"
)

// healRebalanceEvery is the number of rows inserted between rebalances while
// an index is rebuilt.
const healRebalanceEvery = 128

// kind is a registered type with its row type erased, as seen by the frame
// lifecycle.
type kind interface {
	ID() string
	open(fs afero.Fs, dir string) error
	heal(frame uint64, logger *log.Entry) int
	submitUpdates(pool *workerpool.Pool) int
	applyLogs(through uint64) int
	rebalance() int
	maxFrame() (uint64, bool)
	newestFrame() uint64
	writeBackup(w io.Writer, through uint64) (int64, error)
	spinDown(frame uint64)
	close(dropLogs bool) error
	info() TypeInfo
	find(frame uint64, f func(id uint64, row any) bool)
	findBy(frame uint64, indexName string, from, to any, f func(id uint64, row any) bool) error
}

type IndexInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	File  string `json:"file"`
}

type TypeInfo struct {
	ID          string      `json:"id"`
	Rows        int         `json:"rows"`
	Logs        int         `json:"logs"`
	PendingRows uint64      `json:"pending_rows"`
	Indexes     []IndexInfo `json:"indexes"`
}

// Type is the handle to a registered type: its table plus its indexes.
type Type[R any] struct {
	db      *Database
	schema  Schema[R]
	table   *table.Table[R]
	indexes []fieldIndex[R]
}

// Register adds a type to db. Types must be registered before Load. Rows and
// indexed fields must have a fixed binary size.
func Register[R any](db *Database, schema Schema[R]) (*Type[R], error) {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.loaded {
		return nil, fmt.Errorf("register '%s': database already loaded", schema.ID)
	}
	if schema.ID == "" {
		return nil, fmt.Errorf("register: empty type id")
	}
	if _, exists := db.kinds[schema.ID]; exists {
		return nil, fmt.Errorf("register '%s': %w", schema.ID, ErrAlreadyRegistered)
	}
	if err := slotfile.ValidateType[table.Row[R]](); err != nil {
		return nil, fmt.Errorf("register '%s': %w", schema.ID, err)
	}
	names := map[string]bool{}
	for _, spec := range schema.Indexes {
		if spec.open == nil {
			return nil, fmt.Errorf("register '%s': index '%s' must be declared with IndexBy or IndexByFunc", schema.ID, spec.Name)
		}
		if names[spec.Name] {
			return nil, fmt.Errorf("register '%s': duplicated index '%s'", schema.ID, spec.Name)
		}
		names[spec.Name] = true
		if err := spec.validate(); err != nil {
			return nil, fmt.Errorf("register '%s': index '%s': %w", schema.ID, spec.Name, err)
		}
	}

	t := &Type[R]{
		db:     db,
		schema: schema,
	}
	db.kinds[schema.ID] = t
	db.order = append(db.order, t)

	return t, nil
}

// MustRegister is Register for package level declarations.
func MustRegister[R any](db *Database, schema Schema[R]) *Type[R] {
	t, err := Register(db, schema)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type[R]) ID() string {
	return t.schema.ID
}

// Create stores a new row at the current frame and returns its id.
func (t *Type[R]) Create(data *R) uint64 {
	id := t.table.Allocate(t.db.Frame(), data)

	for _, x := range t.indexes {
		x.insert(id, data)
	}

	if t.schema.Allocated != nil {
		t.schema.Allocated(t, id, data)
	}
	if t.schema.SpunUp != nil {
		t.schema.SpunUp(t, id, data)
	}

	metricRowsCreated.Inc()
	return id
}

// Destroy deletes row id at the current frame. It returns false if the row
// was already gone.
func (t *Type[R]) Destroy(id uint64) bool {
	frame := t.db.Frame()

	var current R
	if !t.table.LoadLocked(id, frame, &current) {
		return false
	}

	for _, x := range t.indexes {
		x.remove(id, &current)
	}

	if t.schema.SpunDown != nil {
		t.schema.SpunDown(t, id, &current)
	}
	if t.schema.Freed != nil {
		t.schema.Freed(t, id, &current)
	}

	t.table.Free(id, frame)

	metricRowsDestroyed.Inc()
	return true
}

// Read loads row id as it was frameDelay frames ago.
func (t *Type[R]) Read(id, frameDelay uint64, out *R) bool {
	frame := t.db.Frame()
	if frameDelay > frame {
		return false
	}
	return t.table.Load(id, frame-frameDelay, out)
}

// ReadCurrent loads row id at the frame being written.
func (t *Type[R]) ReadCurrent(id uint64, out *R) bool {
	return t.table.LoadLocked(id, t.db.Frame(), out)
}

// ReadCommitted loads row id as of the last ended frame, which no writer can
// modify anymore.
func (t *Type[R]) ReadCommitted(id uint64, out *R) bool {
	return t.Read(id, 1, out)
}

// Write stores a new state of row id at the current frame. Index entries are
// moved only for the fields that changed.
func (t *Type[R]) Write(id uint64, data *R) {
	frame := t.db.Frame()

	if len(t.indexes) > 0 {
		var before R
		if !t.table.LoadLocked(id, frame, &before) {
			return
		}
		for _, x := range t.indexes {
			if x.changed(&before, data) {
				x.remove(id, &before)
				x.insert(id, data)
			}
		}
	}

	t.table.Store(id, frame, data)
}

// Len returns the number of rows stored, counting rows whose deletion is not
// applied yet.
func (t *Type[R]) Len() int {
	return t.table.Len()
}

// ForEach visits every row present frameDelay frames ago.
func (t *Type[R]) ForEach(frameDelay uint64, f func(id uint64, row *R) bool) {
	frame := t.db.Frame()
	if frameDelay > frame {
		return
	}
	t.forEachAt(frame-frameDelay, f)
}

func (t *Type[R]) forEachAt(frame uint64, f func(id uint64, row *R) bool) {
	t.table.ForEach(func(id uint64) bool {
		var row R
		if !t.table.Load(id, frame, &row) {
			return true
		}
		return f(id, &row)
	})
}

func (t *Type[R]) open(fs afero.Fs, dir string) error {

	tb, err := table.Open[R](fs, dir, t.schema.ID)
	if err != nil {
		return fmt.Errorf("open table '%s': %w", t.schema.ID, err)
	}
	t.table = tb

	t.indexes = make([]fieldIndex[R], 0, len(t.schema.Indexes))
	for ordinal, spec := range t.schema.Indexes {
		filename := path.Join(dir, index.Filename(t.schema.ID, ordinal))
		x, err := spec.open(fs, filename)
		if err != nil {
			t.close(false)
			return fmt.Errorf("open index '%s' of '%s': %w", spec.Name, t.schema.ID, err)
		}
		t.indexes = append(t.indexes, x)
	}

	return nil
}

// heal rebuilds every index whose size does not match the number of rows
// present at frame and returns the number of indexes rebuilt.
func (t *Type[R]) heal(frame uint64, logger *log.Entry) int {
	if len(t.indexes) == 0 {
		return 0
	}

	present := 0
	t.forEachAt(frame, func(id uint64, row *R) bool {
		present++
		return true
	})

	rebuilt := 0
	for _, x := range t.indexes {
		if x.count() == present {
			continue
		}

		logger.WithFields(log.Fields{
			"type":    t.schema.ID,
			"index":   x.Name(),
			"entries": x.count(),
			"rows":    present,
		}).Warn("index out of sync, rebuilding")

		x.clear()
		inserted := 0
		t.forEachAt(frame, func(id uint64, row *R) bool {
			x.insert(id, row)
			inserted++
			if inserted%healRebalanceEvery == 0 {
				x.rebalance()
			}
			return true
		})
		x.rebalance()

		metricIndexRebuilds.Inc()
		rebuilt++
	}

	return rebuilt
}

func (t *Type[R]) submitUpdates(pool *workerpool.Pool) int {
	if t.schema.Update == nil {
		return 0
	}

	jobs := 0
	t.table.ForEach(func(id uint64) bool {
		if t.table.Deleted(id) {
			return true
		}
		pool.Submit(func() error {
			t.schema.Update(t, id)
			return nil
		})
		jobs++
		return true
	})

	return jobs
}

func (t *Type[R]) applyLogs(through uint64) int {
	return t.table.ApplyLogsAll(through)
}

func (t *Type[R]) rebalance() int {
	rotations := 0
	for _, x := range t.indexes {
		rotations += x.rebalance()
	}
	return rotations
}

func (t *Type[R]) maxFrame() (uint64, bool) {
	return t.table.MaxFrame()
}

func (t *Type[R]) newestFrame() uint64 {
	return t.table.NewestFrame()
}

func (t *Type[R]) writeBackup(w io.Writer, through uint64) (int64, error) {
	return t.table.WriteBackup(w, through)
}

func (t *Type[R]) spinDown(frame uint64) {
	if t.schema.SpunDown == nil {
		return
	}
	t.forEachAt(frame, func(id uint64, row *R) bool {
		t.schema.SpunDown(t, id, row)
		return true
	})
}

func (t *Type[R]) close(dropLogs bool) error {

	var lastErr error
	for _, x := range t.indexes {
		if err := x.close(); err != nil {
			lastErr = fmt.Errorf("close index '%s': %w", x.Name(), err)
		}
	}

	if t.table == nil {
		return lastErr
	}

	closeTable := t.table.Close
	if dropLogs && t.table.Stats().Logs == 0 {
		closeTable = t.table.CloseAndDropLogs
	}
	if err := closeTable(); err != nil {
		lastErr = fmt.Errorf("close table '%s': %w", t.schema.ID, err)
	}

	return lastErr
}

func (t *Type[R]) info() TypeInfo {
	stats := t.table.Stats()

	indexes := make([]IndexInfo, 0, len(t.indexes))
	for _, x := range t.indexes {
		indexes = append(indexes, IndexInfo{
			Name:  x.Name(),
			Count: x.count(),
			File:  x.filename(),
		})
	}

	return TypeInfo{
		ID:          t.schema.ID,
		Rows:        stats.Rows,
		Logs:        stats.Logs,
		PendingRows: stats.PendingRows,
		Indexes:     indexes,
	}
}

func (t *Type[R]) find(frame uint64, f func(id uint64, row any) bool) {
	t.forEachAt(frame, func(id uint64, row *R) bool {
		return f(id, row)
	})
}

// findBy walks the index named indexName. The index holds the current state,
// so rows loaded at an older frame are checked against the range again.
func (t *Type[R]) findBy(frame uint64, indexName string, from, to any, f func(id uint64, row any) bool) error {

	var x fieldIndex[R]
	for _, candidate := range t.indexes {
		if candidate.Name() == indexName {
			x = candidate
			break
		}
	}
	if x == nil {
		return fmt.Errorf("index '%s' of type '%s': %w", indexName, t.schema.ID, ErrIndexNotFound)
	}

	ids, matches, err := x.between(from, to)
	if err != nil {
		return err
	}

	for _, id := range ids {
		var row R
		if !t.table.Load(id, frame, &row) || !matches(&row) {
			continue
		}
		if !f(id, &row) {
			break
		}
	}

	return nil
}
