// Package table stores fixed-layout records with frame-versioned history.
//
// Every row has a master snapshot in the master file and a chain of pending
// logs in the log file. Writes append a full copy of the payload to the chain;
// log application folds old logs into the master snapshot.
package table

import (
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/spf13/afero"

	"github.com/fulldump/framedb/slotfile"
)

const None = slotfile.None

type LogType uint8

const (
	LogUpdate LogType = iota
	LogDelete
)

type Row[R any] struct {
	Data                R
	LastCreatedFrame    uint64
	LastDeletedFrame    uint64
	Deleted             bool
	LastLogAppliedFrame uint64
	FirstLog            uint64
	LastLog             uint64
}

type Log[R any] struct {
	Type        LogType
	Frame       uint64
	PreviousLog uint64
	NextLog     uint64
	Data        R
}

type Table[R any] struct {
	fs     afero.Fs
	master *slotfile.File[Row[R]]
	logs   *slotfile.File[Log[R]]

	rowLocks sync.Map // uint64 -> *sync.Mutex

	pendingMutex sync.Mutex
	pending      *roaring64.Bitmap // rows with unapplied logs
}

type Stats struct {
	Rows        int    `json:"rows"`
	Logs        int    `json:"logs"`
	PendingRows uint64 `json:"pending_rows"`
}

func MasterFilename(typeID string) string {
	return "master_" + typeID + ".wdb"
}

func LogFilename(typeID string) string {
	return "log_" + typeID + ".wdb"
}

func Open[R any](fs afero.Fs, dir, typeID string) (*Table[R], error) {

	master, err := slotfile.Open[Row[R]](fs, path.Join(dir, MasterFilename(typeID)))
	if err != nil {
		return nil, fmt.Errorf("open master: %w", err)
	}

	logs, err := slotfile.Open[Log[R]](fs, path.Join(dir, LogFilename(typeID)))
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open logs: %w", err)
	}

	t := &Table[R]{
		fs:      fs,
		master:  master,
		logs:    logs,
		pending: roaring64.New(),
	}

	err = t.repair()
	if err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

// repair validates every log chain, fixes the pointers a crash in the middle
// of an append or an application can leave behind and frees orphan logs.
func (t *Table[R]) repair() (err error) {

	referenced := roaring64.New()

	t.master.ForEach(func(id uint64, row Row[R]) bool {
		if row.FirstLog == None && row.Deleted {
			// delete applied but the slot was never released
			t.master.Free(id)
			return true
		}
		previous := None
		steps := uint64(0)
		for logID := row.FirstLog; logID != None; steps++ {
			l, ok := t.logs.Get(logID)
			if !ok || steps > t.logs.Cap() {
				err = fmt.Errorf("%w: row %d has a broken log chain at log %d", slotfile.ErrCorrupted, id, logID)
				return false
			}
			if l.PreviousLog != previous {
				if previous != None {
					err = fmt.Errorf("%w: log %d of row %d points back to %d, expected %d", slotfile.ErrCorrupted, logID, id, l.PreviousLog, previous)
					return false
				}
				t.logs.Update(logID, func(l *Log[R]) {
					l.PreviousLog = None
				})
			}
			referenced.Add(logID)
			previous = logID
			logID = l.NextLog
		}
		if previous != row.LastLog {
			t.master.Update(id, func(r *Row[R]) {
				r.LastLog = previous
			})
		}
		if row.FirstLog != None {
			t.pending.Add(id)
		}
		return true
	})
	if err != nil {
		return err
	}

	t.logs.ForEach(func(logID uint64, l Log[R]) bool {
		if !referenced.Contains(logID) {
			t.logs.Free(logID)
		}
		return true
	})

	return nil
}

func (t *Table[R]) rowLock(id uint64) *sync.Mutex {
	if m, ok := t.rowLocks.Load(id); ok {
		return m.(*sync.Mutex)
	}
	m, _ := t.rowLocks.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (t *Table[R]) markPending(id uint64) {
	t.pendingMutex.Lock()
	t.pending.Add(id)
	t.pendingMutex.Unlock()
}

func (t *Table[R]) unmarkPending(id uint64) {
	t.pendingMutex.Lock()
	t.pending.Remove(id)
	t.pendingMutex.Unlock()
}

func (t *Table[R]) pendingRows() []uint64 {
	t.pendingMutex.Lock()
	defer t.pendingMutex.Unlock()
	return t.pending.ToArray()
}

// appendLog assumes the row lock is held.
func (t *Table[R]) appendLog(id uint64, entry Log[R]) {

	row := t.master.MustGet(id)

	if row.LastLog != None {
		last := t.logs.MustGet(row.LastLog)
		if entry.Frame < last.Frame {
			panic(fmt.Sprintf("table: row %d: write at frame %d after a log at frame %d", id, entry.Frame, last.Frame))
		}
		if entry.Frame == last.Frame {
			if last.Type == LogDelete {
				panic(fmt.Sprintf("table: row %d: clobbering a delete log at frame %d", id, last.Frame))
			}
			t.logs.Update(row.LastLog, func(l *Log[R]) {
				l.Type = entry.Type
				l.Data = entry.Data
			})
			return
		}
	}

	entry.PreviousLog = row.LastLog
	entry.NextLog = None
	logID := t.logs.Allocate(&entry)

	if row.LastLog != None {
		t.logs.Update(row.LastLog, func(l *Log[R]) {
			l.NextLog = logID
		})
	}

	t.master.Update(id, func(r *Row[R]) {
		if r.FirstLog == None {
			r.FirstLog = logID
		}
		r.LastLog = logID
	})

	if row.FirstLog == None {
		t.markPending(id)
	}
}

// lastIsDelete assumes the row lock is held.
func (t *Table[R]) lastIsDelete(row Row[R]) bool {
	if row.LastLog == None {
		return false
	}
	return t.logs.MustGet(row.LastLog).Type == LogDelete
}

// Allocate creates a row at frame and returns its id.
func (t *Table[R]) Allocate(frame uint64, data *R) uint64 {

	id := t.master.Allocate(&Row[R]{
		Data:             *data,
		LastCreatedFrame: frame,
		FirstLog:         None,
		LastLog:          None,
	})

	lock := t.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	t.appendLog(id, Log[R]{
		Type:  LogUpdate,
		Frame: frame,
		Data:  *data,
	})

	return id
}

// Free appends a delete log. Deleting twice, or deleting a row whose delete
// was already applied, is a no-op.
func (t *Table[R]) Free(id, frame uint64) {

	lock := t.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	row, alive := t.master.Get(id)
	if !alive || t.lastIsDelete(row) {
		return
	}

	t.appendLog(id, Log[R]{
		Type:  LogDelete,
		Frame: frame,
		Data:  row.Data,
	})
}

// Store appends an update log. Writes after a delete are discarded.
func (t *Table[R]) Store(id, frame uint64, data *R) {

	lock := t.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	row, alive := t.master.Get(id)
	if !alive || t.lastIsDelete(row) {
		return
	}

	t.appendLog(id, Log[R]{
		Type:  LogUpdate,
		Frame: frame,
		Data:  *data,
	})
}

// loadRetries is the number of lock-free attempts Load makes before taking
// the row lock.
const loadRetries = 16

// Load reads the state of row id as of frame. It does not block writers: a
// read that races with a log application is retried, and after loadRetries
// attempts it is done holding the row lock.
func (t *Table[R]) Load(id, frame uint64, out *R) bool {
	for i := 0; i < loadRetries; i++ {
		found, consistent := t.load(id, frame, out)
		if consistent {
			return found
		}
	}
	return t.LoadLocked(id, frame, out)
}

// LoadLocked is Load holding the row lock, for reads of a frame that is still
// being written. A chain that is inconsistent under the lock is corrupt and
// panics.
func (t *Table[R]) LoadLocked(id, frame uint64, out *R) bool {
	lock := t.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	found, consistent := t.load(id, frame, out)
	if !consistent {
		panic(fmt.Sprintf("table: row %d: broken log chain", id))
	}
	return found
}

func (t *Table[R]) load(id, frame uint64, out *R) (found, consistent bool) {

	row, alive := t.master.Get(id)
	if !alive {
		return false, true
	}
	if row.Deleted || frame < row.LastCreatedFrame {
		return false, true
	}

	var last Log[R]
	matched := false
	steps := uint64(0)
	for logID := row.FirstLog; logID != None; steps++ {
		l, ok := t.logs.Get(logID)
		if !ok || steps > t.logs.Cap() {
			return false, false
		}
		if l.Frame > frame {
			break
		}
		last = l
		matched = true
		logID = l.NextLog
	}

	again, alive := t.master.Get(id)
	if !alive {
		return false, true
	}
	if again.FirstLog != row.FirstLog ||
		again.LastLogAppliedFrame != row.LastLogAppliedFrame ||
		again.LastCreatedFrame != row.LastCreatedFrame {
		return false, false
	}

	if !matched {
		*out = row.Data
		return true, true
	}
	if last.Type == LogDelete {
		return false, true
	}
	*out = last.Data
	return true, true
}

// Deleted reports whether the newest log of row id is a delete.
func (t *Table[R]) Deleted(id uint64) bool {
	lock := t.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	row, alive := t.master.Get(id)
	if !alive {
		return true
	}
	return t.lastIsDelete(row)
}

// ApplyLogs folds every log of row id up to frame `through` into the master
// snapshot and returns the number of logs released.
func (t *Table[R]) ApplyLogs(id, through uint64) int {
	lock := t.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	return t.applyLogs(id, through)
}

func (t *Table[R]) applyLogs(id, through uint64) int {

	row, alive := t.master.Get(id)
	if !alive || row.FirstLog == None {
		return 0
	}

	chosenID := None
	var chosen Log[R]
	for logID := row.FirstLog; logID != None; {
		l := t.logs.MustGet(logID)
		if l.Frame > through {
			break
		}
		chosenID, chosen = logID, l
		logID = l.NextLog
	}
	if chosenID == None {
		return 0
	}

	if chosen.Type == LogDelete {
		if chosen.NextLog != None {
			panic(fmt.Sprintf("table: row %d: delete log %d is not the last one", id, chosenID))
		}
		t.master.Update(id, func(r *Row[R]) {
			r.LastDeletedFrame = chosen.Frame
			r.Deleted = true
			r.FirstLog = None
			r.LastLog = None
		})
		t.master.Free(id)
		t.unmarkPending(id)
	} else {
		t.master.Update(id, func(r *Row[R]) {
			r.Data = chosen.Data
			r.LastLogAppliedFrame = chosen.Frame
			r.FirstLog = chosen.NextLog
			if chosen.NextLog == None {
				r.LastLog = None
			}
		})
		if chosen.NextLog == None {
			t.unmarkPending(id)
		} else {
			t.logs.Update(chosen.NextLog, func(l *Log[R]) {
				l.PreviousLog = None
			})
		}
	}

	released := 0
	for logID := row.FirstLog; ; {
		next := t.logs.MustGet(logID).NextLog
		t.logs.Free(logID)
		released++
		if logID == chosenID {
			break
		}
		logID = next
	}

	return released
}

// ApplyLogsAll applies logs up to frame `through` on every row holding logs.
func (t *Table[R]) ApplyLogsAll(through uint64) int {
	released := 0
	for _, id := range t.pendingRows() {
		released += t.ApplyLogs(id, through)
	}
	return released
}

// MaxFrame returns the newest unapplied log frame.
func (t *Table[R]) MaxFrame() (frame uint64, ok bool) {
	for _, id := range t.pendingRows() {
		t.withRow(id, func(row Row[R]) {
			if row.LastLog == None {
				return
			}
			l := t.logs.MustGet(row.LastLog)
			if !ok || l.Frame > frame {
				frame, ok = l.Frame, true
			}
		})
	}
	return
}

// MinFrame returns the oldest unapplied log frame.
func (t *Table[R]) MinFrame() (frame uint64, ok bool) {
	for _, id := range t.pendingRows() {
		t.withRow(id, func(row Row[R]) {
			if row.FirstLog == None {
				return
			}
			l := t.logs.MustGet(row.FirstLog)
			if !ok || l.Frame < frame {
				frame, ok = l.Frame, true
			}
		})
	}
	return
}

func (t *Table[R]) withRow(id uint64, f func(row Row[R])) {
	lock := t.rowLock(id)
	lock.Lock()
	defer lock.Unlock()

	row, alive := t.master.Get(id)
	if alive {
		f(row)
	}
}

// NewestFrame returns the newest frame stamped anywhere in the table, used to
// resume the frame counter after a restart.
func (t *Table[R]) NewestFrame() uint64 {
	newest, _ := t.MaxFrame()
	t.master.ForEach(func(id uint64, row Row[R]) bool {
		newest = max(newest, row.LastCreatedFrame, row.LastLogAppliedFrame)
		return true
	})
	return newest
}

// Len returns the number of allocated rows, including rows whose delete log
// is not applied yet.
func (t *Table[R]) Len() int {
	return t.master.Len()
}

// ForEach visits allocated row ids.
func (t *Table[R]) ForEach(f func(id uint64) bool) {
	t.master.ForEach(func(id uint64, _ Row[R]) bool {
		return f(id)
	})
}

// WriteBackup writes a master file image holding every row created up to
// frame `through`, with empty log chains. Logs up to `through` must have been
// applied before.
func (t *Table[R]) WriteBackup(w io.Writer, through uint64) (int64, error) {
	return t.master.WriteImage(w, func(id uint64, row *Row[R]) bool {
		if row.LastCreatedFrame > through {
			return false
		}
		row.FirstLog = None
		row.LastLog = None
		return true
	})
}

func (t *Table[R]) Stats() Stats {
	t.pendingMutex.Lock()
	pending := t.pending.GetCardinality()
	t.pendingMutex.Unlock()

	return Stats{
		Rows:        t.master.Len(),
		Logs:        t.logs.Len(),
		PendingRows: pending,
	}
}

func (t *Table[R]) Close() error {
	errMaster := t.master.Close()
	errLogs := t.logs.Close()
	if errMaster != nil {
		return fmt.Errorf("close master: %w", errMaster)
	}
	if errLogs != nil {
		return fmt.Errorf("close logs: %w", errLogs)
	}
	return nil
}

// CloseAndDropLogs closes the table and deletes its log file. Every log must
// have been applied before.
func (t *Table[R]) CloseAndDropLogs() error {
	if n := t.logs.Len(); n > 0 {
		return fmt.Errorf("%d logs are not applied", n)
	}

	err := t.Close()
	if err != nil {
		return err
	}

	err = t.fs.Remove(t.logs.Name())
	if err != nil {
		return fmt.Errorf("remove logs: %w", err)
	}

	return nil
}
