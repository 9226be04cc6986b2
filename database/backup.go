package database

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	json2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/fulldump/framedb/table"
)

const ManifestFilename = "manifest.json"

const compressedSuffix = ".zst"

type BackupFile struct {
	Type  string `json:"type"`
	File  string `json:"file"`
	Bytes int64  `json:"bytes"`
}

// Manifest describes a finished backup. Every row created up to Frame is in
// it, with the state it had at Frame.
type Manifest struct {
	ID         string       `json:"id"`
	Frame      uint64       `json:"frame"`
	CreatedAt  time.Time    `json:"created_at"`
	Compressed bool         `json:"compressed"`
	Files      []BackupFile `json:"files"`
}

func BackupFilename(typeID string) string {
	return "backup_" + typeID + ".wdb"
}

// RequestBackup starts a backup into outdir in the background. It returns
// false if the database is not operating or another backup is in flight.
func (db *Database) RequestBackup(outdir string) bool {
	err := db.startBackup()
	if err != nil {
		return false
	}

	go func() {
		defer db.finishBackup()
		_, err := db.backup(outdir)
		if err != nil {
			db.log.WithError(err).WithField("outdir", outdir).Error("backup")
		}
	}()

	return true
}

// Backup is RequestBackup waiting for the result.
func (db *Database) Backup(outdir string) (*Manifest, error) {
	err := db.startBackup()
	if err != nil {
		return nil, err
	}
	defer db.finishBackup()

	return db.backup(outdir)
}

// LastBackup returns the manifest of the last successful backup, or nil.
func (db *Database) LastBackup() *Manifest {
	return db.lastBackup.Load()
}

func (db *Database) startBackup() error {
	db.mutex.Lock()
	defer db.mutex.Unlock()

	if db.status != StatusOperating {
		return ErrNotOpen
	}
	if !db.backupInFlight.CompareAndSwap(false, true) {
		metricBackups.WithLabelValues("rejected").Inc()
		return ErrBackupInFlight
	}
	db.backups.Add(1)

	return nil
}

func (db *Database) finishBackup() {
	db.backupInFlight.Store(false)
	db.backups.Done()
}

// backupFrame picks the newest frame no writer can touch anymore: one before
// the newest pending log, capped at the last ended frame. Every frame up to
// the cap has ended, so the backup never waits for writers.
func (db *Database) backupFrame() uint64 {
	frame := db.Frame()
	if frame > 0 {
		frame--
	}

	newest, found := uint64(0), false
	for _, k := range db.order {
		if f, ok := k.maxFrame(); ok {
			newest, found = max(newest, f), true
		}
	}
	if found && newest > 0 {
		return min(frame, newest-1)
	}
	return frame
}

func (db *Database) backup(outdir string) (*Manifest, error) {

	t0 := time.Now()
	applyFrame := db.backupFrame()

	db.compactMutex.Lock()
	defer db.compactMutex.Unlock()

	applied := 0
	for _, k := range db.order {
		applied += k.applyLogs(applyFrame)
	}
	metricLogsApplied.Add(float64(applied))

	err := db.fs.MkdirAll(outdir, 0755)
	if err != nil {
		metricBackups.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	manifest := &Manifest{
		ID:         uuid.NewString(),
		Frame:      applyFrame,
		CreatedAt:  t0.UTC(),
		Compressed: db.config.CompressBackups,
		Files:      []BackupFile{},
	}

	total := int64(0)
	for _, k := range db.order {
		file, err := db.writeBackupFile(k, outdir, applyFrame)
		if err != nil {
			metricBackups.WithLabelValues("failed").Inc()
			return nil, fmt.Errorf("backup '%s': %w", k.ID(), err)
		}
		manifest.Files = append(manifest.Files, file)
		total += file.Bytes
	}

	data, err := json2.Marshal(manifest, jsontext.WithIndent("    "))
	if err != nil {
		metricBackups.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	err = afero.WriteFile(db.fs, path.Join(outdir, ManifestFilename), data, 0644)
	if err != nil {
		metricBackups.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	db.lastBackup.Store(manifest)
	metricBackups.WithLabelValues("ok").Inc()
	metricBackupBytes.Add(float64(total))

	db.log.WithFields(log.Fields{
		"id":      manifest.ID,
		"outdir":  outdir,
		"frame":   applyFrame,
		"applied": applied,
		"size":    humanize.Bytes(uint64(total)),
		"elapsed": time.Since(t0),
	}).Info("backup done")

	return manifest, nil
}

func (db *Database) writeBackupFile(k kind, outdir string, through uint64) (BackupFile, error) {

	name := BackupFilename(k.ID())
	if db.config.CompressBackups {
		name += compressedSuffix
	}

	f, err := db.fs.Create(path.Join(outdir, name))
	if err != nil {
		return BackupFile{}, fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var encoder *zstd.Encoder
	if db.config.CompressBackups {
		encoder, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return BackupFile{}, fmt.Errorf("compressor: %w", err)
		}
		w = encoder
	}

	n, err := k.writeBackup(w, through)
	if err != nil {
		return BackupFile{}, fmt.Errorf("write: %w", err)
	}

	if encoder != nil {
		err = encoder.Close()
		if err != nil {
			return BackupFile{}, fmt.Errorf("compress: %w", err)
		}
	}

	err = f.Sync()
	if err != nil {
		return BackupFile{}, fmt.Errorf("sync: %w", err)
	}

	return BackupFile{
		Type:  k.ID(),
		File:  name,
		Bytes: n,
	}, nil
}

// RestoreBackup turns the backup in backupDir into the master files of dir.
// Logs and indexes of the restored types are removed; the next Load rebuilds
// the indexes.
func RestoreBackup(fs afero.Fs, backupDir, dir string) (*Manifest, error) {

	data, err := afero.ReadFile(fs, path.Join(backupDir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	manifest := &Manifest{}
	err = json2.Unmarshal(data, manifest)
	if err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	err = fs.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}

	for _, file := range manifest.Files {
		err := restoreFile(fs, path.Join(backupDir, file.File), path.Join(dir, table.MasterFilename(file.Type)))
		if err != nil {
			return nil, fmt.Errorf("restore '%s': %w", file.Type, err)
		}

		err = fs.Remove(path.Join(dir, table.LogFilename(file.Type)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove logs of '%s': %w", file.Type, err)
		}

		indexes, err := afero.Glob(fs, path.Join(dir, file.Type+"_idx_*.wdb"))
		if err != nil {
			return nil, fmt.Errorf("list indexes of '%s': %w", file.Type, err)
		}
		for _, filename := range indexes {
			err := fs.Remove(filename)
			if err != nil {
				return nil, fmt.Errorf("remove index '%s': %w", filename, err)
			}
		}
	}

	return manifest, nil
}

func restoreFile(fs afero.Fs, src, dst string) error {

	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var r io.Reader = in
	if strings.HasSuffix(src, compressedSuffix) {
		decoder, err := zstd.NewReader(in)
		if err != nil {
			return fmt.Errorf("decompressor: %w", err)
		}
		defer decoder.Close()
		r = decoder
	}

	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, r)
	if err != nil {
		return err
	}

	return out.Sync()
}
