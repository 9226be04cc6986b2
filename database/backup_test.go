package database

import (
	"errors"
	"path"
	"testing"

	. "github.com/fulldump/biff"
	json2 "github.com/go-json-experiment/json"
	"github.com/spf13/afero"
)

func TestBackup_RestoreRoundTrip(t *testing.T) {

	Alternative("Backup", func(a *A) {

		fs := afero.NewMemMapFs()
		h := &hookCounters{}
		config := &Config{Dir: "data", Fs: fs}

		a.Alternative("plain", func(a *A) {
			config.CompressBackups = false
		})
		a.Alternative("compressed", func(a *A) {
			config.CompressBackups = true
		})

		db, particles := openDatabase(config, h)

		for i := 0; i < 20; i++ {
			particles.Create(&Particle{X: float32(i), Cell: int32(i % 4)})
		}
		db.EndFrame()
		particles.Write(3, &Particle{X: 300, Cell: 1})
		particles.Destroy(4)
		db.EndFrame()
		// newer than the backup frame
		particles.Create(&Particle{X: 1000})
		particles.Write(7, &Particle{X: 700})

		manifest, err := db.Backup("backup")
		AssertNil(err)
		AssertEqual(manifest.Frame, db.Frame()-1)
		AssertEqual(len(manifest.Files), 1)
		AssertEqual(manifest.Compressed, config.CompressBackups)
		AssertEqual(db.LastBackup().ID, manifest.ID)

		onDisk := &Manifest{}
		data, _ := afero.ReadFile(fs, path.Join("backup", ManifestFilename))
		AssertNil(json2.Unmarshal(data, onDisk))
		AssertEqual(onDisk.ID, manifest.ID)

		AssertNil(db.GracefulShutdown())

		_, err = RestoreBackup(fs, "backup", "restored")
		AssertNil(err)

		restored, rparticles := openDatabase(&Config{Dir: "restored", Fs: fs}, h)
		defer restored.GracefulShutdown()

		AssertEqual(rparticles.Len(), 19)

		p := Particle{}
		AssertTrue(rparticles.ReadCurrent(3, &p))
		AssertEqual(p.X, float32(300))
		AssertTrue(rparticles.ReadCurrent(7, &p))
		AssertEqual(p.X, float32(7))
		AssertFalse(rparticles.ReadCurrent(4, &p))

		cells := IndexAt[int32](rparticles, 0)
		AssertEqual(cells.Count(), 19)
		AssertEqual(cells.CountValue(1), 6)
	})
}

func TestBackup_SingleFlight(t *testing.T) {
	Environment(func(fs afero.Fs, db *Database, particles *Type[Particle], h *hookCounters) {

		particles.Create(&Particle{})
		db.EndFrame()

		db.backupInFlight.Store(true)
		AssertFalse(db.RequestBackup("backup"))
		_, err := db.Backup("backup")
		AssertTrue(errors.Is(err, ErrBackupInFlight))
		db.backupInFlight.Store(false)

		AssertTrue(db.RequestBackup("backup"))
		db.backups.Wait()

		AssertNotNil(db.LastBackup())
		exists, _ := afero.Exists(fs, path.Join("backup", BackupFilename("particle")))
		AssertTrue(exists)
	})
}

func TestBackup_NotOperating(t *testing.T) {

	db := NewDatabase(&Config{Dir: "data", Fs: afero.NewMemMapFs(), Logger: quietLogger()})

	AssertFalse(db.RequestBackup("backup"))
	_, err := db.Backup("backup")
	AssertTrue(errors.Is(err, ErrNotOpen))
}

func TestBackup_FrameIsCappedAtLastEndedFrame(t *testing.T) {
	Environment(func(fs afero.Fs, db *Database, particles *Type[Particle], h *hookCounters) {

		AssertEqual(db.backupFrame(), uint64(0))

		id := particles.Create(&Particle{})
		capped := 0
		for i := 0; i < 10; i++ {
			db.EndFrame()
			particles.Write(id, &Particle{Age: uint32(i)})
			if db.backupFrame() == db.Frame()-1 {
				capped++
			}
		}
		AssertEqual(capped, 10)

		manifest, err := db.Backup("backup")
		AssertNil(err)
		AssertEqual(manifest.Frame, db.Frame()-1)
	})
}
