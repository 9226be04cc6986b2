package slotfile

import (
	"bytes"
	"path"
	"testing"

	"github.com/fulldump/biff"
	"github.com/spf13/afero"
)

type record struct {
	N     int64
	Flag  bool
	Label [8]byte
}

func TestFile_AllocateGet(t *testing.T) {

	f, err := Open[record](afero.NewMemMapFs(), "records.wdb")
	biff.AssertNil(err)
	defer f.Close()

	id := f.Allocate(&record{N: 42, Flag: true})
	biff.AssertEqual(id, uint64(0))

	r, ok := f.Get(id)
	biff.AssertTrue(ok)
	biff.AssertEqual(r.N, int64(42))
	biff.AssertTrue(r.Flag)

	_, ok = f.Get(999)
	biff.AssertFalse(ok)
}

func TestFile_FreeMakesGetFail(t *testing.T) {

	f, _ := Open[record](afero.NewMemMapFs(), "records.wdb")
	defer f.Close()

	id := f.Allocate(&record{N: 1})
	f.Free(id)

	_, ok := f.Get(id)
	biff.AssertFalse(ok)
	biff.AssertEqual(f.Len(), 0)
	biff.AssertEqual(f.Cap(), uint64(1))
}

func TestFile_ReusesLowestFreeSlot(t *testing.T) {

	f, _ := Open[record](afero.NewMemMapFs(), "records.wdb")
	defer f.Close()

	for i := 0; i < 5; i++ {
		f.Allocate(&record{N: int64(i)})
	}

	f.Free(3)
	f.Free(1)

	biff.AssertEqual(f.Allocate(nil), uint64(1))
	biff.AssertEqual(f.Allocate(nil), uint64(3))
	biff.AssertEqual(f.Allocate(nil), uint64(5))
}

func TestFile_FreeTwicePanics(t *testing.T) {

	f, _ := Open[record](afero.NewMemMapFs(), "records.wdb")
	defer f.Close()

	id := f.Allocate(nil)
	f.Free(id)

	defer func() {
		biff.AssertNotNil(recover())
	}()
	f.Free(id)
}

func TestFile_Reopen(t *testing.T) {

	filename := path.Join(t.TempDir(), "records.wdb")
	fs := afero.NewOsFs()

	{
		f, err := Open[record](fs, filename)
		biff.AssertNil(err)
		f.Allocate(&record{N: 10})
		f.Allocate(&record{N: 20})
		f.Allocate(&record{N: 30})
		f.Free(1)
		f.Update(2, func(r *record) {
			r.N++
			copy(r.Label[:], "updated")
		})
		biff.AssertNil(f.Close())
	}

	f, err := Open[record](fs, filename)
	biff.AssertNil(err)
	defer f.Close()

	biff.AssertEqual(f.Len(), 2)
	biff.AssertEqual(f.MustGet(0).N, int64(10))
	r := f.MustGet(2)
	biff.AssertEqual(r.N, int64(31))
	biff.AssertEqual(string(r.Label[:7]), "updated")
	biff.AssertFalse(f.Alive(1))

	// freed slots survive the reopen
	biff.AssertEqual(f.Allocate(nil), uint64(1))
}

func TestFile_DetectsCorruption(t *testing.T) {

	fs := afero.NewMemMapFs()

	f, _ := Open[record](fs, "records.wdb")
	f.Allocate(&record{N: 7})
	f.Close()

	data, _ := afero.ReadFile(fs, "records.wdb")
	data[len(data)-1] ^= 0xFF
	afero.WriteFile(fs, "records.wdb", data, 0666)

	_, err := Open[record](fs, "records.wdb")
	biff.AssertNotNil(err)
}

func TestFile_TruncatesPartialTail(t *testing.T) {

	fs := afero.NewMemMapFs()

	f, _ := Open[record](fs, "records.wdb")
	f.Allocate(&record{N: 7})
	f.Close()

	data, _ := afero.ReadFile(fs, "records.wdb")
	data = append(data, 1, 2, 3)
	afero.WriteFile(fs, "records.wdb", data, 0666)

	f, err := Open[record](fs, "records.wdb")
	biff.AssertNil(err)
	biff.AssertEqual(f.Len(), 1)
	biff.AssertEqual(f.Allocate(nil), uint64(1))
}

func TestFile_ForEachAllowsFree(t *testing.T) {

	f, _ := Open[record](afero.NewMemMapFs(), "records.wdb")
	defer f.Close()

	for i := 0; i < 10; i++ {
		f.Allocate(&record{N: int64(i)})
	}

	visited := []int64{}
	f.ForEach(func(id uint64, r record) bool {
		visited = append(visited, r.N)
		if id%2 == 0 {
			f.Free(id)
		}
		return true
	})

	biff.AssertEqual(len(visited), 10)
	biff.AssertEqual(f.Len(), 5)
}

func TestFile_WriteImage(t *testing.T) {

	fs := afero.NewMemMapFs()

	f, _ := Open[record](fs, "records.wdb")
	defer f.Close()

	f.Allocate(&record{N: 1})
	f.Allocate(&record{N: 2})
	f.Allocate(&record{N: 3})

	buf := &bytes.Buffer{}
	_, err := f.WriteImage(buf, func(id uint64, r *record) bool {
		r.N *= 100
		return id != 1
	})
	biff.AssertNil(err)

	afero.WriteFile(fs, "image.wdb", buf.Bytes(), 0666)
	image, err := Open[record](fs, "image.wdb")
	biff.AssertNil(err)
	defer image.Close()

	biff.AssertEqual(image.Len(), 2)
	biff.AssertEqual(image.MustGet(0).N, int64(100))
	biff.AssertFalse(image.Alive(1))
	biff.AssertEqual(image.MustGet(2).N, int64(300))

	// the source is untouched
	biff.AssertEqual(f.MustGet(2).N, int64(3))
}
