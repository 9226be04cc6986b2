package database

import (
	"cmp"
	"fmt"

	json2 "github.com/go-json-experiment/json"
	"github.com/spf13/afero"

	"github.com/fulldump/framedb/index"
	"github.com/fulldump/framedb/slotfile"
)

// Schema describes a registered type: where it is stored, which fields are
// indexed and which hooks run along the row lifecycle. Every hook is
// optional.
type Schema[R any] struct {
	// ID tags the type in file names. It must be unique per database.
	ID string

	Indexes []IndexSpec[R]

	// Update runs once per live row on every UpdateTick, on the worker pool.
	Update func(t *Type[R], id uint64)

	Allocated func(t *Type[R], id uint64, data *R)
	SpunUp    func(t *Type[R], id uint64, data *R)
	SpunDown  func(t *Type[R], id uint64, data *R)
	Freed     func(t *Type[R], id uint64, data *R)
}

// IndexSpec declares one indexed field of R. Build it with IndexBy or
// IndexByFunc.
type IndexSpec[R any] struct {
	Name     string
	validate func() error
	open     func(fs afero.Fs, filename string) (fieldIndex[R], error)
}

// IndexBy indexes the value returned by field, in its natural order. Only
// fixed size numeric fields can be indexed.
func IndexBy[R any, F index.Ordered](name string, field func(row *R) F) IndexSpec[R] {
	return IndexByFunc(name, field, cmp.Compare[F])
}

// IndexByFunc indexes the value returned by field, ordered by compare. F must
// have a fixed binary size; Register rejects the type otherwise.
func IndexByFunc[R any, F any](name string, field func(row *R) F, compare func(a, b F) int) IndexSpec[R] {
	return IndexSpec[R]{
		Name:     name,
		validate: slotfile.ValidateType[index.Node[F]],
		open: func(fs afero.Fs, filename string) (fieldIndex[R], error) {
			x, err := index.NewIndexFunc[F](fs, filename, compare)
			if err != nil {
				return nil, err
			}
			return &boundIndex[R, F]{
				name:    name,
				field:   field,
				compare: compare,
				index:   x,
			}, nil
		},
	}
}

// fieldIndex hides the field type of an index from the code that keeps it in
// sync with its table.
type fieldIndex[R any] interface {
	Name() string
	insert(id uint64, row *R)
	remove(id uint64, row *R) bool
	changed(before, after *R) bool
	count() int
	clear()
	rebalance() int
	filename() string
	close() error
	between(lo, hi any) (ids []uint64, matches func(row *R) bool, err error)
}

type boundIndex[R any, F any] struct {
	name    string
	field   func(row *R) F
	compare func(a, b F) int
	index   *index.Index[F]
}

func (b *boundIndex[R, F]) Name() string {
	return b.name
}

func (b *boundIndex[R, F]) insert(id uint64, row *R) {
	b.index.Insert(id, b.field(row))
}

func (b *boundIndex[R, F]) remove(id uint64, row *R) bool {
	return b.index.Remove(b.field(row), id)
}

func (b *boundIndex[R, F]) changed(before, after *R) bool {
	return b.compare(b.field(before), b.field(after)) != 0
}

func (b *boundIndex[R, F]) count() int {
	return b.index.Count()
}

func (b *boundIndex[R, F]) clear() {
	b.index.Clear()
}

func (b *boundIndex[R, F]) rebalance() int {
	return b.index.Rebalance()
}

func (b *boundIndex[R, F]) filename() string {
	return b.index.Name()
}

func (b *boundIndex[R, F]) close() error {
	return b.index.Close()
}

// between returns the ids of the entries with lo <= value <= hi, and a
// function telling whether a row still falls in that range. Bounds come in
// their JSON form and are decoded into the field type; a nil bound leaves
// that end open.
func (b *boundIndex[R, F]) between(lo, hi any) ([]uint64, func(row *R) bool, error) {

	first, ok := b.index.Min()
	if !ok {
		return nil, func(*R) bool { return false }, nil
	}
	last, _ := b.index.Max()

	from, err := decodeBound(lo, first)
	if err != nil {
		return nil, nil, fmt.Errorf("index '%s' from: %w", b.name, err)
	}
	to, err := decodeBound(hi, last)
	if err != nil {
		return nil, nil, fmt.Errorf("index '%s' to: %w", b.name, err)
	}

	ids := []uint64{}
	b.index.ForEach(from, to, func(value F, id uint64) bool {
		ids = append(ids, id)
		return true
	})

	matches := func(row *R) bool {
		v := b.field(row)
		return b.compare(v, from) >= 0 && b.compare(v, to) <= 0
	}

	return ids, matches, nil
}

func decodeBound[F any](bound any, open F) (F, error) {
	if bound == nil {
		return open, nil
	}

	var value F
	data, err := json2.Marshal(bound)
	if err == nil {
		err = json2.Unmarshal(data, &value)
	}
	if err != nil {
		return value, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	return value, nil
}

// IndexAt returns the index declared at position ordinal of the schema. It
// panics if the ordinal is out of range or the field type is not F.
func IndexAt[F any, R any](t *Type[R], ordinal int) *index.Index[F] {
	if ordinal < 0 || ordinal >= len(t.indexes) {
		panic(fmt.Sprintf("type '%s' has no index %d", t.schema.ID, ordinal))
	}
	b, ok := t.indexes[ordinal].(*boundIndex[R, F])
	if !ok {
		var zero F
		panic(fmt.Sprintf("index %d of type '%s' is not an index of %T", ordinal, t.schema.ID, zero))
	}
	return b.index
}

// IndexOf returns the first index whose field type is F, or nil.
func IndexOf[F any, R any](t *Type[R]) *index.Index[F] {
	for _, fi := range t.indexes {
		if b, ok := fi.(*boundIndex[R, F]); ok {
			return b.index
		}
	}
	return nil
}

// IndexNamed returns the index called name, or nil.
func IndexNamed[F any, R any](t *Type[R], name string) *index.Index[F] {
	for _, fi := range t.indexes {
		if b, ok := fi.(*boundIndex[R, F]); ok && b.name == name {
			return b.index
		}
	}
	return nil
}
