// Package slotfile implements a growable file of fixed-size records. Every
// record lives in a slot addressed by its position; freed slots are reused
// lowest id first.
//
// The whole file is mirrored in memory and every mutation is written through
// to the backing file, so reads never touch the disk.
package slotfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/btree"
	"github.com/spf13/afero"
)

// None marks the absence of a slot id.
const None = ^uint64(0)

const (
	headerSize     = 16
	slotHeaderSize = 5 // state(1) + crc32(4)
	version        = uint32(1)
)

var magic = [4]byte{'W', 'D', 'B', 'F'}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var ErrCorrupted = errors.New("slot file corrupted")

type slotState uint8

const (
	slotFree slotState = iota
	slotAlive
)

type slot[T any] struct {
	state slotState
	value T
}

type File[T any] struct {
	name    string
	file    afero.File
	size    int // payload bytes per slot
	slots   []slot[T]
	free    *btree.BTreeG[uint64]
	alive   int
	scratch []byte
	mu      sync.RWMutex
}

// Open opens (or creates) the slot file `name`. T must have a fixed binary
// layout.
// ValidateType fails if T cannot be stored in a slot: every field must have a
// fixed binary size, so no strings, slices, maps, pointers or int/uint.
func ValidateType[T any]() error {
	var zero T
	if binary.Size(zero) <= 0 {
		return fmt.Errorf("type %T has no fixed binary size", zero)
	}
	return nil
}

func Open[T any](fs afero.Fs, name string) (*File[T], error) {

	if err := ValidateType[T](); err != nil {
		return nil, err
	}
	var zero T
	size := binary.Size(zero)

	file, err := fs.OpenFile(name, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	f := &File[T]{
		name:    name,
		file:    file,
		size:    size,
		slots:   []slot[T]{},
		free:    btree.NewG(32, func(a, b uint64) bool { return a < b }),
		scratch: make([]byte, slotHeaderSize+size),
	}

	err = f.load()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("load '%s': %w", name, err)
	}

	return f, nil
}

func (f *File[T]) stride() int64 {
	return int64(slotHeaderSize + f.size)
}

func (f *File[T]) offset(id uint64) int64 {
	return headerSize + int64(id)*f.stride()
}

func (f *File[T]) header() []byte {
	header := make([]byte, headerSize)
	copy(header, magic[:])
	binary.LittleEndian.PutUint32(header[4:], version)
	binary.LittleEndian.PutUint32(header[8:], uint32(f.size))
	return header
}

func (f *File[T]) load() error {

	info, err := f.file.Stat()
	if err != nil {
		return err
	}

	if info.Size() == 0 {
		_, err := f.file.WriteAt(f.header(), 0)
		return err
	}

	reader := bufio.NewReaderSize(io.NewSectionReader(f.file, 0, info.Size()), 1024*1024)

	header := make([]byte, headerSize)
	_, err = io.ReadFull(reader, header)
	if err != nil {
		return fmt.Errorf("%w: read header: %s", ErrCorrupted, err.Error())
	}
	if [4]byte(header[0:4]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if v := binary.LittleEndian.Uint32(header[4:]); v != version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupted, v)
	}
	if s := binary.LittleEndian.Uint32(header[8:]); int(s) != f.size {
		return fmt.Errorf("%w: slot size is %d, expected %d", ErrCorrupted, s, f.size)
	}

	n := (info.Size() - headerSize) / f.stride()
	buf := make([]byte, f.stride())
	for id := uint64(0); id < uint64(n); id++ {
		_, err := io.ReadFull(reader, buf)
		if err != nil {
			return fmt.Errorf("read slot %d: %w", id, err)
		}

		s := slot[T]{state: slotState(buf[0])}
		switch s.state {
		case slotFree:
			f.free.ReplaceOrInsert(id)
		case slotAlive:
			payload := buf[slotHeaderSize:]
			expected := binary.LittleEndian.Uint32(buf[1:slotHeaderSize])
			if actual := crc32.Checksum(payload, crcTable); actual != expected {
				return fmt.Errorf("%w: slot %d crc expected %x, obtained %x", ErrCorrupted, id, expected, actual)
			}
			_, err := binary.Decode(payload, binary.LittleEndian, &s.value)
			if err != nil {
				return fmt.Errorf("decode slot %d: %w", id, err)
			}
			f.alive++
		default:
			return fmt.Errorf("%w: slot %d has unknown state %d", ErrCorrupted, id, s.state)
		}
		f.slots = append(f.slots, s)
	}

	// A crash while growing can leave half a slot at the tail
	if expectedSize := f.offset(uint64(n)); info.Size() != expectedSize {
		return f.file.Truncate(expectedSize)
	}

	return nil
}

func (f *File[T]) encode(buf []byte, s *slot[T]) {
	buf[0] = byte(s.state)
	payload := buf[slotHeaderSize:]
	_, err := binary.Encode(payload, binary.LittleEndian, &s.value)
	if err != nil {
		panic(fmt.Errorf("slotfile: encode '%s': %w", f.name, err))
	}
	binary.LittleEndian.PutUint32(buf[1:slotHeaderSize], crc32.Checksum(payload, crcTable))
}

// writeSlot assumes the write lock is held
func (f *File[T]) writeSlot(id uint64) {
	f.encode(f.scratch, &f.slots[id])
	_, err := f.file.WriteAt(f.scratch, f.offset(id))
	if err != nil {
		panic(fmt.Errorf("slotfile: write slot %d of '%s': %w", id, f.name, err))
	}
}

func (f *File[T]) mustBeAlive(id uint64) {
	if id >= uint64(len(f.slots)) || f.slots[id].state != slotAlive {
		panic(fmt.Sprintf("slotfile: slot %d of '%s' is not allocated", id, f.name))
	}
}

// Allocate takes the lowest free slot (or grows the file) and stores value in
// it. A nil value stores the zero value.
func (f *File[T]) Allocate(value *T) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, reused := f.free.DeleteMin()
	if !reused {
		id = uint64(len(f.slots))
		f.slots = append(f.slots, slot[T]{})
	}

	s := &f.slots[id]
	s.state = slotAlive
	if value != nil {
		s.value = *value
	} else {
		var zero T
		s.value = zero
	}
	f.alive++
	f.writeSlot(id)

	return id
}

func (f *File[T]) Free(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeAlive(id)

	// the payload stays on disk until the slot is allocated again
	f.slots[id].state = slotFree
	f.alive--
	f.free.ReplaceOrInsert(id)
	f.writeSlot(id)
}

// Get returns a copy of the record stored in slot id.
func (f *File[T]) Get(id uint64) (T, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if id >= uint64(len(f.slots)) || f.slots[id].state != slotAlive {
		var zero T
		return zero, false
	}

	return f.slots[id].value, true
}

// MustGet is Get for callers that hold an id they know to be allocated.
func (f *File[T]) MustGet(id uint64) T {
	f.mu.RLock()
	defer f.mu.RUnlock()

	f.mustBeAlive(id)
	return f.slots[id].value
}

func (f *File[T]) Put(id uint64, value *T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeAlive(id)
	f.slots[id].value = *value
	f.writeSlot(id)
}

// Update applies fn to the record in place and writes it through, atomically
// with respect to every other slot operation.
func (f *File[T]) Update(id uint64, fn func(value *T)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mustBeAlive(id)
	fn(&f.slots[id].value)
	f.writeSlot(id)
}

func (f *File[T]) Alive(id uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return id < uint64(len(f.slots)) && f.slots[id].state == slotAlive
}

// Len returns the number of allocated slots.
func (f *File[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.alive
}

// Cap returns the number of slots in the file, allocated or not.
func (f *File[T]) Cap() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return uint64(len(f.slots))
}

// ForEach visits allocated slots in id order. The lock is not held while fn
// runs, so fn may free the slot it is visiting.
func (f *File[T]) ForEach(fn func(id uint64, value T) bool) {
	for id := uint64(0); ; id++ {
		f.mu.RLock()
		if id >= uint64(len(f.slots)) {
			f.mu.RUnlock()
			return
		}
		s := f.slots[id]
		f.mu.RUnlock()

		if s.state != slotAlive {
			continue
		}
		if !fn(id, s.value) {
			return
		}
	}
}

// WriteImage writes a complete slot file image to w. keep receives a copy of
// every allocated record, may modify it, and decides whether the slot stays
// allocated in the image.
func (f *File[T]) WriteImage(w io.Writer, keep func(id uint64, value *T) bool) (int64, error) {

	written := int64(0)

	n, err := w.Write(f.header())
	written += int64(n)
	if err != nil {
		return written, err
	}

	buf := make([]byte, f.stride())
	for id := uint64(0); ; id++ {
		f.mu.RLock()
		if id >= uint64(len(f.slots)) {
			f.mu.RUnlock()
			break
		}
		s := f.slots[id]
		f.mu.RUnlock()

		if s.state == slotAlive && !keep(id, &s.value) {
			var zero T
			s = slot[T]{state: slotFree, value: zero}
		}

		f.encode(buf, &s)
		n, err := w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

func (f *File[T]) Name() string {
	return f.name
}

func (f *File[T]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.file.Sync(); err != nil {
		return err
	}
	return f.file.Close()
}
