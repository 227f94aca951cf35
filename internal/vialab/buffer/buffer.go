// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package buffer provides the fixed-size byte region backing one vialab
// device. The region is allocated lazily and exactly once, so a device which
// is never opened costs nothing but its descriptor.
//
// Buffer does no locking. Its owner serializes all access.
package buffer

import (
	"github.com/pkg/errors"
)

var (
	// Allocation of the storage failed. It is not sticky, the next call
	// to EnsureAllocated tries again.
	ErrOutOfMemory = errors.New("out of memory")

	// Access to the storage before EnsureAllocated succeeded or after
	// Free.
	ErrNotAllocated = errors.New("buffer not allocated")

	// Access outside of [0, capacity).
	ErrOutOfRange = errors.New("access out of buffer range")
)

// Allocator returns a zeroed byte slice of length size or an error.
type Allocator func(size int) ([]byte, error)

// DefaultAllocator allocates from the go heap. Only the runtime panic of a
// length out of range, negative or too large for the address space, is
// converted into ErrOutOfMemory. Running out of heap is a fatal runtime
// error which cannot be recovered and terminates the process.
func DefaultAllocator(size int) (storage []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			storage = nil
			err = errors.Wrapf(ErrOutOfMemory, "allocating %d bytes: %v", size, r)
		}
	}()

	return make([]byte, size), nil
}

// Buffer is a fixed capacity byte region. The storage is either absent or
// exactly capacity bytes long.
type Buffer struct {
	capacity int
	storage  []byte
	alloc    Allocator
}

// Returns new unallocated buffer. When alloc is nil, DefaultAllocator is
// used.
func New(capacity int, alloc Allocator) *Buffer {
	if alloc == nil {
		alloc = DefaultAllocator
	}

	return &Buffer{
		capacity: capacity,
		alloc:    alloc,
	}
}

// Capacity returns the size of the region in bytes.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Allocated reports whether the storage is present.
func (b *Buffer) Allocated() bool {
	return b.storage != nil
}

// EnsureAllocated allocates the storage if it is absent. Calls after the
// first success are no-ops.
func (b *Buffer) EnsureAllocated() error {
	if b.storage != nil {
		return nil
	}

	storage, err := b.alloc(b.capacity)
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			return err
		}
		return errors.Wrapf(ErrOutOfMemory, "%v", err)
	}

	if len(storage) != b.capacity {
		return errors.Wrapf(ErrOutOfMemory, "allocator returned %d bytes, want %d",
			len(storage), b.capacity)
	}

	b.storage = storage

	return nil
}

// ReadAt copies len(p) bytes starting at off into p.
func (b *Buffer) ReadAt(p []byte, off int) error {
	if err := b.check(off, len(p)); err != nil {
		return err
	}

	copy(p, b.storage[off:off+len(p)])

	return nil
}

// WriteAt overwrites len(p) bytes starting at off with p.
func (b *Buffer) WriteAt(p []byte, off int) error {
	if err := b.check(off, len(p)); err != nil {
		return err
	}

	copy(b.storage[off:off+len(p)], p)

	return nil
}

// Free drops the storage. The buffer can be allocated again afterwards.
func (b *Buffer) Free() {
	b.storage = nil
}

func (b *Buffer) check(off, length int) error {
	if b.storage == nil {
		return ErrNotAllocated
	}

	if off < 0 || length < 0 || off > b.capacity-length {
		return errors.Wrapf(ErrOutOfRange, "offset %d length %d capacity %d",
			off, length, b.capacity)
	}

	return nil
}
