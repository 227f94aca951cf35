// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vialab

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/vialab/buffer"
)

// Whence selects the base of a seek. The values match io.SeekStart,
// io.SeekCurrent and io.SeekEnd.
type Whence int

const (
	FromStart Whence = iota
	FromCurrent
	FromEnd
)

func (w Whence) String() string {
	switch w {
	case FromStart:
		return "start"
	case FromCurrent:
		return "current"
	case FromEnd:
		return "end"
	}

	return fmt.Sprintf("whence(%d)", int(w))
}

// Device is one addressable bounded buffer. Reads and writes on the same
// device are mutually exclusive, different devices never contend.
type Device struct {
	id    ID
	index int
	name  string

	// Maximal number of bytes moved by one read or write call.
	maxTransfer int

	// Guards the buffer contents. Held only for the copy itself since
	// capacity and maxTransfer never change.
	guard guard

	// Guards allocation, destruction and the destroyed flag. Never held
	// while waiting for guard.
	allocMu   sync.Mutex
	destroyed bool

	buf *buffer.Buffer
}

func newDevice(id ID, index int, name string, capacity, maxTransfer int, alloc buffer.Allocator) *Device {
	return &Device{
		id:          id,
		index:       index,
		name:        name,
		maxTransfer: maxTransfer,
		guard:       newGuard(),
		buf:         buffer.New(capacity, alloc),
	}
}

func (d *Device) ID() ID {
	return d.id
}

func (d *Device) Index() int {
	return d.index
}

// Name of the device node, i.e. class name followed by the index.
func (d *Device) Name() string {
	return d.name
}

func (d *Device) Capacity() int {
	return d.buf.Capacity()
}

func (d *Device) MaxTransfer() int {
	return d.maxTransfer
}

// Open allocates the buffer when the device is opened for the first time and
// returns a new handle with its own position. Contents survive closing of
// all handles.
func (d *Device) Open() (*Handle, error) {
	d.allocMu.Lock()
	defer d.allocMu.Unlock()

	if d.destroyed {
		return nil, errors.Wrap(ErrNoSuchDevice, d.name)
	}

	if !d.buf.Allocated() {
		if err := d.buf.EnsureAllocated(); err != nil {
			return nil, errors.Wrap(err, d.name)
		}
		log.Debug().Str("device", d.name).Int("bytes", d.buf.Capacity()).Msg("buffer allocated")
	}

	return newHandle(d), nil
}

// Read transfers up to length bytes starting at pos into dst. At or past the
// end of the buffer nothing is transferred and no error is returned. The
// amount is limited by the end of the buffer and by MaxTransfer. When dst
// fails to accept all the bytes, ErrFault is returned and the position is
// not advanced.
func (d *Device) Read(ctx context.Context, pos int64, length int, dst io.Writer) (int, int64, error) {
	if pos < 0 || length < 0 {
		return 0, pos, errors.Wrapf(ErrInvalidArgument, "read %d bytes at %d", length, pos)
	}

	n := d.clamp(pos, length)
	if n == 0 {
		return 0, pos, nil
	}

	chunk := make([]byte, n)
	err := d.exclusive(ctx, func(b *buffer.Buffer) error {
		return b.ReadAt(chunk, int(pos))
	})
	if err != nil {
		return 0, pos, err
	}

	if w, err := dst.Write(chunk); err != nil || w != n {
		return 0, pos, errors.Wrapf(ErrFault, "read %s: %d of %d bytes transferred: %v", d.name, w, n, err)
	}

	return n, pos + int64(n), nil
}

// Write transfers up to length bytes from src into the buffer starting at
// pos. Writing at or past the end is rejected with ErrInvalidArgument. The
// amount is limited by the end of the buffer and by MaxTransfer and only that
// many bytes are consumed from src.
//
// Writes are all or nothing. The bytes are first taken from src and only a
// complete transfer is committed, so ErrFault leaves the buffer untouched.
func (d *Device) Write(ctx context.Context, pos int64, length int, src io.Reader) (int, int64, error) {
	if pos < 0 || length < 0 || pos >= int64(d.Capacity()) {
		return 0, pos, errors.Wrapf(ErrInvalidArgument, "write %d bytes at %d to %s of %d bytes",
			length, pos, d.name, d.Capacity())
	}

	n := d.clamp(pos, length)
	if n == 0 {
		return 0, pos, nil
	}

	chunk := make([]byte, n)
	if r, err := io.ReadFull(src, chunk); err != nil {
		return 0, pos, errors.Wrapf(ErrFault, "write %s: %d of %d bytes transferred: %v", d.name, r, n, err)
	}

	err := d.exclusive(ctx, func(b *buffer.Buffer) error {
		return b.WriteAt(chunk, int(pos))
	})
	if err != nil {
		return 0, pos, err
	}

	return n, pos + int64(n), nil
}

// Seek computes a new position from cur. The result has to stay within
// [0, capacity], otherwise ErrInvalidArgument is returned. The buffer is not
// touched hence no locking.
func (d *Device) Seek(cur, offset int64, whence Whence) (int64, error) {
	var base int64

	switch whence {
	case FromStart:
		base = 0
	case FromCurrent:
		base = cur
	case FromEnd:
		base = int64(d.Capacity())
	default:
		return cur, errors.Wrapf(ErrInvalidArgument, "seek %s: %v", d.name, whence)
	}

	if (offset > 0 && base > math.MaxInt64-offset) || (offset < 0 && base < math.MinInt64-offset) {
		return cur, errors.Wrapf(ErrInvalidArgument, "seek %s: %d from %v overflows", d.name, offset, whence)
	}

	pos := base + offset
	if pos < 0 || pos > int64(d.Capacity()) {
		return cur, errors.Wrapf(ErrInvalidArgument, "seek %s: position %d outside [0, %d]",
			d.name, pos, d.Capacity())
	}

	return pos, nil
}

// Snapshot returns a copy of the buffer. The second value is false when the
// device has never been opened and there is nothing to copy.
func (d *Device) Snapshot(ctx context.Context) ([]byte, bool, error) {
	var image []byte

	err := d.guard.do(ctx, func() error {
		d.allocMu.Lock()
		defer d.allocMu.Unlock()

		if d.destroyed {
			return errors.Wrap(ErrNoSuchDevice, d.name)
		}

		if !d.buf.Allocated() {
			return nil
		}

		image = make([]byte, d.buf.Capacity())
		return d.buf.ReadAt(image, 0)
	})

	if err != nil {
		return nil, false, err
	}

	return image, image != nil, nil
}

// Allocated reports whether the buffer has been allocated, i.e. whether the
// device has been opened at least once.
func (d *Device) Allocated() bool {
	d.allocMu.Lock()
	defer d.allocMu.Unlock()

	return d.buf.Allocated()
}

// Destroy frees the buffer. All operations fail with ErrNoSuchDevice
// afterwards, including those on handles opened earlier.
func (d *Device) Destroy() {
	// Wait for a running transfer so it does not lose its storage mid
	// copy.
	d.guard.lock(context.Background())
	defer d.guard.unlock()

	d.allocMu.Lock()
	defer d.allocMu.Unlock()

	d.destroyed = true
	d.buf.Free()
}

// Number of bytes a transfer of length bytes at pos actually moves.
func (d *Device) clamp(pos int64, length int) int {
	capacity := int64(d.Capacity())
	if pos >= capacity {
		return 0
	}

	n := int64(length)
	if n > capacity-pos {
		n = capacity - pos
	}

	if n > int64(d.maxTransfer) {
		n = int64(d.maxTransfer)
	}

	return int(n)
}

// Runs fn on the buffer with the guard held. The buffer is guaranteed to be
// allocated while fn runs.
func (d *Device) exclusive(ctx context.Context, fn func(b *buffer.Buffer) error) error {
	return d.guard.do(ctx, func() error {
		d.allocMu.Lock()
		usable := !d.destroyed && d.buf.Allocated()
		d.allocMu.Unlock()

		if !usable {
			return errors.Wrapf(ErrNoSuchDevice, "%s is not open", d.name)
		}

		return fn(d.buf)
	})
}
