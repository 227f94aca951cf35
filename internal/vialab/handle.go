// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vialab

import (
	"bytes"
	"context"
	"io"
)

// Handle is one open instance of a device. Each handle has its own position,
// so two clients reading the same device do not move each other's cursor.
// Operations on one handle are serialized by the handle's own guard, the
// buffer itself is protected by the device.
type Handle struct {
	dev *Device

	// Guards pos and closed.
	guard  guard
	pos    int64
	closed bool
}

func newHandle(d *Device) *Handle {
	return &Handle{
		dev:   d,
		guard: newGuard(),
	}
}

// Device returns the device this handle was opened on.
func (h *Handle) Device() *Device {
	return h.dev
}

// Position returns the current position.
func (h *Handle) Position() int64 {
	var pos int64

	h.guard.do(context.Background(), func() error {
		pos = h.pos
		return nil
	})

	return pos
}

// Read reads at most len(p) bytes at the current position and advances it.
// At the end of the device it returns 0 and no error.
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	n, _, err := h.ReadTo(ctx, &fixedWriter{p: p}, len(p))
	return n, err
}

// Write writes at most len(p) bytes at the current position and advances it.
// Only a prefix of p is written when it does not fit before the end of the
// device or is longer than the device's maximal transfer.
func (h *Handle) Write(ctx context.Context, p []byte) (int, error) {
	n, _, err := h.WriteFrom(ctx, bytes.NewReader(p), len(p))
	return n, err
}

// ReadTo transfers at most length bytes from the current position to w. It
// returns the number of bytes and the position right after the transfer.
func (h *Handle) ReadTo(ctx context.Context, w io.Writer, length int) (int, int64, error) {
	var (
		n   int
		pos int64
	)

	err := h.locked(ctx, func() error {
		var err error
		n, h.pos, err = h.dev.Read(ctx, h.pos, length, w)
		pos = h.pos
		return err
	})

	return n, pos, err
}

// WriteFrom transfers at most length bytes from r to the current position. It
// returns the number of bytes and the position right after the transfer.
func (h *Handle) WriteFrom(ctx context.Context, r io.Reader, length int) (int, int64, error) {
	var (
		n   int
		pos int64
	)

	err := h.locked(ctx, func() error {
		var err error
		n, h.pos, err = h.dev.Write(ctx, h.pos, length, r)
		pos = h.pos
		return err
	})

	return n, pos, err
}

// Seek moves the position and returns the new one. On error the position is
// left unchanged.
func (h *Handle) Seek(ctx context.Context, offset int64, whence Whence) (int64, error) {
	var pos int64

	err := h.locked(ctx, func() error {
		var err error
		pos, err = h.dev.Seek(h.pos, offset, whence)
		if err == nil {
			h.pos = pos
		}
		return err
	})

	return pos, err
}

// Close releases the handle. The device and its contents stay. Closing twice
// is harmless.
func (h *Handle) Close() error {
	return h.guard.do(context.Background(), func() error {
		h.closed = true
		return nil
	})
}

func (h *Handle) locked(ctx context.Context, fn func() error) error {
	return h.guard.do(ctx, func() error {
		if h.closed {
			return ErrClosed
		}
		return fn()
	})
}

// io.Writer over a caller supplied slice. It never grows the slice.
type fixedWriter struct {
	p []byte
	n int
}

func (w *fixedWriter) Write(b []byte) (int, error) {
	n := copy(w.p[w.n:], b)
	w.n += n
	if n < len(b) {
		return n, io.ErrShortWrite
	}

	return n, nil
}
