// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package for synchronized access to the process-wide table of major
// numbers. A major identifies a contiguous range of minors belonging to one
// device class. Facilities use it to hand out identifier ranges.
package major

import (
	"sync"

	"github.com/pkg/errors"
)

// Major number. Zero is never handed out.
type Major uint32

const (
	// Dynamic majors are handed out from the top of the range downwards,
	// the same way the kernel does for character devices.
	DynamicFirst Major = 254
	DynamicLast  Major = 234
)

var (
	ErrExhausted   = errors.New("no free major number")
	ErrInvalidSize = errors.New("invalid minor range size")
)

type entry struct {
	name  string
	count int
}

var (
	table = make(map[Major]entry)
	mutex sync.Mutex
)

// Alloc finds a free dynamic major, records that it serves count minors of
// the class name and returns it.
func Alloc(name string, count int) (Major, error) {
	if count <= 0 {
		return 0, errors.Wrapf(ErrInvalidSize, "%d minors for %s", count, name)
	}

	mutex.Lock()
	defer mutex.Unlock()

	for m := DynamicFirst; m >= DynamicLast; m-- {
		if _, used := table[m]; !used {
			table[m] = entry{name: name, count: count}
			return m, nil
		}
	}

	return 0, errors.Wrap(ErrExhausted, name)
}

// Release returns the major into the pool. Releasing an unknown major is a
// no-op.
func Release(m Major) {
	mutex.Lock()
	defer mutex.Unlock()

	delete(table, m)
}

// Lookup returns the class name and the number of minors recorded for m.
func Lookup(m Major) (name string, count int, ok bool) {
	mutex.Lock()
	defer mutex.Unlock()

	e, ok := table[m]

	return e.name, e.count, ok
}
