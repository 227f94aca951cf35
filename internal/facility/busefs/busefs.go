// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package busefs implements vialab.Facility on top of BUSE. Every device node
// becomes a block device /dev/buse<N> served by the buse library, reads and
// writes of the block device go to the device buffer through an ordinary
// device handle.
package busefs

import (
	"fmt"
	"sync"

	"github.com/asch/buse/lib/go/buse"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/vialab"
	"github.com/asch/vialab/internal/vialab/major"
)

// Options to use in New() due to number of parameters. Sizes are in bytes.
type Options struct {
	// BUSE index of the node with index 0. Node i is /dev/buse<First+i>.
	First int

	// Capacity of the devices. Block device size is capacity rounded
	// down to BlockSize.
	Capacity int

	BlockSize      int64
	Threads        int
	QueueDepth     int64
	Scheduler      bool
	Durable        bool
	WriteChunkSize int64
	WriteShmSize   int64
	ReadShmSize    int64
	CollisionArea  int64
}

// Size returns the size of every block device.
func (o Options) Size() int64 {
	if o.BlockSize <= 0 {
		return 0
	}

	return int64(o.Capacity) / o.BlockSize * o.BlockSize
}

// Validate checks that the options describe a usable block device.
func (o Options) Validate() error {
	switch {
	case o.BlockSize != 512 && o.BlockSize != 4096:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "buse block size %d", o.BlockSize)
	case o.Size() == 0:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "capacity %d smaller than buse block", o.Capacity)
	case o.WriteChunkSize < o.BlockSize:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "write chunk size %d", o.WriteChunkSize)
	case o.First < 0:
		return errors.Wrapf(vialab.ErrInvalidConfiguration, "buse major %d", o.First)
	}

	return nil
}

// Facility publishing nodes as BUSE block devices.
type Facility struct {
	options Options
}

type class struct {
	name   string
	opener vialab.Opener

	mutex sync.Mutex
	nodes map[vialab.ID]*node
}

func (c *class) Name() string {
	return c.name
}

// A running block device.
type node struct {
	name string
	dev  buse.Buse
	done chan struct{}
}

// New returns facility creating block devices described by o.
func New(o Options) (*Facility, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	return &Facility{options: o}, nil
}

func (f *Facility) AcquireRange(name string, count int) (major.Major, error) {
	return major.Alloc(name, count)
}

func (f *Facility) ReleaseRange(base major.Major, count int) {
	major.Release(base)
}

func (f *Facility) CreateClass(name string, opener vialab.Opener) (vialab.Class, error) {
	log.Info().Str("class", name).Int("first", f.options.First).Msg("buse class created")

	return &class{
		name:   name,
		opener: opener,
		nodes:  make(map[vialab.ID]*node),
	}, nil
}

func (f *Facility) DestroyClass(vc vialab.Class) {
	c := vc.(*class)

	c.mutex.Lock()
	nodes := c.nodes
	c.nodes = make(map[vialab.ID]*node)
	c.mutex.Unlock()

	for _, n := range nodes {
		n.stop()
	}

	log.Info().Str("class", c.name).Msg("buse class destroyed")
}

// RegisterNode creates the block device and runs it on its own goroutine.
// Requests are served only after the registry becomes active, until then
// every request fails with no such device.
func (f *Facility) RegisterNode(vc vialab.Class, id vialab.ID, index int) error {
	c := vc.(*class)
	o := f.options
	name := fmt.Sprintf("%s%d", c.name, index)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.nodes[id]; ok {
		return errors.Errorf("node %v already registered", id)
	}

	rw := newAdapter(c.opener, id, name, o.BlockSize, o.WriteChunkSize)

	dev, err := buse.New(rw, buse.Options{
		Durable:        o.Durable,
		WriteChunkSize: o.WriteChunkSize,
		BlockSize:      o.BlockSize,
		Threads:        o.Threads,
		Major:          int64(o.First + index),
		WriteShmSize:   o.WriteShmSize,
		ReadShmSize:    o.ReadShmSize,
		Size:           o.Size(),
		CollisionArea:  o.CollisionArea,
		QueueDepth:     o.QueueDepth,
		Scheduler:      o.Scheduler,
	})
	if err != nil {
		return errors.Wrapf(err, "buse%d", o.First+index)
	}

	n := &node{name: name, dev: dev, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		n.dev.Run()
	}()

	c.nodes[id] = n

	log.Info().Str("device", name).Str("id", id.String()).Int("buse", o.First+index).
		Int64("size", o.Size()).Msg("BUSE device registered")

	return nil
}

func (f *Facility) UnregisterNode(vc vialab.Class, id vialab.ID) {
	c := vc.(*class)

	c.mutex.Lock()
	n, ok := c.nodes[id]
	delete(c.nodes, id)
	c.mutex.Unlock()

	if !ok {
		log.Warn().Str("id", id.String()).Msg("unregister of unknown buse node")
		return
	}

	n.stop()
}

// Stops the device, waits until the serving loop finishes and removes it.
func (n *node) stop() {
	log.Info().Str("device", n.name).Msg("stopping BUSE device")

	n.dev.StopDevice()
	<-n.done
	n.dev.RemoveDevice()
}

var _ vialab.Facility = (*Facility)(nil)
