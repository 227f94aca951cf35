// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vialab

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/vialab/buffer"
	"github.com/asch/vialab/internal/vialab/major"
)

const (
	// Defaults of the configuration.
	DefaultCount       = 2
	DefaultCapacity    = 4000
	DefaultMaxTransfer = 512
)

// Options to use in Initialize() due to number of parameters.
type Options struct {
	// Class name and prefix of the node names.
	Name string

	// Number of devices.
	Count int

	// Size of the buffer of each device in bytes.
	Capacity int

	// Maximal number of bytes moved by one read or write.
	MaxTransfer int

	// Allocator of device buffers. Nil means buffer.DefaultAllocator.
	Allocator buffer.Allocator
}

// Validate checks the options without acquiring anything.
func (o Options) Validate() error {
	switch {
	case o.Name == "":
		return errors.Wrap(ErrInvalidConfiguration, "empty name")
	case o.Count <= 0:
		return errors.Wrapf(ErrInvalidConfiguration, "device count %d", o.Count)
	case o.Capacity <= 0:
		return errors.Wrapf(ErrInvalidConfiguration, "buffer size %d", o.Capacity)
	case o.MaxTransfer <= 0:
		return errors.Wrapf(ErrInvalidConfiguration, "block size %d", o.MaxTransfer)
	}

	return nil
}

// Image is a copy of one device buffer.
type Image struct {
	ID    ID
	Index int
	Name  string
	Data  []byte
}

// Registry owns all devices of one class. It is either uninitialized or
// active with all devices built and published, intermediate states are
// never visible to Dispatch.
type Registry struct {
	facility Facility

	// Serializes Initialize and Teardown. Facility calls are made with
	// this mutex held but never with the state mutex, so clients blocked
	// in Dispatch cannot stall unregistration of their node.
	lifecycle sync.Mutex

	// Guards active and set. Dispatch takes the read side only.
	mutex  sync.RWMutex
	active bool
	set    deviceSet
}

// All resources acquired by one Initialize.
type deviceSet struct {
	name    string
	count   int
	base    major.Major
	class   Class
	devices []*Device

	// Node registered for each minor. Dispatch requires an exact match.
	nodes []ID
}

// Returns uninitialized registry publishing its devices through f.
func NewRegistry(f Facility) *Registry {
	return &Registry{facility: f}
}

// Initialize builds o.Count devices and publishes them. When building of any
// device fails, everything built so far is torn down, the identifiers are
// released and the registry stays uninitialized.
func (r *Registry) Initialize(o Options) error {
	if err := o.Validate(); err != nil {
		log.Warn().Err(err).Msg("invalid registry options")
		return err
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.Active() {
		return errors.Wrap(ErrActive, o.Name)
	}

	base, err := r.facility.AcquireRange(o.Name, o.Count)
	if err != nil {
		log.Warn().Err(err).Str("class", o.Name).Msg("identifier range not acquired")
		return errors.Wrap(err, "acquire range")
	}

	set := deviceSet{
		name:    o.Name,
		count:   o.Count,
		base:    base,
		devices: make([]*Device, 0, o.Count),
		nodes:   make([]ID, o.Count),
	}

	set.class, err = r.facility.CreateClass(o.Name, r)
	if err != nil {
		log.Warn().Err(err).Str("class", o.Name).Msg("class not created")
		r.cleanup(&set)
		return errors.Wrap(err, "create class")
	}

	for i := 0; i < o.Count; i++ {
		if err := r.construct(&set, i, o); err != nil {
			log.Warn().Err(err).Str("class", o.Name).Int("index", i).
				Msg("device not constructed, rolling back")
			r.cleanup(&set)
			return err
		}
	}

	r.mutex.Lock()
	r.set = set
	r.active = true
	r.mutex.Unlock()

	log.Info().Str("class", o.Name).Uint32("major", uint32(base)).Int("devices", o.Count).
		Msg("registry active")

	return nil
}

// Teardown unregisters and destroys all devices and releases identifiers.
// It is a no-op on uninitialized registry.
func (r *Registry) Teardown() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mutex.Lock()
	if !r.active {
		r.mutex.Unlock()
		return
	}
	set := r.set
	r.set = deviceSet{}
	r.active = false
	r.mutex.Unlock()

	r.cleanup(&set)

	log.Info().Str("class", set.name).Msg("registry torn down")
}

// Dispatch returns the device published under id. The id has to belong to
// this registry and match the node registered for its minor.
func (r *Registry) Dispatch(id ID) (*Device, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	s := &r.set
	if !r.active || id.Major != s.base || id.Minor < 0 || id.Minor >= s.count {
		return nil, errors.Wrapf(ErrNoSuchDevice, "%s: %v", s.name, id)
	}

	if s.nodes[id.Minor] != id || s.devices[id.Minor].ID() != id {
		return nil, errors.Wrapf(ErrNoSuchDevice, "%s: node %v does not match device", s.name, id)
	}

	return s.devices[id.Minor], nil
}

// Open dispatches id and opens the device. Registry is the Opener passed to
// the facility.
func (r *Registry) Open(id ID) (*Handle, error) {
	d, err := r.Dispatch(id)
	if err != nil {
		return nil, err
	}

	return d.Open()
}

// Active reports whether the registry is initialized.
func (r *Registry) Active() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.active
}

// Base returns the major shared by all devices. Valid only when active.
func (r *Registry) Base() major.Major {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.set.base
}

// Devices returns all devices ordered by index, nil when not active.
func (r *Registry) Devices() []*Device {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if !r.active {
		return nil
	}

	devices := make([]*Device, len(r.set.devices))
	copy(devices, r.set.devices)

	return devices
}

// Snapshot copies buffers of all devices which have been opened at least
// once.
func (r *Registry) Snapshot(ctx context.Context) ([]Image, error) {
	images := make([]Image, 0, DefaultCount)

	for _, d := range r.Devices() {
		data, ok, err := d.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		images = append(images, Image{
			ID:    d.ID(),
			Index: d.Index(),
			Name:  d.Name(),
			Data:  data,
		})
	}

	return images, nil
}

// Builds device with index i and publishes its node. On failure nothing of
// the device is left behind.
func (r *Registry) construct(s *deviceSet, i int, o Options) error {
	id := ID{Major: s.base, Minor: i}
	name := fmt.Sprintf("%s%d", o.Name, i)
	d := newDevice(id, i, name, o.Capacity, o.MaxTransfer, o.Allocator)

	if err := r.facility.RegisterNode(s.class, id, i); err != nil {
		d.Destroy()
		return errors.Wrapf(err, "register %s", name)
	}

	s.devices = append(s.devices, d)
	s.nodes[i] = id

	log.Debug().Str("device", name).Str("id", id.String()).Msg("device constructed")

	return nil
}

// Destroys devices of the set, its class and releases its identifier range.
func (r *Registry) cleanup(s *deviceSet) {
	for _, d := range s.devices {
		r.facility.UnregisterNode(s.class, d.ID())
		d.Destroy()
	}

	if s.class != nil {
		r.facility.DestroyClass(s.class)
	}

	r.facility.ReleaseRange(s.base, s.count)

	s.devices = nil
	s.nodes = nil
	s.class = nil
}
