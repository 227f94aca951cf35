// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package sockfs implements vialab.Facility by publishing every device node
// as a unix socket in one directory. Clients talk HTTP to the socket, either
// HTTP/1.1 or cleartext HTTP/2, and get byte stream semantics of the device.
// Client in this package wraps the protocol.
package sockfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/vialab"
	"github.com/asch/vialab/internal/vialab/major"
)

var (
	ErrNodeExists  = errors.New("node already exists")
	ErrUnknownNode = errors.New("unknown node")
)

// Facility publishing nodes in dir.
type Facility struct {
	dir string
}

// class is the vialab.Class of this facility.
type class struct {
	name   string
	dir    string
	opener vialab.Opener

	// Whether the directory was created by this class and should be
	// removed with it.
	createdDir bool

	mutex sync.Mutex
	nodes map[vialab.ID]*node
}

func (c *class) Name() string {
	return c.name
}

// Returns facility publishing sockets in dir. The directory is created when
// the first class is created.
func New(dir string) *Facility {
	return &Facility{dir: dir}
}

// Path returns the socket path of the node with index in class name.
func (f *Facility) Path(name string, index int) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s%d", name, index))
}

func (f *Facility) AcquireRange(name string, count int) (major.Major, error) {
	m, err := major.Alloc(name, count)
	if err != nil {
		return 0, err
	}

	log.Debug().Str("class", name).Uint32("major", uint32(m)).Int("minors", count).Msg("range acquired")

	return m, nil
}

func (f *Facility) ReleaseRange(base major.Major, count int) {
	major.Release(base)
	log.Debug().Uint32("major", uint32(base)).Int("minors", count).Msg("range released")
}

func (f *Facility) CreateClass(name string, opener vialab.Opener) (vialab.Class, error) {
	_, err := os.Stat(f.dir)
	createdDir := os.IsNotExist(err)

	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "class %s", name)
	}

	log.Info().Str("class", name).Str("dir", f.dir).Msg("class created")

	return &class{
		name:       name,
		dir:        f.dir,
		opener:     opener,
		createdDir: createdDir,
		nodes:      make(map[vialab.ID]*node),
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

	if c.createdDir {
		if err := os.Remove(c.dir); err != nil {
			log.Warn().Err(err).Str("dir", c.dir).Msg("class directory not removed")
		}
	}

	log.Info().Str("class", c.name).Msg("class destroyed")
}

func (f *Facility) RegisterNode(vc vialab.Class, id vialab.ID, index int) error {
	c := vc.(*class)
	path := f.Path(c.name, index)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.nodes[id]; ok {
		return errors.Wrapf(ErrNodeExists, "%v", id)
	}

	if err := removeStaleSocket(path); err != nil {
		return err
	}

	n, err := startNode(path, id, c.opener)
	if err != nil {
		return errors.Wrapf(err, "node %s", path)
	}
	c.nodes[id] = n

	log.Info().Str("node", path).Str("id", id.String()).Msg("node registered")

	return nil
}

func (f *Facility) UnregisterNode(vc vialab.Class, id vialab.ID) {
	c := vc.(*class)

	c.mutex.Lock()
	n, ok := c.nodes[id]
	delete(c.nodes, id)
	c.mutex.Unlock()

	if !ok {
		log.Warn().Err(ErrUnknownNode).Str("id", id.String()).Msg("unregister")
		return
	}

	n.stop()

	log.Info().Str("node", n.path).Str("id", id.String()).Msg("node unregistered")
}

// Socket left behind by a previous run is removed, anything else at path is
// an error.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, path)
	}

	if fi.Mode()&os.ModeSocket == 0 {
		return errors.Wrap(ErrNodeExists, path)
	}

	log.Warn().Str("node", path).Msg("removing stale socket")

	return os.Remove(path)
}

var _ vialab.Facility = (*Facility)(nil)
