// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vialab

import (
	"fmt"

	"github.com/asch/vialab/internal/vialab/major"
)

// ID identifies one device node, the major is shared by all devices of a
// registry and the minor is the index of the device.
type ID struct {
	Major major.Major
	Minor int
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Major, id.Minor)
}

// Class groups device nodes of one registry. It is created and interpreted
// by the facility only.
type Class interface {
	Name() string
}

// Opener routes a client which opened the node with id to its device.
type Opener interface {
	Open(id ID) (*Handle, error)
}

// Interface of the device registration facility. Anything implementing it
// can publish devices to clients, e.g. as unix sockets or as block devices.
type Facility interface {
	// Reserves identifiers for count devices of the class name and
	// returns the major shared by all of them.
	AcquireRange(name string, count int) (major.Major, error)

	// Releases the range returned by AcquireRange.
	ReleaseRange(base major.Major, count int)

	// Creates the class. Clients of all nodes in the class are routed
	// through opener.
	CreateClass(name string, opener Opener) (Class, error)

	// Destroys the class created by CreateClass. All nodes are
	// unregistered before.
	DestroyClass(c Class)

	// Publishes node named by class name and index, identified by id.
	RegisterNode(c Class, id ID, index int) error

	// Removes node published by RegisterNode.
	UnregisterNode(c Class, id ID)
}
