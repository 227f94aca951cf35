// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package vialab

import (
	"github.com/pkg/errors"

	"github.com/asch/vialab/internal/vialab/buffer"
)

// Every error returned from this package wraps exactly one of these.
var (
	// Identifier does not resolve to a live device or the node does not
	// match the device it is routed to.
	ErrNoSuchDevice = errors.New("no such device")

	// Buffer allocation failed on open.
	ErrOutOfMemory = buffer.ErrOutOfMemory

	// Write at or past the end or seek out of range.
	ErrInvalidArgument = errors.New("invalid argument")

	// Transfer of data to or from the caller failed.
	ErrFault = errors.New("fault transferring data")

	// Waiting for the device was cancelled.
	ErrInterrupted = errors.New("interrupted")

	// Registry options are unusable.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Operation on a closed handle.
	ErrClosed = errors.New("handle closed")

	// Initialize called on an active registry.
	ErrActive = errors.New("registry already active")
)
