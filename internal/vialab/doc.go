// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// vialab implements minimal virtual devices backed by a bounded in-memory
// buffer. Each device exposes open, read, write, seek and close with byte
// stream semantics and serializes access to its buffer. Devices are owned by
// a Registry which builds them, tears them down and exposes them through an
// external registration Facility.
//
// The package defines two interfaces. Facility is implemented by anything
// which can publish device nodes to clients, Opener is implemented by the
// Registry and lets the facility route client requests back to the right
// device. Different facilities can be plugged in without touching the
// devices.
package vialab
