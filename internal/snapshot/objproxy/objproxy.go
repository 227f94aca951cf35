// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objproxy is a proxy for ObjectUploader which serializes uploads
// through a fixed pool of workers and prioritizes some of them.
package objproxy

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("object proxy closed")

// Interface for object storage. Anything implementing this interface can be
// used as a snapshot backend.
type ObjectUploader interface {
	// Uploads data in buf under the key identifier.
	Upload(key string, buf []byte) error

	// Returns keys of all objects starting with prefix.
	Keys(prefix string) ([]string, error)
}

// Proxy for the backend storage which prioritizes requests. Requests coming to
// the priority channel are handled first. Like this snapshots requested by
// the user do not wait behind periodic ones.
type ObjectProxy struct {
	Instance ObjectUploader

	// Number of go routines to spawn for handling upload requests.
	uploaders int

	// Internal channels.
	uploads     chan request
	uploadsPrio chan request
	quit        chan struct{}

	closeOnce sync.Once
	workers   sync.WaitGroup
}

// Request is internal structure for wrapping the communication into channels.
type request struct {
	key  string
	data []byte
	done chan error
}

// Return new instance of the proxy which can be directly used. It immediately
// spawns go routines for upload workers.
func New(storeInstance ObjectUploader, uploaders int) *ObjectProxy {
	if uploaders < 1 {
		uploaders = 1
	}

	p := &ObjectProxy{
		Instance:    storeInstance,
		uploaders:   uploaders,
		uploads:     make(chan request),
		uploadsPrio: make(chan request),
		quit:        make(chan struct{}),
	}

	p.workers.Add(p.uploaders)
	for i := 0; i < p.uploaders; i++ {
		go p.uploadWorker()
	}

	return p
}

// Proxy function for uploading the object with key. It selects the right
// channel according to prio and waits for reply. Cancelling ctx stops the
// wait but an upload already taken by a worker is finished anyway.
func (p *ObjectProxy) Upload(ctx context.Context, key string, body []byte, prio bool) error {
	c := p.uploads
	if prio {
		c = p.uploadsPrio
	}

	done := make(chan error, 1)

	select {
	case c <- request{key: key, data: body, done: done}:
	case <-p.quit:
		return errors.Wrap(ErrClosed, key)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), key)
	}

	select {
	case err := <-done:
		return errors.Wrap(err, key)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), key)
	}
}

// Keys is passed directly to the instance, listing is never queued behind
// uploads.
func (p *ObjectProxy) Keys(prefix string) ([]string, error) {
	return p.Instance.Keys(prefix)
}

// Close stops the workers after they finish their current uploads.
func (p *ObjectProxy) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.workers.Wait()
}

// Prioritized receive. Returns false when the proxy is closed.
func (p *ObjectProxy) receiveRequest() (request, bool) {
	var r request

	select {
	case r = <-p.uploadsPrio:
	default:
		select {
		case r = <-p.uploadsPrio:
		case r = <-p.uploads:
		case <-p.quit:
			return r, false
		}
	}

	return r, true
}

// Upload worker just calls Upload() on the instance provided in New().
func (p *ObjectProxy) uploadWorker() {
	defer p.workers.Done()

	for {
		r, ok := p.receiveRequest()
		if !ok {
			return
		}
		r.done <- p.Instance.Upload(r.key, r.data)
	}
}
