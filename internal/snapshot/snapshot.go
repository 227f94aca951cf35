// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package snapshot exports copies of device buffers to object storage for
// diagnostics. Every snapshot gets a sequence number and each allocated
// device is stored as object <device>/<sequence>. Nothing is ever read back.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/vialab"
)

// Format string for the object key. Device name is the prefix so all
// snapshots of one device are listed together.
const keyFmt = "%s/%08x"

// Source of device images, satisfied by vialab.Registry.
type Source interface {
	Snapshot(ctx context.Context) ([]vialab.Image, error)
}

// Store the images are uploaded to, satisfied by objproxy.ObjectProxy.
type Store interface {
	Upload(ctx context.Context, key string, body []byte, prio bool) error
	Keys(prefix string) ([]string, error)
}

type Snapshotter struct {
	source Source
	store  Store

	// Sequence number of the next snapshot.
	seq atomic.Uint64
}

// New returns snapshotter continuing after the highest sequence number
// already present in the store, so earlier snapshots are never overwritten.
func New(source Source, store Store) (*Snapshotter, error) {
	keys, err := store.Keys("")
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}

	s := &Snapshotter{source: source, store: store}
	s.seq.Store(NextSequence(keys))

	log.Info().Uint64("seq", s.seq.Load()).Int("objects", len(keys)).Msg("snapshotter ready")

	return s, nil
}

// Take uploads images of all allocated devices under a new sequence number
// and returns it. Uploads of individual devices run in parallel, the first
// failure is returned after all of them finish.
func (s *Snapshotter) Take(ctx context.Context, prio bool) (uint64, error) {
	seq := s.seq.Add(1) - 1

	images, err := s.source.Snapshot(ctx)
	if err != nil {
		return seq, err
	}

	var (
		wg    sync.WaitGroup
		mutex sync.Mutex
		first error
	)

	for _, img := range images {
		wg.Add(1)
		go func(img vialab.Image) {
			defer wg.Done()

			err := s.store.Upload(ctx, Key(img.Name, seq), img.Data, prio)
			if err == nil {
				return
			}

			log.Info().Err(err).Str("device", img.Name).Uint64("seq", seq).Msg("snapshot upload")

			mutex.Lock()
			if first == nil {
				first = err
			}
			mutex.Unlock()
		}(img)
	}

	wg.Wait()

	log.Info().Uint64("seq", seq).Int("devices", len(images)).Bool("prio", prio).Err(first).
		Msg("snapshot taken")

	return seq, first
}

// Run takes a low priority snapshot every interval until ctx is done.
func (s *Snapshotter) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Take(ctx, false)
		}
	}
}

// Key returns the object key of the image of device name in snapshot seq.
func Key(name string, seq uint64) string {
	return fmt.Sprintf(keyFmt, name, seq)
}

// NextSequence returns the sequence number following the highest one found
// in keys. Keys in other formats are ignored.
func NextSequence(keys []string) uint64 {
	var next uint64

	for _, k := range keys {
		i := strings.LastIndexByte(k, '/')
		if i < 0 {
			continue
		}

		var seq uint64
		if n, err := fmt.Sscanf(k[i+1:], "%08x", &seq); n != 1 || err != nil {
			continue
		}

		if seq >= next {
			next = seq + 1
		}
	}

	return next
}
