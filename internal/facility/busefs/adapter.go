// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package busefs

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/vialab"
)

const (
	// Size of the metadata for one write in the write chunk read from the
	// kernel.
	writeItemSize = 32

	// Sector is a linux constant, which is always 512, no matter how big
	// your blocks are. Write records count in sectors, reads in blocks.
	sectorUnit = 512
)

// One write command from the metadata part of a write chunk. Offset and
// length are in bytes.
type extent struct {
	offset int64
	length int64
	seqNo  int64
	flag   int64
}

// adapter implements BuseReadWriter for one device node. Every call opens its
// own handle, so the block device behaves like any other client of the
// device and cannot disturb positions of others.
type adapter struct {
	opener vialab.Opener
	id     vialab.ID
	name   string

	blockSize int64

	// Size of the chunk portion which contains metadata of all writes.
	// Data of the writes follow in the same order.
	metadataSize int64
}

func newAdapter(opener vialab.Opener, id vialab.ID, name string, blockSize, writeChunkSize int64) *adapter {
	return &adapter{
		opener:       opener,
		id:           id,
		name:         name,
		blockSize:    blockSize,
		metadataSize: writeChunkSize / blockSize * writeItemSize,
	}
}

// Handle writes comming from the buse library. writes contain number of
// write commands in this call and chunk contains memory where these commands
// are stored together with their data.
func (a *adapter) BuseWrite(writes int64, chunk []byte) error {
	err := a.write(writes, chunk)
	if err != nil {
		log.Warn().Err(err).Str("device", a.name).Int64("writes", writes).Msg("buse write failed")
	}

	return err
}

// Read length blocks starting at block sector to chunk. Part of the chunk
// behind the end of the device buffer is zeroed.
func (a *adapter) BuseRead(sector, length int64, chunk []byte) error {
	err := a.read(sector, length, chunk)
	if err != nil {
		log.Warn().Err(err).Str("device", a.name).Int64("sector", sector).Int64("length", length).
			Msg("buse read failed")
	}

	return err
}

func (a *adapter) write(writes int64, chunk []byte) error {
	if writes*writeItemSize > a.metadataSize || a.metadataSize > int64(len(chunk)) {
		return errors.Wrapf(vialab.ErrInvalidArgument, "%d writes in chunk of %d bytes", writes, len(chunk))
	}

	metadata := chunk[:a.metadataSize]
	data := chunk[a.metadataSize:]

	h, err := a.opener.Open(a.id)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := context.Background()

	for i := int64(0); i < writes; i++ {
		e := parseExtent(metadata[:writeItemSize])
		metadata = metadata[writeItemSize:]

		if e.length > int64(len(data)) {
			return errors.Wrapf(vialab.ErrFault, "write %d of %d bytes beyond chunk", i, e.length)
		}

		if err := writeAll(ctx, h, e.offset, data[:e.length]); err != nil {
			return errors.Wrapf(err, "write %d at %d", e.seqNo, e.offset)
		}

		data = data[e.length:]
	}

	return nil
}

func (a *adapter) read(sector, length int64, chunk []byte) error {
	h, err := a.opener.Open(a.id)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := context.Background()

	if _, err := h.Seek(ctx, sector*a.blockSize, vialab.FromStart); err != nil {
		return err
	}

	chunk = chunk[:min(int64(len(chunk)), length*a.blockSize)]

	var done int
	for done < len(chunk) {
		n, err := h.Read(ctx, chunk[done:])
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		done += n
	}

	clear(chunk[done:])

	return nil
}

func (a *adapter) BusePreRun() {
	log.Info().Str("device", a.name).Str("id", a.id.String()).Msg("buse device running")
}

func (a *adapter) BusePostRemove() {
	log.Info().Str("device", a.name).Str("id", a.id.String()).Msg("buse device removed")
}

// Writes p at offset, possibly in several calls since one write never
// transfers more than the device's maximal transfer.
func writeAll(ctx context.Context, h *vialab.Handle, offset int64, p []byte) error {
	if _, err := h.Seek(ctx, offset, vialab.FromStart); err != nil {
		return err
	}

	for len(p) > 0 {
		n, err := h.Write(ctx, p)
		if err != nil {
			return err
		}
		p = p[n:]
	}

	return nil
}

// Parse the metadata of one write in the write chunk.
func parseExtent(b []byte) extent {
	return extent{
		offset: int64(binary.LittleEndian.Uint64(b[:8]) * sectorUnit),
		length: int64(binary.LittleEndian.Uint64(b[8:16]) * sectorUnit),
		seqNo:  int64(binary.LittleEndian.Uint64(b[16:24])),
		flag:   int64(binary.LittleEndian.Uint64(b[24:32])),
	}
}
