// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package busefs

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asch/vialab/internal/vialab"
	"github.com/asch/vialab/internal/vialab/major"
)

type nopClass string

func (c nopClass) Name() string {
	return string(c)
}

// Facility which publishes nothing, devices are reached through the adapter
// directly.
type nopFacility struct{}

func (nopFacility) AcquireRange(name string, count int) (major.Major, error) { return 7, nil }
func (nopFacility) ReleaseRange(base major.Major, count int) {}
func (nopFacility) CreateClass(name string, opener vialab.Opener) (vialab.Class, error) {
	return nopClass(name), nil
}
func (nopFacility) DestroyClass(c vialab.Class) {}
func (nopFacility) RegisterNode(c vialab.Class, id vialab.ID, index int) error { return nil }
func (nopFacility) UnregisterNode(c vialab.Class, id vialab.ID) {}

const (
	testBlockSize = 512
	testChunkSize = 4 * testBlockSize
)

func newTestAdapter(t *testing.T, capacity, maxTransfer int) *adapter {
	t.Helper()

	r := vialab.NewRegistry(nopFacility{})
	err := r.Initialize(vialab.Options{Name: "vialab", Count: 1, Capacity: capacity, MaxTransfer: maxTransfer})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Teardown)

	return newAdapter(r, vialab.ID{Major: 7}, "vialab0", testBlockSize, testChunkSize)
}

// Builds a write chunk with metadata records for writes followed by their
// data. Sectors and lengths are in 512 byte units.
func writeChunk(writes ...[]uint64) ([]byte, []byte) {
	metadataSize := testChunkSize / testBlockSize * writeItemSize
	chunk := make([]byte, metadataSize)

	var data []byte
	for i, w := range writes {
		rec := chunk[i*writeItemSize:]
		binary.LittleEndian.PutUint64(rec[0:], w[0])
		binary.LittleEndian.PutUint64(rec[8:], w[1])
		binary.LittleEndian.PutUint64(rec[16:], uint64(i))

		data = append(data, bytes.Repeat([]byte{byte(i + 1)}, int(w[1])*sectorUnit)...)
	}

	return append(chunk, data...), data
}

func TestParseExtent(t *testing.T) {
	b := make([]byte, writeItemSize)
	binary.LittleEndian.PutUint64(b[0:], 3)
	binary.LittleEndian.PutUint64(b[8:], 2)
	binary.LittleEndian.PutUint64(b[16:], 9)
	binary.LittleEndian.PutUint64(b[24:], 1)

	got := parseExtent(b)
	want := extent{offset: 3 * 512, length: 2 * 512, seqNo: 9, flag: 1}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestBuseWriteThenRead(t *testing.T) {
	// Maximal transfer smaller than one write forces several calls.
	a := newTestAdapter(t, 4000, 100)

	chunk, data := writeChunk([]uint64{0, 1}, []uint64{2, 2})
	if err := a.BuseWrite(2, chunk); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 3*testBlockSize)
	if err := a.BuseRead(0, 3, got); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got[:512], data[:512]) {
		t.Fatalf("first write not read back")
	}
	if !bytes.Equal(got[512:1024], make([]byte, 512)) {
		t.Fatalf("sector 1 not zero")
	}
	if !bytes.Equal(got[1024:1536], data[512:1024]) {
		t.Fatalf("second write not read back")
	}
}

func TestBuseReadPastCapacity(t *testing.T) {
	a := newTestAdapter(t, 1000, 512)

	// Stale content of the shared memory must not leak.
	chunk := bytes.Repeat([]byte{0xff}, 2*testBlockSize)
	if err := a.BuseRead(1, 2, chunk); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(chunk, make([]byte, len(chunk))) {
		t.Fatalf("chunk not zeroed")
	}
}

func TestBuseWriteOutOfRange(t *testing.T) {
	var logs bytes.Buffer
	old := log.Logger
	log.Logger = zerolog.New(&logs)
	defer func() { log.Logger = old }()

	a := newTestAdapter(t, 1000, 512)

	chunk, _ := writeChunk([]uint64{1, 2})
	if err := a.BuseWrite(1, chunk); !errors.Is(err, vialab.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}

	if !bytes.Contains(logs.Bytes(), []byte(`"level":"warn"`)) || !bytes.Contains(logs.Bytes(), []byte("buse write failed")) {
		t.Fatalf("failed write not logged as warning: %s", logs.String())
	}
}

func TestBuseWriteMalformedChunk(t *testing.T) {
	a := newTestAdapter(t, 4000, 512)

	chunk, _ := writeChunk([]uint64{0, 1})
	if err := a.BuseWrite(5, chunk); !errors.Is(err, vialab.ErrInvalidArgument) {
		t.Fatalf("too many writes: got %v, want ErrInvalidArgument", err)
	}

	if err := a.BuseWrite(1, chunk[:len(chunk)-1]); !errors.Is(err, vialab.ErrFault) {
		t.Fatalf("truncated data: got %v, want ErrFault", err)
	}
}

func TestBuseAfterTeardown(t *testing.T) {
	r := vialab.NewRegistry(nopFacility{})
	if err := r.Initialize(vialab.Options{Name: "vialab", Count: 1, Capacity: 1024, MaxTransfer: 512}); err != nil {
		t.Fatal(err)
	}
	a := newAdapter(r, vialab.ID{Major: 7}, "vialab0", testBlockSize, testChunkSize)
	r.Teardown()

	if err := a.BuseRead(0, 1, make([]byte, testBlockSize)); !errors.Is(err, vialab.ErrNoSuchDevice) {
		t.Fatalf("got %v, want ErrNoSuchDevice", err)
	}
}

func TestOptionsValidate(t *testing.T) {
	valid := Options{Capacity: 4000, BlockSize: 512, WriteChunkSize: 4096}
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}
	if valid.Size() != 3584 {
		t.Fatalf("size %d, want 3584", valid.Size())
	}

	cases := []struct {
		name string
		o    Options
	}{
		{"block size", Options{Capacity: 4000, BlockSize: 1000, WriteChunkSize: 4096}},
		{"capacity below block", Options{Capacity: 4000, BlockSize: 4096, WriteChunkSize: 4096}},
		{"chunk below block", Options{Capacity: 4000, BlockSize: 512, WriteChunkSize: 256}},
		{"negative first", Options{First: -1, Capacity: 4000, BlockSize: 512, WriteChunkSize: 4096}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := New(c.o); !errors.Is(err, vialab.ErrInvalidConfiguration) {
				t.Fatalf("got %v, want ErrInvalidConfiguration", err)
			}
		})
	}
}
