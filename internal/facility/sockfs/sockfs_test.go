// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package sockfs

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/asch/vialab/internal/vialab"
)

func initRegistry(t *testing.T, dir string, count int) (*Facility, *vialab.Registry) {
	t.Helper()

	f := New(dir)
	r := vialab.NewRegistry(f)

	err := r.Initialize(vialab.Options{
		Name:        "vialab",
		Count:       count,
		Capacity:    vialab.DefaultCapacity,
		MaxTransfer: vialab.DefaultMaxTransfer,
	})
	if err != nil {
		t.Fatal(err)
	}

	return f, r
}

func TestSockfsTransferLimits(t *testing.T) {
	f, r := initRegistry(t, filepath.Join(t.TempDir(), "dev"), 2)
	defer r.Teardown()

	c := Dial(f.Path("vialab", 0))
	defer c.Close()

	ctx := context.Background()

	h, err := c.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}

	data := bytes.Repeat([]byte{0xab}, 1000)
	n, err := h.Write(ctx, data)
	if err != nil || n != vialab.DefaultMaxTransfer || h.Position() != vialab.DefaultMaxTransfer {
		t.Fatalf("write: got (%d, %v) at %d, want 512 at 512", n, err, h.Position())
	}

	if pos, err := h.Seek(ctx, 0, vialab.FromStart); err != nil || pos != 0 {
		t.Fatalf("seek: got (%d, %v)", pos, err)
	}

	got := make([]byte, 1000)
	n, err = h.Read(ctx, got)
	if err != nil || n != vialab.DefaultMaxTransfer || !bytes.Equal(got[:n], data[:n]) {
		t.Fatalf("read: got (%d, %v), want 512 bytes written before", n, err)
	}

	if _, err := h.Seek(ctx, vialab.DefaultCapacity, vialab.FromStart); err != nil {
		t.Fatal(err)
	}

	n, err = h.Read(ctx, got)
	if err != nil || n != 0 {
		t.Fatalf("read at end: got (%d, %v), want (0, nil)", n, err)
	}

	if _, err := h.Write(ctx, []byte{1}); !errors.Is(err, vialab.ErrInvalidArgument) {
		t.Fatalf("write at end: got %v, want ErrInvalidArgument", err)
	}

	if pos, err := h.Seek(ctx, 1234, vialab.FromStart); err != nil || pos != 1234 || h.Position() != 1234 {
		t.Fatalf("seek: got (%d, %v) at %d, want 1234", pos, err, h.Position())
	}

	if pos, err := h.Seek(ctx, -1, vialab.FromStart); !errors.Is(err, vialab.ErrInvalidArgument) || pos != 1234 {
		t.Fatalf("seek before start: got (%d, %v), want ErrInvalidArgument at 1234", pos, err)
	}

	if err := h.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(ctx); !errors.Is(err, vialab.ErrClosed) {
		t.Fatalf("second close: got %v, want ErrClosed", err)
	}
	if _, err := h.Read(ctx, got); !errors.Is(err, vialab.ErrClosed) {
		t.Fatalf("read after close: got %v, want ErrClosed", err)
	}

	// Contents survive close and a new handle starts at 0.
	h, err = c.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Position() != 0 {
		t.Fatalf("new handle at %d", h.Position())
	}

	n, err = h.Read(ctx, got[:4])
	if err != nil || n != 4 || !bytes.Equal(got[:4], data[:4]) {
		t.Fatalf("read after reopen: got (%d, %x, %v)", n, got[:4], err)
	}
}

func TestSockfsDevicesAreSeparate(t *testing.T) {
	f, r := initRegistry(t, filepath.Join(t.TempDir(), "dev"), 2)
	defer r.Teardown()

	ctx := context.Background()

	c0 := Dial(f.Path("vialab", 0))
	defer c0.Close()
	c1 := Dial(f.Path("vialab", 1))
	defer c1.Close()

	h0, err := c0.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}
	h1, err := c1.Open(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h0.Write(ctx, []byte("zero")); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 4)
	if _, err := h1.Read(ctx, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("device 1 sees %q written to device 0", got)
	}
}

func TestSockfsTeardownRemovesSockets(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dev")
	f, r := initRegistry(t, dir, 2)

	for i := 0; i < 2; i++ {
		fi, err := os.Stat(f.Path("vialab", i))
		if err != nil || fi.Mode()&os.ModeSocket == 0 {
			t.Fatalf("node %d: %v", i, err)
		}
	}

	c := Dial(f.Path("vialab", 0))
	defer c.Close()
	h, err := c.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	r.Teardown()

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("directory %s left after teardown: %v", dir, err)
	}

	if _, err := h.Read(context.Background(), make([]byte, 4)); !errors.Is(err, vialab.ErrNoSuchDevice) {
		t.Fatalf("read after teardown: got %v, want ErrNoSuchDevice", err)
	}
}

func TestSockfsStaleSocket(t *testing.T) {
	dir := t.TempDir()
	f := New(dir)

	l, err := net.Listen("unix", f.Path("vialab", 0))
	if err != nil {
		t.Fatal(err)
	}
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close()

	r := vialab.NewRegistry(f)
	o := vialab.Options{Name: "vialab", Count: 1, Capacity: 16, MaxTransfer: 16}
	if err := r.Initialize(o); err != nil {
		t.Fatalf("stale socket not replaced: %v", err)
	}
	r.Teardown()

	// Directory existed before, so it stays.
	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
}

func TestSockfsPathOccupied(t *testing.T) {
	dir := t.TempDir()
	f := New(dir)

	if err := os.WriteFile(f.Path("vialab", 1), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	r := vialab.NewRegistry(f)
	o := vialab.Options{Name: "vialab", Count: 2, Capacity: 16, MaxTransfer: 16}
	if err := r.Initialize(o); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("got %v, want ErrNodeExists", err)
	}

	if r.Active() {
		t.Fatalf("registry active after failed initialization")
	}
	if _, err := os.Stat(f.Path("vialab", 0)); !os.IsNotExist(err) {
		t.Fatalf("node 0 left after rollback: %v", err)
	}
}

type refusingOpener struct{}

func (refusingOpener) Open(id vialab.ID) (*vialab.Handle, error) {
	return nil, errors.Wrapf(vialab.ErrNoSuchDevice, "%v", id)
}

func TestSockfsOpenUnknownDevice(t *testing.T) {
	f := New(t.TempDir())

	c, err := f.CreateClass("vialab", refusingOpener{})
	if err != nil {
		t.Fatal(err)
	}
	defer f.DestroyClass(c)

	if err := f.RegisterNode(c, vialab.ID{Major: 250}, 0); err != nil {
		t.Fatal(err)
	}

	if err := f.RegisterNode(c, vialab.ID{Major: 250}, 0); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("second register: got %v, want ErrNodeExists", err)
	}

	client := Dial(f.Path("vialab", 0))
	defer client.Close()

	if _, err := client.Open(context.Background()); !errors.Is(err, vialab.ErrNoSuchDevice) {
		t.Fatalf("got %v, want ErrNoSuchDevice", err)
	}
}

func TestSockfsHTTP1(t *testing.T) {
	f, r := initRegistry(t, filepath.Join(t.TempDir(), "dev"), 1)
	defer r.Teardown()

	path := f.Path("vialab", 0)
	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", path)
			},
		},
	}
	defer hc.CloseIdleConnections()

	resp, err := hc.Post("http://vialab/handles", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusCreated || resp.Header.Get(HeaderHandle) == "" {
		t.Fatalf("got %s with handle %q", resp.Status, resp.Header.Get(HeaderHandle))
	}

	resp, err = hc.Get("http://vialab/handles/" + resp.Header.Get(HeaderHandle) + "?length=x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest || resp.Header.Get(HeaderError) != "EINVAL" {
		t.Fatalf("bad length: got %s %q", resp.Status, resp.Header.Get(HeaderError))
	}
}
