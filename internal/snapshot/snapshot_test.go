// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package snapshot

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/asch/vialab/internal/vialab"
)

type fakeSource struct {
	images []vialab.Image
	err    error
}

func (s *fakeSource) Snapshot(ctx context.Context) ([]vialab.Image, error) {
	return s.images, s.err
}

type fakeStore struct {
	mutex   sync.Mutex
	objects map[string]string
	prio    map[string]bool
	fail    map[string]error
	uploads chan string
}

func newFakeStore(keys ...string) *fakeStore {
	s := &fakeStore{
		objects: make(map[string]string),
		prio:    make(map[string]bool),
		fail:    make(map[string]error),
	}
	for _, k := range keys {
		s.objects[k] = ""
	}

	return s
}

func (s *fakeStore) Upload(ctx context.Context, key string, body []byte, prio bool) error {
	s.mutex.Lock()
	err := s.fail[key]
	if err == nil {
		s.objects[key] = string(body)
		s.prio[key] = prio
	}
	s.mutex.Unlock()

	if s.uploads != nil {
		s.uploads <- key
	}

	return err
}

func (s *fakeStore) uploadedWithPrio(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.prio[key]
}

func (s *fakeStore) Keys(prefix string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var keys []string
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys, nil
}

func images() []vialab.Image {
	return []vialab.Image{
		{Index: 0, Name: "vialab0", Data: []byte("zero")},
		{Index: 1, Name: "vialab1", Data: []byte("one")},
	}
}

func TestNextSequence(t *testing.T) {
	cases := []struct {
		keys []string
		want uint64
	}{
		{nil, 0},
		{[]string{"vialab0/00000000"}, 1},
		{[]string{"vialab0/00000003", "vialab1/0000000a", "vialab1/00000002"}, 11},
		{[]string{"junk", "vialab0/zz", "vialab0/00000001"}, 2},
	}

	for _, c := range cases {
		if got := NextSequence(c.keys); got != c.want {
			t.Fatalf("NextSequence(%v): got %d, want %d", c.keys, got, c.want)
		}
	}
}

func TestTake(t *testing.T) {
	store := newFakeStore("vialab0/00000004")
	s, err := New(&fakeSource{images: images()}, store)
	if err != nil {
		t.Fatal(err)
	}

	seq, err := s.Take(context.Background(), true)
	if err != nil || seq != 5 {
		t.Fatalf("got (%d, %v), want (5, nil)", seq, err)
	}

	if store.objects["vialab0/00000005"] != "zero" || store.objects["vialab1/00000005"] != "one" {
		t.Fatalf("objects %v", store.objects)
	}
	if !store.uploadedWithPrio("vialab0/00000005") {
		t.Fatalf("snapshot not uploaded with priority")
	}

	seq, err = s.Take(context.Background(), false)
	if err != nil || seq != 6 {
		t.Fatalf("second snapshot: got (%d, %v), want (6, nil)", seq, err)
	}
}

func TestTakeUploadFailure(t *testing.T) {
	store := newFakeStore()
	fail := errors.New("denied")
	store.fail[Key("vialab1", 0)] = fail

	s, err := New(&fakeSource{images: images()}, store)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Take(context.Background(), false); err != fail {
		t.Fatalf("got %v, want %v", err, fail)
	}

	if store.objects[Key("vialab0", 0)] != "zero" {
		t.Fatalf("other device not uploaded")
	}

	// Failed snapshot still consumes its sequence number.
	if seq, _ := s.Take(context.Background(), false); seq != 1 {
		t.Fatalf("got seq %d, want 1", seq)
	}
}

func TestTakeSourceFailure(t *testing.T) {
	s, err := New(&fakeSource{err: vialab.ErrInterrupted}, newFakeStore())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Take(context.Background(), false); !errors.Is(err, vialab.ErrInterrupted) {
		t.Fatalf("got %v, want ErrInterrupted", err)
	}
}

func TestRun(t *testing.T) {
	store := newFakeStore()
	store.uploads = make(chan string)

	src := &fakeSource{images: images()[:1]}
	s, err := New(src, store)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case k := <-store.uploads:
			if store.uploadedWithPrio(k) {
				t.Fatalf("periodic snapshot %s uploaded with priority", k)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no periodic snapshot")
		}
	}

	cancel()

	// Drain a tick racing with cancel.
	for {
		select {
		case <-store.uploads:
		case <-done:
			return
		}
	}
}
