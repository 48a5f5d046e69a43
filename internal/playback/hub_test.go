package playback

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"testing"

	"motionpipe/internal/metrics"
	"motionpipe/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHubFanOut(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(nil)
	h := NewHub(m)

	a, unsubA := h.Subscribe(4)
	b, unsubB := h.Subscribe(1)
	if h.Viewers() != 2 {
		t.Fatalf("Viewers() = %d, want 2", h.Viewers())
	}

	_ = h.WriteFrame(ctx, 1, []byte("one"))
	_ = h.WriteFrame(ctx, 2, []byte("two")) // b is full and skips this one

	if got := string(<-a); got != "one" {
		t.Errorf("viewer a first = %q", got)
	}
	if got := string(<-a); got != "two" {
		t.Errorf("viewer a second = %q", got)
	}
	if got := string(<-b); got != "one" {
		t.Errorf("viewer b first = %q", got)
	}
	if got := testutil.ToFloat64(m.ViewerDrops); got != 1 {
		t.Errorf("viewer drops = %v, want 1", got)
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Error("channel open after unsubscribe")
	}
	unsubB()
	if got := testutil.ToFloat64(m.ActiveViewers); got != 0 {
		t.Errorf("active viewers = %v, want 0", got)
	}
}

func TestHubLateViewerGetsLastFrame(t *testing.T) {
	h := NewHub(nil)
	_ = h.WriteFrame(context.Background(), 9, []byte("latest"))

	ch, unsub := h.Subscribe(2)
	defer unsub()
	if got := string(<-ch); got != "latest" {
		t.Fatalf("first frame = %q, want latest", got)
	}
}

func TestHubClose(t *testing.T) {
	h := NewHub(nil)
	ch, unsub := h.Subscribe(1)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Error("viewer channel open after Close")
	}
	unsub()

	late, _ := h.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscribe after Close returned an open channel")
	}
	if err := h.WriteFrame(context.Background(), 1, []byte("x")); err != nil {
		t.Errorf("WriteFrame() after Close error = %v", err)
	}
}

func TestWriteMJPEG(t *testing.T) {
	frames := make(chan []byte, 2)
	frames <- []byte("jpeg-1")
	frames <- []byte("jpeg-2")
	close(frames)

	var out bytes.Buffer
	flushes := 0
	if err := WriteMJPEG(context.Background(), &out, func() { flushes++ }, frames); err != nil {
		t.Fatalf("WriteMJPEG() error = %v", err)
	}
	if flushes != 2 {
		t.Errorf("flushes = %d, want 2", flushes)
	}

	r := multipart.NewReader(&out, MJPEGBoundary)
	for _, want := range []string{"jpeg-1", "jpeg-2"} {
		part, err := r.NextPart()
		if err != nil {
			t.Fatalf("NextPart() error = %v", err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(part)
		if string(body) != want {
			t.Errorf("part = %q, want %q", body, want)
		}
	}
	if _, err := r.NextPart(); err != io.EOF {
		t.Errorf("NextPart() after last = %v, want EOF", err)
	}
}

func TestStorageSinkNamesReleases(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewStorageSink(store)
	_ = s.WriteFrame(ctx, 4, []byte("a"))
	_ = s.WriteFrame(ctx, 4, []byte("b"))

	for i, want := range []string{"a", "b"} {
		got, err := store.Read(ctx, ReleaseLocator(uint64(i), 4))
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(got) != want {
			t.Errorf("release %d = %q, want %q", i, got, want)
		}
	}
}
