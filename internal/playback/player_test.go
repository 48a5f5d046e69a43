package playback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"motionpipe/config"
	"motionpipe/internal/metrics"
	"motionpipe/internal/storage"
	"motionpipe/pkg/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []uint64
	closed bool
	out    chan uint64
}

func (s *recordingSink) WriteFrame(_ context.Context, n uint64, _ []byte) error {
	s.mu.Lock()
	s.frames = append(s.frames, n)
	s.mu.Unlock()
	if s.out != nil {
		s.out <- n
	}
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) released() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.frames...)
}

func testFrames(t *testing.T, n int) storage.Storage {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 40, G: 80, B: 120, A: 255}), image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if err := store.Write(context.Background(), storage.FrameLocator("s", uint64(i)), buf.Bytes()); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func recordBody(t *testing.T, n uint64, regions []models.Rectangle) []byte {
	t.Helper()
	body, err := json.Marshal(models.NewMotionRecord(models.FrameAnnouncement{
		FrameNumber: n,
		FramePath:   storage.FrameLocator("s", n),
	}, regions))
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func newTestPlayer(t *testing.T, capacity int, policy string, frames storage.Storage, sinks ...Sink) *Player {
	t.Helper()
	b, err := NewBuffer(capacity, policy)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPlayer(Options{
		Buffer: b,
		Delay:  40 * time.Millisecond,
		Frames: frames,
		Sinks:  sinks,
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPlayerPacedReleaseThenStall(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	p := newTestPlayer(t, 5, config.PolicyGateThenDrain, testFrames(t, 5), sink)

	for i := uint64(0); i < 5; i++ {
		if err := p.Handle(ctx, recordBody(t, i, nil)); err != nil {
			t.Fatalf("Handle(%d) error = %v", i, err)
		}
	}

	t0 := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	var releases []time.Time
	// Poll every 10ms for 300ms, as a drain loop with a coarse clock would
	for now := t0; now.Before(t0.Add(300 * time.Millisecond)); now = now.Add(10 * time.Millisecond) {
		if ok, _ := p.Step(ctx, now); ok {
			releases = append(releases, now)
		}
	}

	if len(releases) != 5 {
		t.Fatalf("released %d frames, want 5", len(releases))
	}
	for i := 1; i < len(releases); i++ {
		if gap := releases[i].Sub(releases[i-1]); gap != 40*time.Millisecond {
			t.Errorf("gap %d = %s, want 40ms", i, gap)
		}
	}
	if got := sink.released(); !equalNumbers(got, []uint64{0, 1, 2, 3, 4}) {
		t.Errorf("sink saw %v", got)
	}

	// Stalled: nothing left, nothing repeated
	if ok, wait := p.Step(ctx, t0.Add(time.Second)); ok || wait >= 0 {
		t.Errorf("Step() on empty buffer = %v, %s", ok, wait)
	}
}

func TestPlayerSpacingAfterLateRelease(t *testing.T) {
	ctx := context.Background()
	p := newTestPlayer(t, 1, config.PolicyBoundedDrop, testFrames(t, 3))
	t0 := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

	if err := p.Handle(ctx, recordBody(t, 0, nil)); err != nil {
		t.Fatal(err)
	}
	if ok, _ := p.Step(ctx, t0); !ok {
		t.Fatal("first frame not released")
	}

	// The next frame arrives long after its slot
	if err := p.Handle(ctx, recordBody(t, 1, nil)); err != nil {
		t.Fatal(err)
	}
	late := t0.Add(500 * time.Millisecond)
	if ok, _ := p.Step(ctx, late); !ok {
		t.Fatal("late frame not released")
	}

	if err := p.Handle(ctx, recordBody(t, 2, nil)); err != nil {
		t.Fatal(err)
	}
	ok, wait := p.Step(ctx, late.Add(10*time.Millisecond))
	if ok {
		t.Fatal("released without waiting a full delay after the late frame")
	}
	if wait != 30*time.Millisecond {
		t.Errorf("wait = %s, want 30ms", wait)
	}
}

func TestPlayerHandleDuplicates(t *testing.T) {
	ctx := context.Background()
	p := newTestPlayer(t, 10, config.PolicyGateThenDrain, testFrames(t, 1))
	body := recordBody(t, 0, nil)
	for i := 0; i < 3; i++ {
		if err := p.Handle(ctx, body); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.Buffer().Len(); got != 3 {
		t.Fatalf("buffered %d frames, want 3", got)
	}
}

func TestPlayerHandleErrors(t *testing.T) {
	ctx := context.Background()
	frames := testFrames(t, 1)
	if err := frames.Write(ctx, "s/broken.jpg", []byte("nope")); err != nil {
		t.Fatal(err)
	}
	p := newTestPlayer(t, 10, config.PolicyGateThenDrain, frames)

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", "nope", models.ErrInvalidInput},
		{"legacy intensity", `{"frame_number":1,"frame_path":"s/frame_000000.jpg","motion_detected":true,"motion_intensity":42}`, models.ErrInvalidInput},
		{"missing frame", `{"version":2,"frame_number":1,"frame_path":"s/missing.jpg","motion_detected":false,"regions":[]}`, models.ErrFrameDecode},
		{"undecodable", `{"version":2,"frame_number":1,"frame_path":"s/broken.jpg","motion_detected":false,"regions":[]}`, models.ErrFrameDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Handle(ctx, []byte(tt.body)); !errors.Is(err, tt.want) {
				t.Fatalf("Handle() error = %v, want %v", err, tt.want)
			}
		})
	}
	if p.Buffer().Len() != 0 {
		t.Errorf("rejected records were buffered")
	}
}

func TestPlayerAnnotatesRegions(t *testing.T) {
	ctx := context.Background()
	p := newTestPlayer(t, 1, config.PolicyBoundedDrop, testFrames(t, 1))
	region := models.Rectangle{X: 10, Y: 10, Width: 20, Height: 20}
	if err := p.Handle(ctx, recordBody(t, 0, []models.Rectangle{region})); err != nil {
		t.Fatal(err)
	}
	f, ok := p.Buffer().Pop()
	if !ok {
		t.Fatal("nothing buffered")
	}
	// The outline is blurred but still tints the region edge green
	c := f.Image.RGBAAt(10, 20)
	if c.G <= 80 {
		t.Errorf("edge pixel %v shows no outline", c)
	}
	if f.Image.RGBAAt(50, 40) != (color.RGBA{R: 40, G: 80, B: 120, A: 255}) {
		t.Errorf("pixel outside the region changed: %v", f.Image.RGBAAt(50, 40))
	}
}

func TestPlayerRunDrainsAndClosesSinks(t *testing.T) {
	sink := &recordingSink{out: make(chan uint64, 8)}
	frames := testFrames(t, 3)
	b, err := NewBuffer(3, config.PolicyGateThenDrain)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New(nil)
	p, err := NewPlayer(Options{Buffer: b, Delay: 5 * time.Millisecond, Frames: frames, Sinks: []Sink{sink}, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	consume := func(ctx context.Context) error {
		for i := uint64(0); i < 3; i++ {
			if err := p.Handle(ctx, recordBody(t, i, nil)); err != nil {
				return err
			}
		}
		<-ctx.Done()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, consume) }()

	for i := uint64(0); i < 3; i++ {
		select {
		case n := <-sink.out:
			if n != i {
				t.Fatalf("released frame %d, want %d", n, i)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for releases")
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	if got := testutil.ToFloat64(m.FramesReleased); got != 3 {
		t.Errorf("released metric = %v, want 3", got)
	}
}
