package streamer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"motionpipe/internal/queue"
	"motionpipe/internal/storage"
	"motionpipe/pkg/models"
)

func TestValidateSourceURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://drive.google.com/uc?export=download&id=1wIP", true},
		{"https://example.com/video.mp4", true},
		{"http://example.com/video.mp4", false},
		{"https://", false},
		{"https://example.com/with space.mp4", false},
		{"ftp://example.com/a.mp4", false},
		{"", false},
		{"example.mp4", false},
	}
	for _, tt := range tests {
		err := ValidateSourceURL(tt.url)
		if tt.ok && err != nil {
			t.Errorf("ValidateSourceURL(%q) error = %v", tt.url, err)
		}
		if !tt.ok && !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("ValidateSourceURL(%q) error = %v, want ErrInvalidInput", tt.url, err)
		}
	}
}

func encodeJPEG(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSplitJPEG(t *testing.T) {
	frames := [][]byte{encodeJPEG(t, 10), encodeJPEG(t, 200), encodeJPEG(t, 90)}

	var stream bytes.Buffer
	stream.WriteString("noise")
	for _, f := range frames {
		stream.Write(f)
	}
	stream.Write(frames[0][:20]) // truncated trailing frame

	// A tiny reader buffer forces markers to straddle reads
	scanner := bufio.NewScanner(bufio.NewReaderSize(&stream, 16))
	scanner.Buffer(make([]byte, 0, 64), 1<<20)
	scanner.Split(SplitJPEG)

	var got [][]byte
	for scanner.Scan() {
		got = append(got, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error = %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(got), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Errorf("frame %d differs", i)
		}
		if _, err := jpeg.Decode(bytes.NewReader(got[i])); err != nil {
			t.Errorf("frame %d does not decode: %v", i, err)
		}
	}
}

func TestFFmpegArgs(t *testing.T) {
	e := NewFFmpegExtractor("", nil)

	url := strings.Join(e.Args(Source{URL: "https://example.com/v.mp4"}), " ")
	if !strings.Contains(url, "-i https://example.com/v.mp4") || !strings.HasSuffix(url, "-f image2pipe -c:v mjpeg -q:v 2 pipe:1") {
		t.Errorf("url args = %q", url)
	}

	pipe := strings.Join(e.Args(Source{Reader: strings.NewReader(""), Format: "flv"}), " ")
	if !strings.Contains(pipe, "-f flv -i pipe:0") {
		t.Errorf("pipe args = %q", pipe)
	}
}

type fakeExtractor struct {
	frames [][]byte
	err    error
	block  bool
}

func (f *fakeExtractor) Extract(ctx context.Context, _ Source, emit func([]byte) error) error {
	for _, fr := range f.frames {
		if err := emit(fr); err != nil {
			return err
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("connection reset")
}

func newTestService(t *testing.T, ext Extractor, pub Publisher) (*Service, storage.Storage) {
	t.Helper()
	frames, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(Options{
		Extractor: ext,
		Frames:    frames,
		Publisher: pub,
		Queue:     "frames",
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, frames
}

func TestServiceProcess(t *testing.T) {
	ctx := context.Background()
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	ext := &fakeExtractor{frames: [][]byte{encodeJPEG(t, 1), encodeJPEG(t, 2), encodeJPEG(t, 3)}}
	svc, frames := newTestService(t, ext, broker)

	session, err := svc.Process(ctx, "https://example.com/clip.mp4")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	info := session.Snapshot()
	if info.State != string(models.SessionStateCompleted) || info.Frames != 3 {
		t.Fatalf("session = %+v", info)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := broker.Consume(cctx, "frames")
	if err != nil {
		t.Fatal(err)
	}
	for want := uint64(0); want < 3; want++ {
		d := <-ch
		var ann models.FrameAnnouncement
		if err := json.Unmarshal(d.Body(), &ann); err != nil {
			t.Fatal(err)
		}
		_ = d.Ack()

		if ann.FrameNumber != want {
			t.Errorf("frame_number = %d, want %d", ann.FrameNumber, want)
		}
		if ann.FramePath != storage.FrameLocator(session.ID, want) {
			t.Errorf("frame_path = %q", ann.FramePath)
		}
		data, err := frames.Read(ctx, ann.FramePath)
		if err != nil {
			t.Fatalf("stored frame %d: %v", want, err)
		}
		if !bytes.Equal(data, ext.frames[want]) {
			t.Errorf("stored frame %d differs", want)
		}
	}
}

func TestServiceRejectsInvalidURL(t *testing.T) {
	svc, _ := newTestService(t, &fakeExtractor{}, queue.NewMemoryBroker())

	if _, err := svc.Process(context.Background(), "http://insecure"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Process() error = %v", err)
	}
	if _, err := svc.Submit("not a url"); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Submit() error = %v", err)
	}
	if svc.Sessions().GetSessionCount() != 0 {
		t.Error("session created for an invalid URL")
	}
}

func TestServicePublishFailure(t *testing.T) {
	ext := &fakeExtractor{frames: [][]byte{encodeJPEG(t, 1), encodeJPEG(t, 2)}}
	svc, _ := newTestService(t, ext, failingPublisher{})

	session, err := svc.Process(context.Background(), "https://example.com/a.mp4")
	if !errors.Is(err, models.ErrTransport) {
		t.Fatalf("Process() error = %v, want ErrTransport", err)
	}
	if session.GetState() != models.SessionStateFailed {
		t.Errorf("state = %s, want failed", session.GetState())
	}
	if session.Snapshot().Frames != 0 {
		t.Errorf("frames = %d, want 0", session.Snapshot().Frames)
	}
}

func TestServiceSubmitRunsInBackground(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	svc, _ := newTestService(t, &fakeExtractor{frames: [][]byte{encodeJPEG(t, 1)}}, broker)
	session, err := svc.Submit("https://example.com/a.mp4")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for session.GetState() != models.SessionStateCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("session still %s", session.GetState())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got, ok := svc.Sessions().GetSession(session.ID); !ok || got != session {
		t.Error("session not registered")
	}
}

func TestServiceCloseCancelsSessions(t *testing.T) {
	svc, _ := newTestService(t, &fakeExtractor{block: true}, queue.NewMemoryBroker())
	session, err := svc.Submit("https://example.com/live.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	if session.GetState() != models.SessionStateFailed {
		t.Errorf("state after Close = %s, want failed", session.GetState())
	}
	if _, err := svc.Submit("https://example.com/late.mp4"); err == nil {
		t.Error("Submit() after Close succeeded")
	}
}

// gatedExtractor emits its frames, then holds the session open until gate
// is closed
type gatedExtractor struct {
	frames [][]byte
	gate   chan struct{}
}

func (g *gatedExtractor) Extract(ctx context.Context, _ Source, emit func([]byte) error) error {
	for _, fr := range g.frames {
		if err := emit(fr); err != nil {
			return err
		}
	}
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitState(t *testing.T, session *models.Session, want models.SessionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for session.GetState() != want {
		if time.Now().After(deadline) {
			t.Fatalf("session %s is %s, want %s", session.ID, session.GetState(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceRunsSessionsOneAtATime(t *testing.T) {
	broker := queue.NewMemoryBroker()
	defer broker.Close()

	ext := &gatedExtractor{frames: [][]byte{encodeJPEG(t, 1), encodeJPEG(t, 2)}, gate: make(chan struct{})}
	svc, _ := newTestService(t, ext, broker)

	first, err := svc.Submit("https://example.com/first.mp4")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Submit("https://example.com/second.mp4")
	if err != nil {
		t.Fatal(err)
	}

	waitState(t, first, models.SessionStateExtracting)
	time.Sleep(50 * time.Millisecond)
	if got := second.GetState(); got != models.SessionStateQueued {
		t.Fatalf("second session is %s while the first extracts, want queued", got)
	}

	live := svc.Sessions().CreateSession(models.SessionKindLive, "cam")
	if _, err := svc.ClaimLive(live); !errors.Is(err, ErrBusy) {
		t.Fatalf("ClaimLive() error = %v, want ErrBusy", err)
	}

	close(ext.gate)
	waitState(t, first, models.SessionStateCompleted)
	waitState(t, second, models.SessionStateCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := broker.Consume(ctx, "frames")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		storage.FrameLocator(first.ID, 0),
		storage.FrameLocator(first.ID, 1),
		storage.FrameLocator(second.ID, 0),
		storage.FrameLocator(second.ID, 1),
	}
	for i, path := range want {
		d := <-ch
		var ann models.FrameAnnouncement
		if err := json.Unmarshal(d.Body(), &ann); err != nil {
			t.Fatal(err)
		}
		_ = d.Ack()
		if ann.FramePath != path {
			t.Fatalf("announcement %d = %q, want %q", i, ann.FramePath, path)
		}
	}

	run, err := svc.ClaimLive(live)
	if err != nil {
		t.Fatalf("ClaimLive() after sessions finished: %v", err)
	}
	if err := run(ctx, strings.NewReader(""), "flv"); err != nil {
		t.Fatalf("live ingest: %v", err)
	}
	if live.GetState() != models.SessionStateCompleted {
		t.Errorf("live session = %s, want completed", live.GetState())
	}
}

func TestServiceSubmitQueueFull(t *testing.T) {
	ext := &gatedExtractor{gate: make(chan struct{})}
	frames, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(Options{
		Extractor: ext,
		Frames:    frames,
		Publisher: queue.NewMemoryBroker(),
		Queue:     "frames",
		QueueSize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	running, err := svc.Submit("https://example.com/a.mp4")
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, running, models.SessionStateExtracting)

	queued, err := svc.Submit("https://example.com/b.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Submit("https://example.com/c.mp4"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Submit() error = %v, want ErrQueueFull", err)
	}
	if n := svc.Sessions().GetSessionCount(); n != 2 {
		t.Errorf("sessions = %d, want 2", n)
	}

	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	if queued.GetState() != models.SessionStateFailed {
		t.Errorf("queued session after Close = %s, want failed", queued.GetState())
	}
}
