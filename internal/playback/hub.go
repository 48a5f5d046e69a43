package playback

import (
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"sync"

	"motionpipe/internal/metrics"
)

// MJPEGBoundary separates the parts of the /video response
const MJPEGBoundary = "frame"

// Hub fans released frames out to MJPEG viewers. Slow viewers skip frames
// instead of holding up playback.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	last        []byte
	closed      bool
	metrics     *metrics.Metrics
}

// NewHub creates an empty hub. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		subscribers: make(map[chan []byte]struct{}),
		metrics:     m,
	}
}

// WriteFrame implements Sink
func (h *Hub) WriteFrame(_ context.Context, _ uint64, jpeg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.last = jpeg

	for ch := range h.subscribers {
		select {
		case ch <- jpeg:
		default:
			if h.metrics != nil {
				h.metrics.RecordViewerDrop()
			}
		}
	}
	return nil
}

// Subscribe registers a viewer. The most recent frame, if any, is queued
// first. The returned function unsubscribes.
func (h *Hub) Subscribe(bufferSize int) (<-chan []byte, func()) {
	if bufferSize < 1 {
		bufferSize = 1
	}
	ch := make(chan []byte, bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.last != nil {
		ch <- h.last
	}
	h.subscribers[ch] = struct{}{}
	if h.metrics != nil {
		h.metrics.RecordViewerStart()
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(ch) })
	}
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; !ok {
		return
	}
	delete(h.subscribers, ch)
	close(ch)
	if h.metrics != nil {
		h.metrics.RecordViewerStop()
	}
}

// Viewers returns the number of subscribed viewers
func (h *Hub) Viewers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close disconnects every viewer
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for ch := range h.subscribers {
		close(ch)
		if h.metrics != nil {
			h.metrics.RecordViewerStop()
		}
	}
	h.subscribers = make(map[chan []byte]struct{})
	return nil
}

// WriteMJPEG copies frames to w as multipart parts until frames is closed or
// ctx is done. flush, if set, runs after every part.
func WriteMJPEG(ctx context.Context, w io.Writer, flush func(), frames <-chan []byte) error {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(MJPEGBoundary); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case jpeg, ok := <-frames:
			if !ok {
				return mw.Close()
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(jpeg))},
			})
			if err != nil {
				return err
			}
			if _, err := part.Write(jpeg); err != nil {
				return err
			}
			if flush != nil {
				flush()
			}
		}
	}
}
