package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"motionpipe/internal/logging"
	"motionpipe/internal/metrics"
	"motionpipe/internal/storage"
	"motionpipe/internal/streammanager"
	"motionpipe/pkg/models"
)

// ErrBusy is returned when a live stream arrives while another session
// holds the extraction slot
var ErrBusy = errors.New("another session is extracting")

// ErrQueueFull is returned by Submit when too many sessions are waiting
var ErrQueueFull = errors.New("submission queue is full")

// ErrClosed is returned once the service was closed
var ErrClosed = errors.New("streamer is shutting down")

// ErrSessionActive is returned when deleting a session that is queued or
// still extracting
var ErrSessionActive = errors.New("session is still active")

// ErrSessionNotFound is returned for an unknown session id
var ErrSessionNotFound = errors.New("session not found")

// DefaultQueueSize bounds the number of submitted sessions waiting to run
const DefaultQueueSize = 64

// Publisher sends a message body to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Options configures a Service
type Options struct {
	Extractor  Extractor
	Frames     storage.Storage
	Publisher  Publisher
	Queue      string
	Sessions   *streammanager.Manager
	PublishFPS float64 // zero publishes as fast as frames are decoded
	QueueSize  int     // zero uses DefaultQueueSize
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Service runs extraction sessions one at a time, so channel A carries a
// single ordered frame stream. Submitted sessions wait in FIFO order.
type Service struct {
	extractor  Extractor
	frames     storage.Storage
	pub        Publisher
	queue      string
	sessions   *streammanager.Manager
	publishFPS float64
	logger     *zap.Logger
	metrics    *metrics.Metrics

	slot    *semaphore.Weighted
	pending chan pendingSession

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingSession struct {
	session *models.Session
	url     string
}

// NewService creates a streamer service and starts its submission worker
func NewService(opts Options) (*Service, error) {
	if opts.Extractor == nil || opts.Frames == nil || opts.Publisher == nil {
		return nil, errors.New("extractor, frame storage and publisher are required")
	}
	if opts.Queue == "" {
		return nil, errors.New("frames queue name is required")
	}
	if opts.Sessions == nil {
		opts.Sessions = streammanager.New()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		extractor:  opts.Extractor,
		frames:     opts.Frames,
		pub:        opts.Publisher,
		queue:      opts.Queue,
		sessions:   opts.Sessions,
		publishFPS: opts.PublishFPS,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		slot:       semaphore.NewWeighted(1),
		pending:    make(chan pendingSession, opts.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Sessions returns the session registry
func (s *Service) Sessions() *streammanager.Manager {
	return s.sessions
}

// Submit validates rawURL and queues it. The session stays queued until the
// sessions submitted before it finished.
func (s *Service) Submit(rawURL string) (*models.Session, error) {
	if err := ValidateSourceURL(rawURL); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	session := s.sessions.CreateSession(models.SessionKindURL, rawURL)
	select {
	case s.pending <- pendingSession{session: session, url: rawURL}:
	default:
		s.sessions.DeleteSession(session.ID)
		return nil, ErrQueueFull
	}
	return session, nil
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.pending:
			if err := s.acquire(s.ctx); err != nil {
				p.session.Fail(fmt.Errorf("cancelled while queued: %w", err))
				continue
			}
			_ = s.run(s.ctx, p.session, Source{URL: p.url})
			s.slot.Release(1)
		}
	}
}

// Frames lists the stored frame names of a session
func (s *Service) Frames(ctx context.Context, id string) ([]string, error) {
	if _, ok := s.sessions.GetSession(id); !ok {
		return nil, ErrSessionNotFound
	}
	names, err := s.frames.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list frames of %s: %w", id, err)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteSession removes a finished session and its stored frames. Frames
// still waiting on channel A will fail to decode downstream.
func (s *Service) DeleteSession(ctx context.Context, id string) (int, error) {
	session, ok := s.sessions.GetSession(id)
	if !ok {
		return 0, ErrSessionNotFound
	}
	switch session.GetState() {
	case models.SessionStateQueued, models.SessionStateExtracting:
		return 0, ErrSessionActive
	}

	names, err := s.frames.List(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("list frames of %s: %w", id, err)
	}
	deleted := 0
	for _, name := range names {
		if err := s.frames.Delete(ctx, id+"/"+name); err != nil {
			return deleted, fmt.Errorf("delete frame %s: %w", name, err)
		}
		deleted++
	}
	// Drops the now empty session folder on local storage
	if err := s.frames.Delete(ctx, id); err != nil {
		s.logger.Warn("remove session folder", zap.String(logging.FieldSessionID, id), zap.Error(err))
	}

	s.sessions.DeleteSession(id)
	s.logger.Info("session deleted", zap.String(logging.FieldSessionID, id), zap.Int("frames", deleted))
	return deleted, nil
}

// acquire takes the extraction slot unless ctx is already done
func (s *Service) acquire(ctx context.Context) error {
	if err := s.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		s.slot.Release(1)
		return err
	}
	return nil
}

// Process validates rawURL and extracts it before returning. It waits for
// any running session first.
func (s *Service) Process(ctx context.Context, rawURL string) (*models.Session, error) {
	if err := ValidateSourceURL(rawURL); err != nil {
		return nil, err
	}
	session := s.sessions.CreateSession(models.SessionKindURL, rawURL)
	if err := s.acquire(ctx); err != nil {
		session.Fail(err)
		return session, err
	}
	defer s.slot.Release(1)
	return session, s.run(ctx, session, Source{URL: rawURL})
}

// ClaimLive reserves the extraction slot for a live session without
// waiting. The returned function extracts the stream read from r and frees
// the slot when it returns; it must be called exactly once.
func (s *Service) ClaimLive(session *models.Session) (func(ctx context.Context, r io.Reader, format string) error, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !s.slot.TryAcquire(1) {
		return nil, ErrBusy
	}

	return func(ctx context.Context, r io.Reader, format string) error {
		defer s.slot.Release(1)
		return s.run(ctx, session, Source{Reader: r, Format: format})
	}, nil
}

func (s *Service) run(ctx context.Context, session *models.Session, src Source) error {
	log := s.logger.With(zap.String(logging.FieldSessionID, session.ID))
	log.Info("processing video", zap.String("source", session.Source))

	session.SetState(models.SessionStateExtracting)
	if s.metrics != nil {
		s.metrics.RecordSessionStart()
	}

	var limiter *rate.Limiter
	if s.publishFPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.publishFPS), 1)
	}

	var frameNumber uint64
	err := s.extractor.Extract(ctx, src, func(jpeg []byte) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := s.announce(ctx, session.ID, frameNumber, jpeg); err != nil {
			return err
		}
		session.RecordFrame(len(jpeg))
		if s.metrics != nil {
			s.metrics.RecordFrameAnnounced(len(jpeg))
		}
		frameNumber++
		return nil
	})

	if s.metrics != nil {
		s.metrics.RecordSessionEnd(err != nil)
	}
	if err != nil {
		session.Fail(err)
		log.Error("extraction failed", zap.Uint64("frames", frameNumber), zap.Error(err))
		return err
	}

	session.SetState(models.SessionStateCompleted)
	log.Info("extraction finished", zap.Uint64("frames", frameNumber))
	return nil
}

// announce stores one frame and publishes its announcement
func (s *Service) announce(ctx context.Context, sessionID string, n uint64, jpeg []byte) error {
	locator := storage.FrameLocator(sessionID, n)
	if err := s.frames.Write(ctx, locator, jpeg); err != nil {
		return fmt.Errorf("store frame %d: %w", n, err)
	}

	body, err := json.Marshal(models.FrameAnnouncement{FrameNumber: n, FramePath: locator})
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	if err := s.pub.Publish(ctx, s.queue, body); err != nil {
		return fmt.Errorf("%w: announce frame %d: %v", models.ErrTransport, n, err)
	}
	return nil
}

// Close cancels running and queued sessions and waits for the worker
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	for {
		select {
		case p := <-s.pending:
			p.session.Fail(ErrClosed)
		default:
			return nil
		}
	}
}
