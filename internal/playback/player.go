package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"motionpipe/internal/imaging"
	"motionpipe/internal/logging"
	"motionpipe/internal/metrics"
	"motionpipe/internal/storage"
	"motionpipe/pkg/models"
)

// Player owns the receive side (Handle) and the drain loop. The two only
// share the buffer.
type Player struct {
	buffer  *Buffer
	pacing  *PacingClock
	clock   Clock
	frames  storage.Storage
	sinks   []Sink
	quality int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Options configures a Player
type Options struct {
	Buffer  *Buffer
	Delay   time.Duration
	Clock   Clock
	Frames  storage.Storage
	Sinks   []Sink
	Quality int
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// NewPlayer creates a player
func NewPlayer(opts Options) (*Player, error) {
	if opts.Buffer == nil {
		return nil, errors.New("playback buffer is required")
	}
	if opts.Delay <= 0 {
		return nil, fmt.Errorf("release delay must be positive, got %s", opts.Delay)
	}
	if opts.Frames == nil {
		return nil, errors.New("frame storage is required")
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Player{
		buffer:  opts.Buffer,
		pacing:  NewPacingClock(opts.Delay),
		clock:   opts.Clock,
		frames:  opts.Frames,
		sinks:   opts.Sinks,
		quality: opts.Quality,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Buffer returns the playback buffer
func (p *Player) Buffer() *Buffer {
	return p.buffer
}

// Handle receives one detection record, annotates its frame and buffers it.
// Identical records are buffered as separate frames.
func (p *Player) Handle(ctx context.Context, body []byte) error {
	rec, err := models.DecodeMotionRecord(body)
	if err != nil {
		return err
	}

	data, err := p.frames.Read(ctx, rec.FramePath)
	if err != nil {
		return fmt.Errorf("%w: read frame %d: %v", models.ErrFrameDecode, rec.FrameNumber, err)
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return fmt.Errorf("frame %d: %w", rec.FrameNumber, err)
	}

	var regions []models.Rectangle
	if rec.MotionDetected {
		regions = rec.Regions
	}
	frame := Frame{
		Number:   rec.FrameNumber,
		Path:     rec.FramePath,
		Image:    Annotate(img, regions),
		Received: p.clock.Now(),
	}

	evicted := p.buffer.Push(frame)
	if p.metrics != nil {
		p.metrics.RecordBuffered(p.buffer.Len(), evicted)
	}
	if evicted {
		p.logger.Debug("oldest frame evicted", zap.Uint64(logging.FieldFrameNumber, rec.FrameNumber))
	}
	return nil
}

// Step releases at most one frame at now. wait is how long to sleep before
// the next attempt; a negative wait means the buffer has nothing to release
// and the caller should wait for the next Push.
func (p *Player) Step(ctx context.Context, now time.Time) (released bool, wait time.Duration) {
	if d := p.pacing.Until(now); d > 0 {
		return false, d
	}

	f, ok := p.buffer.Pop()
	if !ok {
		return false, -1
	}

	lateness := time.Duration(0)
	if next := p.pacing.Next(); !next.IsZero() {
		lateness = now.Sub(next)
	}
	p.pacing.Advance(now)

	Stamp(f.Image, now)
	p.emit(ctx, f)

	if p.metrics != nil {
		p.metrics.RecordReleased(p.buffer.Len(), lateness)
	}
	return true, p.pacing.Until(now)
}

func (p *Player) emit(ctx context.Context, f Frame) {
	if len(p.sinks) == 0 {
		return
	}

	var buf bytes.Buffer
	if err := imaging.EncodeJPEG(&buf, f.Image, p.quality); err != nil {
		p.logger.Error("encode frame", zap.Uint64(logging.FieldFrameNumber, f.Number), zap.Error(err))
		return
	}
	jpeg := buf.Bytes()

	for _, s := range p.sinks {
		if err := s.WriteFrame(ctx, f.Number, jpeg); err != nil {
			p.logger.Warn("sink write failed", zap.Uint64(logging.FieldFrameNumber, f.Number), zap.Error(err))
		}
	}
}

// Drain releases frames at the configured cadence until ctx is done. An empty
// buffer stalls the loop; nothing is repeated.
func (p *Player) Drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		_, wait := p.Step(ctx, p.clock.Now())
		switch {
		case wait < 0:
			select {
			case <-ctx.Done():
				return nil
			case <-p.buffer.Wake():
			}
		case wait > 0:
			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(wait):
			}
		}
	}
}

// Run supervises consume and the drain loop, then releases the sinks
func (p *Player) Run(ctx context.Context, consume func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consume(gctx)
	})
	g.Go(func() error {
		return p.Drain(gctx)
	})

	err := g.Wait()
	if cerr := p.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases every sink
func (p *Player) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
