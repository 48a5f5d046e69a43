package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"motionpipe/internal/imaging"
	"motionpipe/internal/logging"
	"motionpipe/internal/metrics"
	"motionpipe/internal/storage"
	"motionpipe/pkg/models"
)

// Publisher sends a message body to a named queue
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Service handles frame announcements from channel A
type Service struct {
	detector MotionDetector
	frames   storage.Storage
	pub      Publisher
	queue    string
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// session folder of the last processed frame
	batch   string
	started bool
}

// NewService creates the detector stage handler. m may be nil.
func NewService(d MotionDetector, frames storage.Storage, pub Publisher, detectionsQueue string, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		detector: d,
		frames:   frames,
		pub:      pub,
		queue:    detectionsQueue,
		logger:   logger,
		metrics:  m,
	}
}

// Handle processes one announcement. Publish failures wrap
// models.ErrTransport.
func (s *Service) Handle(ctx context.Context, body []byte) error {
	ann, err := models.DecodeFrameAnnouncement(body)
	if err != nil {
		return err
	}
	log := s.logger.With(
		zap.Uint64(logging.FieldFrameNumber, ann.FrameNumber),
		zap.String(logging.FieldFramePath, ann.FramePath),
	)

	record, err := s.Process(ctx, ann)
	if err != nil {
		return err
	}
	if record == nil {
		log.Debug("baseline stored")
		return nil
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode motion record: %w", err)
	}
	if err := s.pub.Publish(ctx, s.queue, payload); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", models.ErrTransport, s.queue, err)
	}

	log.Debug("motion record published",
		zap.Bool("motion_detected", record.MotionDetected),
		zap.Int("regions", len(record.Regions)),
	)
	return nil
}

// Process loads and compares one frame. It returns nil when the frame became
// the baseline.
func (s *Service) Process(ctx context.Context, ann models.FrameAnnouncement) (*models.MotionRecord, error) {
	data, err := s.frames.Read(ctx, ann.FramePath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: frame %d missing at %s", models.ErrFrameDecode, ann.FrameNumber, ann.FramePath)
		}
		return nil, fmt.Errorf("%w: read frame %d: %v", models.ErrFrameDecode, ann.FrameNumber, err)
	}

	img, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", ann.FrameNumber, err)
	}

	// Frames of another session never compare against this one's baseline
	if batch := storage.SessionOf(ann.FramePath); s.started && batch != s.batch {
		s.detector.Reset()
	}
	s.batch = storage.SessionOf(ann.FramePath)
	s.started = true

	regions, emit, err := s.detector.Detect(ann.FrameNumber, img)
	if err != nil {
		return nil, err
	}
	if !emit {
		if s.metrics != nil {
			s.metrics.RecordBaseline()
		}
		return nil, nil
	}

	record := models.NewMotionRecord(ann, regions)
	if s.metrics != nil {
		s.metrics.RecordDetection(record.MotionDetected, len(record.Regions), record.MotionArea())
	}
	return record, nil
}
