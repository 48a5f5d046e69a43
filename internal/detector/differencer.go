// Package detector flags motion by differencing each frame against a
// retained baseline and publishes one record per compared frame.
package detector

import (
	"fmt"
	"image"

	"motionpipe/config"
	"motionpipe/internal/imaging"
	"motionpipe/pkg/models"
)

// MotionDetector compares a frame against its retained state. emit is false
// when the frame only became the new baseline. Reset starts a new batch.
type MotionDetector interface {
	Detect(frameNumber uint64, frame image.Image) (regions []models.Rectangle, emit bool, err error)
	Reset()
}

// Params are the differencing constants
type Params struct {
	DiffThreshold    uint8
	MinArea          int
	DilateIterations int
	Anchor           bool // keep the first frame of a batch as baseline
}

// ParamsFromConfig converts the detector section of the config
func ParamsFromConfig(cfg config.DetectorConfig) Params {
	threshold := cfg.DiffThreshold
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 255 {
		threshold = 255
	}
	return Params{
		DiffThreshold:    uint8(threshold),
		MinArea:          cfg.MinArea,
		DilateIterations: cfg.DilateIterations,
		Anchor:           cfg.ComparisonMode == config.ComparisonAnchor,
	}
}

// FrameDifferencer is the frame differencing MotionDetector. It is not safe
// for concurrent use; each stage owns one.
type FrameDifferencer struct {
	params Params

	previous  *image.Gray
	lastFrame uint64
	seen      bool
}

// NewFrameDifferencer creates a detector with no baseline
func NewFrameDifferencer(params Params) *FrameDifferencer {
	return &FrameDifferencer{params: params}
}

// HasBaseline reports whether a previous frame is retained
func (d *FrameDifferencer) HasBaseline() bool {
	return d.previous != nil
}

// Reset drops the retained baseline
func (d *FrameDifferencer) Reset() {
	d.previous = nil
	d.seen = false
}

// Detect implements MotionDetector
func (d *FrameDifferencer) Detect(frameNumber uint64, frame image.Image) ([]models.Rectangle, bool, error) {
	current := imaging.Luminance(frame)

	// A lower frame number means a new video started
	if d.seen && frameNumber < d.lastFrame {
		d.previous = nil
	}
	d.seen = true
	d.lastFrame = frameNumber

	if d.previous == nil {
		d.previous = current
		return nil, false, nil
	}

	mask, err := imaging.DiffMask(d.previous, current, d.params.DiffThreshold)
	if err != nil {
		d.previous = current
		return nil, false, fmt.Errorf("frame %d: %w", frameNumber, err)
	}
	mask = imaging.Dilate(mask, d.params.DilateIterations)

	boxes := imaging.Regions(mask, d.params.MinArea)
	regions := make([]models.Rectangle, 0, len(boxes))
	for _, b := range boxes {
		regions = append(regions, models.FromImageRect(b))
	}

	if !d.params.Anchor {
		d.previous = current
	}
	return regions, true, nil
}
