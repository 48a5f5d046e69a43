package models

import (
	"encoding/json"
	"fmt"
	"image"
)

// DetectionProtocolVersion is the wire version of MotionRecord messages
const DetectionProtocolVersion = 2

// FrameAnnouncement is published by the streamer for every extracted frame
type FrameAnnouncement struct {
	FrameNumber uint64 `json:"frame_number"`
	FramePath   string `json:"frame_path"` // Locator relative to the frame storage root
}

// Rectangle is an axis-aligned region in pixel coordinates.
// On the wire it is encoded as [x, y, w, h].
type Rectangle struct {
	X      int
	Y      int
	Width  int
	Height int
}

// FromImageRect converts an image.Rectangle
func FromImageRect(r image.Rectangle) Rectangle {
	return Rectangle{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// ImageRect converts to an image.Rectangle
func (r Rectangle) ImageRect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Area returns width*height
func (r Rectangle) Area() int {
	return r.Width * r.Height
}

// MarshalJSON encodes the rectangle as a four element array
func (r Rectangle) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{r.X, r.Y, r.Width, r.Height})
}

// UnmarshalJSON decodes a four element array
func (r *Rectangle) UnmarshalJSON(data []byte) error {
	var v []int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("rectangle: %w", err)
	}
	if len(v) != 4 {
		return fmt.Errorf("rectangle: expected 4 values, got %d", len(v))
	}
	if v[2] < 0 || v[3] < 0 {
		return fmt.Errorf("rectangle: negative size %dx%d", v[2], v[3])
	}
	*r = Rectangle{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	return nil
}

// MotionRecord is the detector's output for one processed frame
type MotionRecord struct {
	Version        int         `json:"version"`
	FrameNumber    uint64      `json:"frame_number"`
	FramePath      string      `json:"frame_path"`
	MotionDetected bool        `json:"motion_detected"`
	Regions        []Rectangle `json:"regions"`
}

// MotionArea sums the bounding-box area of every region
func (r *MotionRecord) MotionArea() int {
	total := 0
	for _, rect := range r.Regions {
		total += rect.Area()
	}
	return total
}

// NewMotionRecord builds a record for the current protocol version
func NewMotionRecord(frame FrameAnnouncement, regions []Rectangle) *MotionRecord {
	if regions == nil {
		regions = []Rectangle{}
	}
	return &MotionRecord{
		Version:        DetectionProtocolVersion,
		FrameNumber:    frame.FrameNumber,
		FramePath:      frame.FramePath,
		MotionDetected: len(regions) > 0,
		Regions:        regions,
	}
}

// wireRecord accepts both protocol shapes so the legacy one can be rejected explicitly
type wireRecord struct {
	Version         *int            `json:"version"`
	FrameNumber     *uint64         `json:"frame_number"`
	FramePath       string          `json:"frame_path"`
	MotionDetected  bool            `json:"motion_detected"`
	Regions         json.RawMessage `json:"regions"`
	MotionIntensity *int            `json:"motion_intensity"`
}

// DecodeMotionRecord parses a channel B message. Only protocol version 2
// (regions) is accepted; the motion_intensity shape is reported as unsupported.
func DecodeMotionRecord(body []byte) (*MotionRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: decode motion record: %v", ErrInvalidInput, err)
	}

	version := DetectionProtocolVersion
	if w.Version != nil {
		version = *w.Version
	} else if w.Regions == nil && w.MotionIntensity != nil {
		version = 1
	}
	if version != DetectionProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported detection protocol version %d", ErrInvalidInput, version)
	}
	if w.FrameNumber == nil {
		return nil, fmt.Errorf("%w: motion record missing frame_number", ErrInvalidInput)
	}
	if w.FramePath == "" {
		return nil, fmt.Errorf("%w: motion record missing frame_path", ErrInvalidInput)
	}

	regions := []Rectangle{}
	if len(w.Regions) > 0 && string(w.Regions) != "null" {
		if err := json.Unmarshal(w.Regions, &regions); err != nil {
			return nil, fmt.Errorf("%w: decode regions: %v", ErrInvalidInput, err)
		}
	}

	return &MotionRecord{
		Version:        version,
		FrameNumber:    *w.FrameNumber,
		FramePath:      w.FramePath,
		MotionDetected: w.MotionDetected,
		Regions:        regions,
	}, nil
}

// DecodeFrameAnnouncement parses a channel A message
func DecodeFrameAnnouncement(body []byte) (FrameAnnouncement, error) {
	var raw struct {
		FrameNumber *uint64 `json:"frame_number"`
		FramePath   string  `json:"frame_path"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return FrameAnnouncement{}, fmt.Errorf("%w: decode frame announcement: %v", ErrInvalidInput, err)
	}
	if raw.FrameNumber == nil || raw.FramePath == "" {
		return FrameAnnouncement{}, fmt.Errorf("%w: frame announcement requires frame_number and frame_path", ErrInvalidInput)
	}
	return FrameAnnouncement{FrameNumber: *raw.FrameNumber, FramePath: raw.FramePath}, nil
}
