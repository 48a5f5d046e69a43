package playback

import (
	"image"
	"time"

	"motionpipe/internal/imaging"
	"motionpipe/pkg/models"
)

const (
	// TimestampLayout renders as DD.MM.YYYY HH:MM:SS
	TimestampLayout = "02.01.2006 15:04:05"

	// BlurSigma matches a 21x21 Gaussian kernel with derived sigma
	BlurSigma = 0.3*((21-1)*0.5-1) + 0.8

	outlineThickness = 2
)

// TimestampOrigin is the baseline start of the timestamp overlay
var TimestampOrigin = image.Pt(10, 30)

// Annotate copies img, outlines every region and blurs it. The outline is
// blurred together with the region.
func Annotate(img image.Image, regions []models.Rectangle) *image.RGBA {
	out := imaging.ToRGBA(img)
	for _, r := range regions {
		rect := r.ImageRect()
		imaging.DrawRect(out, rect, imaging.Green, outlineThickness)
		imaging.BlurRect(out, rect, BlurSigma)
	}
	return out
}

// Stamp draws the release time onto img
func Stamp(img *image.RGBA, t time.Time) {
	imaging.DrawText(img, t.Format(TimestampLayout), TimestampOrigin, imaging.White)
}
