// Package imaging holds the pixel operations shared by the detector and the
// playback renderer.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/gift"

	"motionpipe/pkg/models"
)

// DefaultJPEGQuality is used when frames are written back out
const DefaultJPEGQuality = 90

var (
	// Green outlines motion regions
	Green = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	// White is the timestamp color
	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Decode reads a JPEG or PNG frame. Failures wrap models.ErrFrameDecode.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", models.ErrFrameDecode)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFrameDecode, err)
	}
	return img, nil
}

// EncodeJPEG writes img as a JPEG
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// ToRGBA returns img as a mutable RGBA image with a zero origin. The input is
// never modified.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Luminance converts img to a single channel image with a zero origin
func Luminance(img image.Image) *image.Gray {
	g := gift.New(gift.Grayscale())
	dst := image.NewGray(g.Bounds(img.Bounds()))
	g.Draw(dst, img)
	return dst
}

// DiffMask binarizes the absolute difference of a and b: a pixel is 255 iff
// the difference is strictly greater than threshold.
func DiffMask(a, b *image.Gray, threshold uint8) (*image.Gray, error) {
	if a.Bounds().Size() != b.Bounds().Size() {
		return nil, fmt.Errorf("frame size mismatch: %v vs %v", a.Bounds().Size(), b.Bounds().Size())
	}

	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	mask := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		ra := a.Pix[(y)*a.Stride : (y)*a.Stride+w]
		rb := b.Pix[(y)*b.Stride : (y)*b.Stride+w]
		rm := mask.Pix[y*mask.Stride : y*mask.Stride+w]
		for x := 0; x < w; x++ {
			d := int(ra[x]) - int(rb[x])
			if d < 0 {
				d = -d
			}
			if d > int(threshold) {
				rm[x] = 255
			}
		}
	}
	return mask, nil
}

// Dilate grows the white areas of mask with a 3x3 square element,
// iterations times.
func Dilate(mask *image.Gray, iterations int) *image.Gray {
	if iterations <= 0 {
		return mask
	}

	filters := make([]gift.Filter, iterations)
	for i := range filters {
		filters[i] = gift.Maximum(3, false)
	}
	g := gift.New(filters...)
	dst := image.NewGray(g.Bounds(mask.Bounds()))
	g.Draw(dst, mask)
	return dst
}

// BlurRect applies a Gaussian blur confined to r
func BlurRect(img *image.RGBA, r image.Rectangle, sigma float32) {
	r = r.Intersect(img.Bounds())
	if r.Empty() || sigma <= 0 {
		return
	}

	sub := img.SubImage(r)
	g := gift.New(gift.GaussianBlur(sigma))
	blurred := image.NewRGBA(g.Bounds(sub.Bounds()))
	g.Draw(blurred, sub)
	draw.Draw(img, r, blurred, blurred.Bounds().Min, draw.Src)
}

// DrawRect outlines r with lines thickness pixels wide, drawn inward from the
// edge pixels (x, y) and (x+w, y+h).
func DrawRect(img draw.Image, r image.Rectangle, c color.Color, thickness int) {
	if thickness <= 0 {
		thickness = 1
	}
	outer := image.Rect(r.Min.X, r.Min.Y, r.Max.X+1, r.Max.Y+1)
	src := image.NewUniform(c)

	bands := []image.Rectangle{
		image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, outer.Min.Y+thickness),
		image.Rect(outer.Min.X, outer.Max.Y-thickness, outer.Max.X, outer.Max.Y),
		image.Rect(outer.Min.X, outer.Min.Y, outer.Min.X+thickness, outer.Max.Y),
		image.Rect(outer.Max.X-thickness, outer.Min.Y, outer.Max.X, outer.Max.Y),
	}
	for _, band := range bands {
		band = band.Intersect(outer).Intersect(img.Bounds())
		if !band.Empty() {
			draw.Draw(img, band, src, image.Point{}, draw.Src)
		}
	}
}
