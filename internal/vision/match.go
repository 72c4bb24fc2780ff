// Package vision locates reference templates inside screen captures using
// single-scale normalized cross-correlation over grayscale intensity.
package vision

import (
	"bytes"
	"fmt"
	"image/png"
	"math"
)

// MinCaptureBytes is the size floor below which a local capture file is
// treated as a failed screenshot rather than a valid image.
const MinCaptureBytes = 1000

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// InvalidImageError marks an unreadable, undersized or non-PNG input. It is
// distinct from a below-threshold match, which is a normal outcome.
type InvalidImageError struct {
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
	}
	return "invalid image: " + e.Reason
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// Point is a screen coordinate.
type Point struct {
	X int
	Y int
}

// CheckPNG validates the PNG signature and the minimum capture size floor.
func CheckPNG(data []byte) error {
	if len(data) < MinCaptureBytes {
		return &InvalidImageError{Reason: fmt.Sprintf("capture is %d bytes, below the %d byte floor", len(data), MinCaptureBytes)}
	}
	if !bytes.HasPrefix(data, pngSignature) {
		return &InvalidImageError{Reason: "missing PNG signature"}
	}
	return nil
}

// gray holds a decoded single-channel intensity image.
type gray struct {
	w, h int
	pix  []float64
}

func decodeGray(data []byte, label string) (*gray, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &InvalidImageError{Reason: "decode " + label, Err: err}
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, &InvalidImageError{Reason: label + " has zero dimensions"}
	}
	g := &gray{w: w, h: h, pix: make([]float64, w*h)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gc, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// Rec. 601 luma over 16-bit channels.
			g.pix[y*w+x] = 0.299*float64(r) + 0.587*float64(gc) + 0.114*float64(b)
		}
	}
	return g, nil
}

// Locate searches for template inside screen and returns the center of the
// best match when its correlation score reaches threshold. The score is
// zero-mean normalized cross-correlation; ties resolve to the first maximum
// in raster-scan order, so results are deterministic.
//
// Precondition failures (bad PNG data, template larger than the screen)
// return an *InvalidImageError; a below-threshold best score returns
// found == false with a nil error.
func Locate(screen, template []byte, threshold float64) (Point, bool, error) {
	if err := CheckPNG(screen); err != nil {
		return Point{}, false, err
	}
	s, err := decodeGray(screen, "screen")
	if err != nil {
		return Point{}, false, err
	}
	t, err := decodeGray(template, "template")
	if err != nil {
		return Point{}, false, err
	}
	if t.w > s.w || t.h > s.h {
		return Point{}, false, &InvalidImageError{
			Reason: fmt.Sprintf("template %dx%d exceeds screen %dx%d", t.w, t.h, s.w, s.h),
		}
	}

	tMean := mean(t.pix)
	tDev := make([]float64, len(t.pix))
	var tNorm float64
	for i, v := range t.pix {
		d := v - tMean
		tDev[i] = d
		tNorm += d * d
	}

	bestScore := math.Inf(-1)
	var bestX, bestY int
	n := float64(t.w * t.h)
	for oy := 0; oy <= s.h-t.h; oy++ {
		for ox := 0; ox <= s.w-t.w; ox++ {
			var winSum float64
			for y := 0; y < t.h; y++ {
				row := (oy+y)*s.w + ox
				for x := 0; x < t.w; x++ {
					winSum += s.pix[row+x]
				}
			}
			winMean := winSum / n
			var cross, winNorm float64
			for y := 0; y < t.h; y++ {
				row := (oy+y)*s.w + ox
				trow := y * t.w
				for x := 0; x < t.w; x++ {
					d := s.pix[row+x] - winMean
					cross += d * tDev[trow+x]
					winNorm += d * d
				}
			}
			denom := math.Sqrt(tNorm * winNorm)
			if denom == 0 {
				continue
			}
			// Strict > keeps the first raster-order maximum.
			if score := cross / denom; score > bestScore {
				bestScore = score
				bestX, bestY = ox, oy
			}
		}
	}

	if bestScore < threshold {
		return Point{}, false, nil
	}
	return Point{X: bestX + t.w/2, Y: bestY + t.h/2}, true, nil
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
