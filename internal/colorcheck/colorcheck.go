// SPDX-License-Identifier: MIT

// Package colorcheck measures how much of a crop conforms to an
// expected dominant color.
package colorcheck

import (
	"image"
	"math"

	"github.com/prodvision/aoid/internal/imaging"
)

// Params describe a color ROI's acceptance criterion.
type Params struct {
	Expected [3]int
	// Tolerance is the maximum Euclidean RGB distance for a pixel to
	// count as conforming.
	Tolerance int
	// MinPixelPercentage is the pass threshold in percent.
	MinPixelPercentage float64
	// NormalizeLighting applies a per-channel histogram stretch before
	// measuring, mitigating exposure drift between captures.
	NormalizeLighting bool
}

// Result reports the measurement.
type Result struct {
	// Fraction of conforming pixels in [0,1].
	Fraction float64
	Passed   bool
}

// Check measures img against p.
func Check(img *image.NRGBA, p Params) Result {
	if p.NormalizeLighting {
		img = imaging.StretchContrast(img)
	}

	tolSq := float64(p.Tolerance) * float64(p.Tolerance)
	er, eg, eb := float64(p.Expected[0]), float64(p.Expected[1]), float64(p.Expected[2])

	total := 0
	conforming := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			dr := float64(img.Pix[i]) - er
			dg := float64(img.Pix[i+1]) - eg
			db := float64(img.Pix[i+2]) - eb
			if dr*dr+dg*dg+db*db <= tolSq {
				conforming++
			}
			total++
			i += 4
		}
	}
	if total == 0 {
		return Result{}
	}

	fraction := float64(conforming) / float64(total)
	// round to stable 4 decimals for reporting
	fraction = math.Round(fraction*10000) / 10000
	return Result{
		Fraction: fraction,
		Passed:   fraction >= p.MinPixelPercentage/100,
	}
}
