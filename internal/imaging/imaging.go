// SPDX-License-Identifier: MIT

// Package imaging loads inspection images into the canonical in-memory
// form (8-bit NRGBA) and provides the crop/rotate/save primitives the
// ROI pipeline works on.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/fsutil"
	"github.com/prodvision/aoid/internal/metrics"
)

// Source describes where an inspection image comes from. Exactly one
// field is set; priority is Path > Filename > Inline.
type Source struct {
	// Path is an absolute service-local path (already translated).
	Path string
	// Filename is relative to the session's input directory.
	Filename string
	// Inline holds raw encoded image bytes.
	Inline []byte
}

// Load decodes the source into the canonical NRGBA form.
func Load(ctx context.Context, src Source, sessionInputDir string) (*image.NRGBA, error) {
	switch {
	case src.Path != "":
		return loadFile(src.Path)
	case src.Filename != "":
		path, err := fsutil.Confine(sessionInputDir, src.Filename)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, "invalid image filename", err)
		}
		return loadFile(path)
	case len(src.Inline) > 0:
		img, err := imaging.Decode(bytes.NewReader(src.Inline), imaging.AutoOrientation(true))
		if err != nil {
			metrics.IncDecodeFailure()
			return nil, apierr.Wrap(apierr.KindDecode, "decode inline image", err)
		}
		return imaging.Clone(img), nil
	default:
		return nil, apierr.New(apierr.KindValidation, "no image source provided")
	}
}

func loadFile(path string) (*image.NRGBA, error) {
	if err := fsutil.IsRegularFile(path); err != nil {
		metrics.IncDecodeFailure()
		return nil, apierr.Wrap(apierr.KindDecode, fmt.Sprintf("image file %s", filepath.Base(path)), err)
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		metrics.IncDecodeFailure()
		return nil, apierr.Wrap(apierr.KindDecode, fmt.Sprintf("decode image %s", filepath.Base(path)), err)
	}
	return imaging.Clone(img), nil
}

// Crop extracts coords [x1,y1,x2,y2] from img. Coordinates must lie
// within the image bounds.
func Crop(img *image.NRGBA, coords [4]int) (*image.NRGBA, error) {
	x1, y1, x2, y2 := coords[0], coords[1], coords[2], coords[3]
	b := img.Bounds()
	if x1 < b.Min.X || y1 < b.Min.Y || x2 > b.Max.X || y2 > b.Max.Y || x1 >= x2 || y1 >= y2 {
		return nil, apierr.Newf(apierr.KindOutOfBounds,
			"roi [%d,%d,%d,%d] exceeds image %dx%d", x1, y1, x2, y2, b.Dx(), b.Dy())
	}
	return imaging.Crop(img, image.Rect(x1, y1, x2, y2)), nil
}

// Rotate applies a clockwise rotation of 0, 90, 180 or 270 degrees.
func Rotate(img *image.NRGBA, degrees int) (*image.NRGBA, error) {
	switch ((degrees % 360) + 360) % 360 {
	case 0:
		return img, nil
	case 90:
		// imaging rotates counter-clockwise
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	default:
		return nil, apierr.Newf(apierr.KindValidation, "unsupported rotation %d", degrees)
	}
}

// SaveJPEG encodes img and writes it atomically to path.
func SaveJPEG(img image.Image, path string) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(92)); err != nil {
		return fmt.Errorf("encode jpeg: %w", err)
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes())
}

// DecodeBytes decodes encoded bytes into the canonical form. Used by
// the golden store when comparing backup samples.
func DecodeBytes(data []byte) (*image.NRGBA, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindDecode, "decode sample", err)
	}
	return imaging.Clone(img), nil
}

// StretchContrast rescales each channel to the full [0,255] range.
// Used by color ROIs with lighting normalization enabled.
func StretchContrast(img *image.NRGBA) *image.NRGBA {
	out := imaging.Clone(img)
	var lo, hi [3]uint8
	for c := 0; c < 3; c++ {
		lo[c], hi[c] = 255, 0
	}
	px := out.Pix
	for i := 0; i < len(px); i += 4 {
		for c := 0; c < 3; c++ {
			v := px[i+c]
			if v < lo[c] {
				lo[c] = v
			}
			if v > hi[c] {
				hi[c] = v
			}
		}
	}
	for c := 0; c < 3; c++ {
		span := int(hi[c]) - int(lo[c])
		if span <= 0 {
			continue
		}
		for i := c; i < len(px); i += 4 {
			px[i] = uint8((int(px[i]) - int(lo[c])) * 255 / span)
		}
	}
	return out
}

// EnsureDir creates dir with the service's default permissions.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o750)
}
