// SPDX-License-Identifier: MIT

// Package barcode decodes 1D/2D codes from ROI crops using the ZXing
// port. "Nothing found" is an empty result list, never an error.
package barcode

import (
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/aztec"
	"github.com/makiuchi-d/gozxing/datamatrix"
	multiqr "github.com/makiuchi-d/gozxing/multi/qrcode"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/prodvision/aoid/internal/log"
)

// Result is one decoded symbol.
type Result struct {
	Text       string  `json:"text"`
	Format     string  `json:"format"`
	Confidence float64 `json:"confidence"`
}

// Decoder tries the supported symbologies in turn. Fresh readers are
// built per call; the ZXing state machines are not safe for concurrent
// reuse.
type Decoder struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewDecoder returns a Decoder trying all supported formats.
func NewDecoder() *Decoder {
	return &Decoder{
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

// Decode scans img for barcodes. Multiple symbols are returned when
// present; decoding failures yield an empty list.
func (d *Decoder) Decode(img image.Image) []Result {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		log.WithComponent("barcode").Debug().Err(err).Msg("binarize crop failed")
		return []Result{}
	}

	// multi-symbol QR first; labels routinely carry more than one code
	if results, err := multiqr.NewQRCodeMultiReader().DecodeMultiple(bmp, d.hints); err == nil && len(results) > 0 {
		return convert(results)
	}

	for _, reader := range d.readers() {
		if result, err := reader.Decode(bmp, d.hints); err == nil && result != nil {
			return convert([]*gozxing.Result{result})
		}
	}
	return []Result{}
}

func (d *Decoder) readers() []gozxing.Reader {
	return []gozxing.Reader{
		qrcode.NewQRCodeReader(),
		oned.NewMultiFormatUPCEANReader(d.hints),
		oned.NewCode128Reader(),
		oned.NewCode39Reader(),
		datamatrix.NewDataMatrixReader(),
		aztec.NewAztecReader(),
	}
}

func convert(in []*gozxing.Result) []Result {
	out := make([]Result, 0, len(in))
	for _, r := range in {
		if r == nil || r.GetText() == "" {
			continue
		}
		out = append(out, Result{
			Text:   r.GetText(),
			Format: r.GetBarcodeFormat().String(),
			// ZXing reports no confidence; a successful decode is certain
			Confidence: 1.0,
		})
	}
	return out
}
