// SPDX-License-Identifier: MIT

package roiconfig

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/prodvision/aoid/internal/apierr"
)

var productIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// productShape covers the field-level checks handled by the validator;
// cross-field ROI invariants are checked separately.
type productShape struct {
	ProductID   string `validate:"required,max=64"`
	Description string `validate:"max=512"`
	DeviceCount int    `validate:"required,min=1,max=4"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// ValidProductID reports whether id is acceptable as a directory name.
func ValidProductID(id string) bool {
	return productIDPattern.MatchString(id) && len(id) <= 64
}

// Canonicalize normalizes, validates and sorts a product configuration,
// returning the canonical form or a VALIDATION_ERROR.
func Canonicalize(v *validator.Validate, p *Product) (*Product, error) {
	out := p.Clone()

	if !ValidProductID(out.ProductID) {
		return nil, apierr.Newf(apierr.KindValidation, "invalid product id %q", out.ProductID)
	}
	shape := productShape{
		ProductID:   out.ProductID,
		Description: out.Description,
		DeviceCount: out.DeviceCount,
	}
	if err := v.Struct(shape); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "product configuration", err)
	}

	seen := make(map[int]bool, len(out.ROIs))
	for i := range out.ROIs {
		out.ROIs[i] = normalize(out.ROIs[i])
		r := out.ROIs[i]
		if err := validateROI(r, out.DeviceCount); err != nil {
			return nil, err
		}
		if seen[r.Idx] {
			return nil, apierr.Newf(apierr.KindValidation, "duplicate roi idx %d", r.Idx)
		}
		seen[r.Idx] = true
	}

	sort.Slice(out.ROIs, func(i, j int) bool { return out.ROIs[i].Idx < out.ROIs[j].Idx })
	return out, nil
}

func validateROI(r ROI, deviceCount int) error {
	fail := func(format string, args ...any) error {
		return apierr.Newf(apierr.KindValidation, "roi %d: %s", r.Idx, fmt.Sprintf(format, args...))
	}

	if r.Idx <= 0 {
		return apierr.Newf(apierr.KindValidation, "roi idx must be positive, got %d", r.Idx)
	}
	if !r.Type.Valid() {
		return fail("unknown type %d", int(r.Type))
	}
	if r.Coords[0] >= r.Coords[2] || r.Coords[1] >= r.Coords[3] {
		return fail("coords must satisfy x1<x2 and y1<y2, got %v", r.Coords)
	}
	if r.Coords[0] < 0 || r.Coords[1] < 0 {
		return fail("coords must be non-negative, got %v", r.Coords)
	}
	switch r.Rotation {
	case 0, 90, 180, 270:
	default:
		return fail("rotation must be one of 0/90/180/270, got %d", r.Rotation)
	}
	if r.DeviceLocation < 1 || r.DeviceLocation > deviceCount {
		return fail("device_location %d outside 1..%d", r.DeviceLocation, deviceCount)
	}

	switch r.Type {
	case TypeBarcode:
		if r.IsDeviceBarcode == nil {
			return fail("is_device_barcode required for barcode rois")
		}
	case TypeCompare:
		if r.AIThreshold == nil {
			return fail("ai_threshold required for compare rois")
		}
		if *r.AIThreshold < 0 || *r.AIThreshold > 1 {
			return fail("ai_threshold must be in [0,1], got %v", *r.AIThreshold)
		}
		if r.FeatureMethod != MethodMobileNet && r.FeatureMethod != MethodOpenCV {
			return fail("feature_method must be %q or %q, got %q", MethodMobileNet, MethodOpenCV, r.FeatureMethod)
		}
	case TypeOCR:
		if r.ExpectedText == nil || *r.ExpectedText == "" {
			return fail("expected_text required for ocr rois")
		}
	case TypeColor:
		if r.ExpectedColor == nil {
			return fail("expected_color required for color rois")
		}
		for _, ch := range r.ExpectedColor {
			if ch < 0 || ch > 255 {
				return fail("expected_color channels must be in [0,255], got %v", *r.ExpectedColor)
			}
		}
		if r.ColorTolerance < 0 {
			return fail("color_tolerance must be non-negative, got %d", r.ColorTolerance)
		}
		if r.MinPixelPercentage <= 0 || r.MinPixelPercentage > 100 {
			return fail("min_pixel_percentage must be in (0,100], got %v", r.MinPixelPercentage)
		}
	}
	return nil
}
