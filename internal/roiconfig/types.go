// SPDX-License-Identifier: MIT

// Package roiconfig stores and validates per-product ROI definitions.
// The wire form is a flat object with nullable type-specific fields;
// legacy positional arrays are normalized on load.
package roiconfig

import (
	"encoding/json"
	"fmt"
)

// ROIType discriminates the processing applied to a region.
type ROIType int

const (
	TypeBarcode ROIType = 1
	TypeCompare ROIType = 2
	TypeOCR     ROIType = 3
	TypeColor   ROIType = 4
)

// String returns the wire name of the type.
func (t ROIType) String() string {
	switch t {
	case TypeBarcode:
		return "barcode"
	case TypeCompare:
		return "compare"
	case TypeOCR:
		return "ocr"
	case TypeColor:
		return "color"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether t is a known type.
func (t ROIType) Valid() bool { return t >= TypeBarcode && t <= TypeColor }

// Feature methods for compare ROIs.
const (
	MethodMobileNet = "mobilenet"
	MethodOpenCV    = "opencv"
)

// Defaults for color ROIs.
const (
	DefaultColorTolerance     = 50
	DefaultMinPixelPercentage = 70.0
	DefaultAIThreshold        = 0.8
)

// ROI is a single region-of-interest definition. Fields irrelevant to
// the type stay nil on the wire.
type ROI struct {
	Idx            int     `json:"idx"`
	Type           ROIType `json:"type"`
	Coords         [4]int  `json:"coords"`
	Focus          int     `json:"focus"`
	Exposure       int     `json:"exposure"`
	Rotation       int     `json:"rotation"`
	DeviceLocation int     `json:"device_location"`
	Enabled        bool    `json:"enabled"`

	// type 2 (compare)
	AIThreshold   *float64 `json:"ai_threshold,omitempty"`
	FeatureMethod string   `json:"feature_method,omitempty"`

	// type 3 (ocr)
	ExpectedText  *string `json:"expected_text,omitempty"`
	CaseSensitive bool    `json:"case_sensitive,omitempty"`

	// type 1 (barcode)
	IsDeviceBarcode *bool `json:"is_device_barcode,omitempty"`

	// type 4 (color)
	ExpectedColor      *[3]int `json:"expected_color,omitempty"`
	ColorTolerance     int     `json:"color_tolerance,omitempty"`
	MinPixelPercentage float64 `json:"min_pixel_percentage,omitempty"`
	NormalizeLighting  bool    `json:"normalize_lighting,omitempty"`

	Notes string `json:"notes,omitempty"`
}

// Product is the per-product configuration.
type Product struct {
	ProductID   string `json:"product_id"`
	Description string `json:"description"`
	DeviceCount int    `json:"device_count"`
	ROIs        []ROI  `json:"rois"`
}

// EnabledROIs returns the enabled ROIs in ascending idx order. ROIs are
// stored sorted, so this is a filter.
func (p *Product) EnabledROIs() []ROI {
	out := make([]ROI, 0, len(p.ROIs))
	for _, r := range p.ROIs {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy of p. Stores hand out clones so cached
// snapshots stay immutable.
func (p *Product) Clone() *Product {
	cp := *p
	cp.ROIs = make([]ROI, len(p.ROIs))
	for i, r := range p.ROIs {
		cp.ROIs[i] = cloneROI(r)
	}
	return &cp
}

func cloneROI(r ROI) ROI {
	if r.AIThreshold != nil {
		v := *r.AIThreshold
		r.AIThreshold = &v
	}
	if r.ExpectedText != nil {
		v := *r.ExpectedText
		r.ExpectedText = &v
	}
	if r.IsDeviceBarcode != nil {
		v := *r.IsDeviceBarcode
		r.IsDeviceBarcode = &v
	}
	if r.ExpectedColor != nil {
		v := *r.ExpectedColor
		r.ExpectedColor = &v
	}
	return r
}

// UnmarshalJSON accepts both the named object form and the legacy
// positional array form.
func (r *ROI) UnmarshalJSON(data []byte) error {
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		return r.unmarshalLegacyArray(data)
	}
	type alias ROI
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*r = ROI(a)
	return nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
