// SPDX-License-Identifier: MIT

package roiconfig

import (
	"encoding/json"
	"fmt"
)

// Legacy positional layout, by index:
//
//	0 idx, 1 type, 2..5 coords, 6 focus, 7 exposure, 8 rotation,
//	9 device_location, 10 enabled, 11 ai_threshold/expected params,
//	12 expected_text, 13 is_device_barcode, 14 expected_color
//
// Arrays shorter than the full layout get defaults for the missing
// trailing positions. Arrays shorter than 9 entries are rejected.
func (r *ROI) unmarshalLegacyArray(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 9 {
		return fmt.Errorf("legacy roi array too short: %d entries", len(raw))
	}

	out := ROI{
		DeviceLocation: 1,
		Enabled:        true,
	}
	ints := func(pos int, dst *int) error {
		return json.Unmarshal(raw[pos], dst)
	}

	if err := ints(0, &out.Idx); err != nil {
		return fmt.Errorf("legacy roi idx: %w", err)
	}
	var typ int
	if err := ints(1, &typ); err != nil {
		return fmt.Errorf("legacy roi type: %w", err)
	}
	out.Type = ROIType(typ)
	for i := 0; i < 4; i++ {
		if err := ints(2+i, &out.Coords[i]); err != nil {
			return fmt.Errorf("legacy roi coords[%d]: %w", i, err)
		}
	}
	if err := ints(6, &out.Focus); err != nil {
		return fmt.Errorf("legacy roi focus: %w", err)
	}
	if err := ints(7, &out.Exposure); err != nil {
		return fmt.Errorf("legacy roi exposure: %w", err)
	}
	if err := ints(8, &out.Rotation); err != nil {
		return fmt.Errorf("legacy roi rotation: %w", err)
	}

	if len(raw) > 9 {
		if err := ints(9, &out.DeviceLocation); err != nil {
			return fmt.Errorf("legacy roi device_location: %w", err)
		}
	}
	if len(raw) > 10 {
		if err := json.Unmarshal(raw[10], &out.Enabled); err != nil {
			return fmt.Errorf("legacy roi enabled: %w", err)
		}
	}
	if len(raw) > 11 && !isNull(raw[11]) {
		var threshold float64
		if err := json.Unmarshal(raw[11], &threshold); err != nil {
			return fmt.Errorf("legacy roi ai_threshold: %w", err)
		}
		out.AIThreshold = &threshold
	}
	if len(raw) > 12 && !isNull(raw[12]) {
		var text string
		if err := json.Unmarshal(raw[12], &text); err != nil {
			return fmt.Errorf("legacy roi expected_text: %w", err)
		}
		out.ExpectedText = &text
	}
	if len(raw) > 13 && !isNull(raw[13]) {
		var flag bool
		if err := json.Unmarshal(raw[13], &flag); err != nil {
			return fmt.Errorf("legacy roi is_device_barcode: %w", err)
		}
		out.IsDeviceBarcode = &flag
	}
	if len(raw) > 14 && !isNull(raw[14]) {
		var rgb [3]int
		if err := json.Unmarshal(raw[14], &rgb); err != nil {
			return fmt.Errorf("legacy roi expected_color: %w", err)
		}
		out.ExpectedColor = &rgb
	}

	*r = out
	return nil
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// normalize fills type-specific defaults and clears fields that do not
// belong to the ROI's type. Returns the canonical form.
func normalize(r ROI) ROI {
	if r.DeviceLocation == 0 {
		r.DeviceLocation = 1
	}

	// clear cross-type leftovers first
	threshold, method := r.AIThreshold, r.FeatureMethod
	text := r.ExpectedText
	deviceBarcode := r.IsDeviceBarcode
	colorVal := r.ExpectedColor
	tolerance, minPct := r.ColorTolerance, r.MinPixelPercentage

	r.AIThreshold, r.FeatureMethod = nil, ""
	r.ExpectedText = nil
	r.IsDeviceBarcode = nil
	r.ExpectedColor = nil
	r.ColorTolerance = 0
	r.MinPixelPercentage = 0

	switch r.Type {
	case TypeBarcode:
		if deviceBarcode == nil {
			f := false
			deviceBarcode = &f
		}
		r.IsDeviceBarcode = deviceBarcode
	case TypeCompare:
		if threshold == nil {
			v := DefaultAIThreshold
			threshold = &v
		}
		if method == "" {
			method = MethodMobileNet
		}
		r.AIThreshold = threshold
		r.FeatureMethod = method
	case TypeOCR:
		r.ExpectedText = text
	case TypeColor:
		r.ExpectedColor = colorVal
		if tolerance <= 0 {
			tolerance = DefaultColorTolerance
		}
		if minPct <= 0 {
			minPct = DefaultMinPixelPercentage
		}
		r.ColorTolerance = tolerance
		r.MinPixelPercentage = minPct
	}
	return r
}
