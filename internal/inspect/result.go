// SPDX-License-Identifier: MIT

package inspect

import "time"

// ROIResult is one region's verdict inside an inspection response.
type ROIResult struct {
	ROIID           int     `json:"roi_id"`
	ROITypeName     string  `json:"roi_type_name"`
	DeviceID        int     `json:"device_id"`
	Passed          bool    `json:"passed"`
	Score           float64 `json:"similarity_or_score"`
	DetectedValue   string  `json:"detected_value"`
	ExpectedValue   string  `json:"expected_value"`
	Coordinates     [4]int  `json:"coordinates"`
	ROIImagePath    string  `json:"roi_image_path"`
	GoldenImagePath string  `json:"golden_image_path"`
	Error           string  `json:"error,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// DeviceSummary aggregates one device's ROI verdicts.
type DeviceSummary struct {
	DeviceID     int         `json:"device_id"`
	DevicePassed bool        `json:"device_passed"`
	Barcode      string      `json:"barcode"`
	PassedROIs   int         `json:"passed_rois"`
	TotalROIs    int         `json:"total_rois"`
	ROIResults   []ROIResult `json:"roi_results"`
	Note         string      `json:"note,omitempty"`
}

// Result is the full response of one inspect call.
type Result struct {
	SessionID       string                    `json:"session_id"`
	ProductID       string                    `json:"product_id"`
	Timestamp       time.Time                 `json:"timestamp"`
	OverallPassed   bool                      `json:"overall_passed"`
	DeviceSummaries map[string]*DeviceSummary `json:"device_summaries"`
	DurationMS      int64                     `json:"duration_ms"`
}
