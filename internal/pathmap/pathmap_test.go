// SPDX-License-Identifier: MIT

package pathmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslator(t *testing.T) {
	tr := New("//inspector/aoi", "/srv/aoi")

	tests := []struct {
		name    string
		in      string
		toLocal string
	}{
		{"device path", "//inspector/aoi/sessions/s1/input/a.jpg", "/srv/aoi/sessions/s1/input/a.jpg"},
		{"already local", "/srv/aoi/sessions/s1/input/a.jpg", "/srv/aoi/sessions/s1/input/a.jpg"},
		{"unrelated", "/tmp/a.jpg", "/tmp/a.jpg"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.toLocal, tr.ToLocal(tt.in))
		})
	}

	// round trip
	local := tr.ToLocal("//inspector/aoi/products/P1/golden_rois/roi_2/best_golden.jpg")
	assert.Equal(t, "/srv/aoi/products/P1/golden_rois/roi_2/best_golden.jpg", local)
	assert.Equal(t, "//inspector/aoi/products/P1/golden_rois/roi_2/best_golden.jpg", tr.ToClient(local))
}

func TestTranslatorIdentity(t *testing.T) {
	tr := New("", "")
	assert.Equal(t, "/any/path.jpg", tr.ToLocal("/any/path.jpg"))
	assert.Equal(t, "/any/path.jpg", tr.ToClient("/any/path.jpg"))
}

func TestTranslatorTrailingSlash(t *testing.T) {
	tr := New("//inspector/aoi/", "/srv/aoi/")
	assert.Equal(t, "/srv/aoi/x.jpg", tr.ToLocal("//inspector/aoi/x.jpg"))
}
