// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/prodvision/aoid/internal/inspect"
	"github.com/prodvision/aoid/internal/roiconfig"
	"github.com/prodvision/aoid/internal/session"
	"github.com/prodvision/aoid/internal/version"
)

// SchemaVersion bumps when the ROI or result wire structure changes.
const SchemaVersion = "2.3"

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, sess := range s.opts.Sessions.List() {
		if sess.State == session.StateActive {
			active++
		}
	}

	methods := []string{}
	if s.opts.FeatureMethods != nil {
		methods = s.opts.FeatureMethods()
	}
	ocrReady := false
	if s.opts.OCRReady != nil {
		ocrReady = s.opts.OCRReady()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":         version.Get(),
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"sessions_active": active,
		"feature_methods": methods,
		"ocr_ready":       ocrReady,
		"auto_promote":    s.opts.Config.AutoPromoteGolden,
	})
}

func (s *Server) handleSchemaROI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": SchemaVersion,
		"roi":            structSchema(reflect.TypeOf(roiconfig.ROI{})),
		"roi_types": map[string]int{
			"barcode": int(roiconfig.TypeBarcode),
			"compare": int(roiconfig.TypeCompare),
			"ocr":     int(roiconfig.TypeOCR),
			"color":   int(roiconfig.TypeColor),
		},
	})
}

func (s *Server) handleSchemaResult(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": SchemaVersion,
		"result":         structSchema(reflect.TypeOf(inspect.Result{})),
		"device_summary": structSchema(reflect.TypeOf(inspect.DeviceSummary{})),
		"roi_result":     structSchema(reflect.TypeOf(inspect.ROIResult{})),
	})
}

func (s *Server) handleSchemaVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version":  SchemaVersion,
		"service_version": version.Version,
	})
}

// structSchema renders the json field layout of a struct type, so the
// endpoint always reflects the structures actually in use.
func structSchema(t reflect.Type) map[string]string {
	out := make(map[string]string, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name := strings.Split(tag, ",")[0]
		out[name] = typeName(f.Type)
	}
	return out
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Ptr:
		return typeName(t.Elem()) + "?"
	case reflect.Slice, reflect.Array:
		return "[]" + typeName(t.Elem())
	case reflect.Map:
		return "map[" + typeName(t.Key()) + "]" + typeName(t.Elem())
	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return "timestamp"
		}
		return t.Name()
	default:
		return t.Kind().String()
	}
}
