// SPDX-License-Identifier: MIT

package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/inspect"
	"github.com/prodvision/aoid/internal/log"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductID string `json:"product_id"`
		ClientTag string `json:"client_tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, r, "invalid request body: "+err.Error())
		return
	}
	if body.ProductID == "" {
		writeValidation(w, r, "product_id is required")
		return
	}
	// the session binds to a product; it must exist
	if _, err := s.opts.Products.Load(body.ProductID); err != nil {
		if apierr.KindOf(err) == apierr.KindNotFound {
			writeError(w, r, apierr.Newf(apierr.KindValidation, "unknown product %q", body.ProductID))
			return
		}
		writeError(w, r, err)
		return
	}

	sess, err := s.opts.Sessions.Create(body.ProductID, body.ClientTag)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Close(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.opts.Sessions.List()})
}

// handleSessionResult re-serves the persisted result of the last
// inspect call for this session.
func (s *Server) handleSessionResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.opts.Sessions.Get(id); err != nil {
		writeError(w, r, err)
		return
	}

	data, err := os.ReadFile(filepath.Join(s.opts.Sessions.Dir(id), "result.json"))
	if err != nil {
		writeError(w, r, apierr.Newf(apierr.KindNotFound, "no inspection result for session %s", id))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// inspectBody is the inspect request wire form.
type inspectBody struct {
	ProductID      string          `json:"product_id"`
	ImagePath      string          `json:"image_path"`
	ImageFilename  string          `json:"image_filename"`
	Image          string          `json:"image"`
	DeviceBarcodes json.RawMessage `json:"device_barcodes"`
	DeviceBarcode  string          `json:"device_barcode"`
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.opts.Sessions.Active(id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var body inspectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, r, "invalid request body: "+err.Error())
		return
	}
	if body.ProductID != "" && body.ProductID != sess.ProductID {
		writeError(w, r, apierr.Newf(apierr.KindValidation,
			"session is bound to product %q, cannot inspect as %q", sess.ProductID, body.ProductID))
		return
	}

	req, err := s.bindInspect(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	product, err := s.opts.Products.Load(sess.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.opts.Sessions.Touch(id)
	ctx := log.ContextWithSessionID(r.Context(), id)
	result, err := s.opts.Engine.Run(ctx, id, product, inspect.SessionDirs{
		Root:   s.opts.Sessions.Dir(id),
		Input:  s.opts.Sessions.InputDir(id),
		Output: s.opts.Sessions.OutputDir(id),
	}, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.opts.Sessions.Touch(id)
	writeJSON(w, http.StatusOK, result)
}

// bindInspect validates the image source and normalizes barcodes.
func (s *Server) bindInspect(body inspectBody) (inspect.Request, error) {
	var req inspect.Request

	sources := 0
	if body.ImagePath != "" {
		sources++
		req.Source.Path = s.opts.Paths.ToLocal(body.ImagePath)
	}
	if body.ImageFilename != "" {
		sources++
		req.Source.Filename = body.ImageFilename
	}
	if body.Image != "" {
		sources++
		raw, err := base64.StdEncoding.DecodeString(body.Image)
		if err != nil {
			return req, apierr.Wrap(apierr.KindValidation, "image is not valid base64", err)
		}
		req.Source.Inline = raw
	}
	if sources != 1 {
		return req, apierr.New(apierr.KindValidation,
			"exactly one of image_path, image_filename or image must be set").
			WithDetails(map[string]any{"sources_provided": sources})
	}

	barcodes, err := normalizeDeviceBarcodes(body.DeviceBarcodes)
	if err != nil {
		return req, err
	}
	req.DeviceBarcodes = barcodes
	req.LegacyDeviceBarcode = body.DeviceBarcode
	return req, nil
}

// normalizeDeviceBarcodes accepts both the object form {"1": "X"} and
// the positional array form ["X", "Y"].
func normalizeDeviceBarcodes(raw json.RawMessage) (map[int]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		out := make(map[int]string, len(asMap))
		for k, v := range asMap {
			device, err := strconv.Atoi(k)
			if err != nil || device < 1 {
				return nil, apierr.Newf(apierr.KindValidation, "invalid device id %q in device_barcodes", k)
			}
			out[device] = v
		}
		return out, nil
	}

	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		out := make(map[int]string, len(asList))
		for i, v := range asList {
			out[i+1] = v
		}
		return out, nil
	}

	return nil, apierr.New(apierr.KindValidation, "device_barcodes must be an object or an array of strings")
}
