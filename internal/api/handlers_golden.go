// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/golden"
	"github.com/prodvision/aoid/internal/metrics"
	"github.com/prodvision/aoid/internal/roiconfig"
)

// maxGoldenUpload bounds multipart golden uploads.
const maxGoldenUpload = 32 << 20

func goldenParams(r *http.Request) (string, int, error) {
	product := chi.URLParam(r, "product")
	if !roiconfig.ValidProductID(product) {
		return "", 0, apierr.Newf(apierr.KindValidation, "invalid product id %q", product)
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "roi_id"))
	if err != nil || idx < 1 {
		return "", 0, apierr.New(apierr.KindValidation, "roi_id must be a positive integer")
	}
	return product, idx, nil
}

func (s *Server) handleGoldenProducts(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.opts.Golden.Summaries()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": summaries})
}

// goldenSampleView is a Sample plus its device-visible path.
type goldenSampleView struct {
	golden.Sample
	Path string `json:"path"`
}

func (s *Server) handleGoldenList(w http.ResponseWriter, r *http.Request) {
	product, idx, err := goldenParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	samples, err := s.opts.Golden.ListAll(product, idx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	dir := s.opts.Golden.Dir(product, idx)
	views := make([]goldenSampleView, 0, len(samples))
	for _, sm := range samples {
		views = append(views, goldenSampleView{
			Sample: sm,
			Path:   s.opts.Paths.ToClient(filepath.Join(dir, sm.Name)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": product,
		"roi_id":     idx,
		"samples":    views,
	})
}

func (s *Server) handleGoldenMetadata(w http.ResponseWriter, r *http.Request) {
	product, idx, err := goldenParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	samples, err := s.opts.Golden.ListAll(product, idx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": product,
		"roi_id":     idx,
		"samples":    samples,
	})
}

func (s *Server) handleGoldenDownload(w http.ResponseWriter, r *http.Request) {
	product, idx, err := goldenParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "name")
	data, _, err := s.opts.Golden.ReadSample(product, idx, name)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleGoldenSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxGoldenUpload); err != nil {
		writeValidation(w, r, "invalid multipart form: "+err.Error())
		return
	}
	product := r.FormValue("product_name")
	if !roiconfig.ValidProductID(product) {
		writeValidation(w, r, "invalid product_name")
		return
	}
	idx, err := strconv.Atoi(r.FormValue("roi_id"))
	if err != nil || idx < 1 {
		writeValidation(w, r, "roi_id must be a positive integer")
		return
	}

	file, _, err := r.FormFile("golden_image")
	if err != nil {
		writeValidation(w, r, "golden_image file is required")
		return
	}
	defer func() { _ = file.Close() }()

	// stream into place; the store writes atomically
	upload := bufio.NewReader(io.LimitReader(file, maxGoldenUpload))
	if _, err := upload.Peek(1); err != nil {
		writeValidation(w, r, "golden_image is empty")
		return
	}

	backup, err := s.opts.Golden.WriteNewBest(product, idx, upload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": product,
		"roi_id":     idx,
		"best":       golden.BestName,
		"displaced":  backup,
	})
}

// goldenMutation is the shared body of promote/restore/delete.
type goldenMutation struct {
	ProductName string `json:"product_name"`
	ROIID       int    `json:"roi_id"`
	Name        string `json:"name"`
}

func decodeGoldenMutation(r *http.Request) (goldenMutation, error) {
	var m goldenMutation
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		return m, apierr.Wrap(apierr.KindValidation, "invalid request body", err)
	}
	if !roiconfig.ValidProductID(m.ProductName) {
		return m, apierr.New(apierr.KindValidation, "invalid product_name")
	}
	if m.ROIID < 1 {
		return m, apierr.New(apierr.KindValidation, "roi_id must be a positive integer")
	}
	if m.Name == "" {
		return m, apierr.New(apierr.KindValidation, "name is required")
	}
	return m, nil
}

func (s *Server) handleGoldenPromote(w http.ResponseWriter, r *http.Request) {
	m, err := decodeGoldenMutation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.opts.Golden.Promote(m.ProductName, m.ROIID, m.Name); err != nil {
		writeError(w, r, err)
		return
	}
	metrics.IncPromotion("admin")
	writeJSON(w, http.StatusOK, map[string]any{"promoted": m.Name})
}

func (s *Server) handleGoldenRestore(w http.ResponseWriter, r *http.Request) {
	m, err := decodeGoldenMutation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.opts.Golden.Restore(m.ProductName, m.ROIID, m.Name); err != nil {
		writeError(w, r, err)
		return
	}
	metrics.IncPromotion("admin")
	writeJSON(w, http.StatusOK, map[string]any{"restored": m.Name})
}

func (s *Server) handleGoldenDelete(w http.ResponseWriter, r *http.Request) {
	m, err := decodeGoldenMutation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.opts.Golden.Delete(m.ProductName, m.ROIID, m.Name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": m.Name})
}

func (s *Server) handleGoldenRenameFolders(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductName string         `json:"product_name"`
		Mapping     map[string]int `json:"mapping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, r, "invalid request body: "+err.Error())
		return
	}
	if !roiconfig.ValidProductID(body.ProductName) {
		writeValidation(w, r, "invalid product_name")
		return
	}
	if len(body.Mapping) == 0 {
		writeValidation(w, r, "mapping is required")
		return
	}

	mapping := make(map[int]int, len(body.Mapping))
	for k, v := range body.Mapping {
		oldIdx, err := strconv.Atoi(k)
		if err != nil || oldIdx < 1 || v < 1 {
			writeValidation(w, r, "mapping keys and values must be positive integers")
			return
		}
		mapping[oldIdx] = v
	}

	if err := s.opts.Golden.RenameFolders(body.ProductName, mapping); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"renamed": len(mapping)})
}
