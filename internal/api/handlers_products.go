// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/prodvision/aoid/internal/roiconfig"
)

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	ids, err := s.opts.Products.List()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": ids})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductID   string `json:"product_id"`
		Description string `json:"description"`
		DeviceCount int    `json:"device_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidation(w, r, "invalid request body: "+err.Error())
		return
	}
	if body.ProductID == "" {
		writeValidation(w, r, "product_id is required")
		return
	}
	if body.DeviceCount < 1 || body.DeviceCount > 4 {
		writeValidation(w, r, "device_count must be between 1 and 4")
		return
	}

	p, err := s.opts.Products.Create(body.ProductID, body.Description, body.DeviceCount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	p, err := s.opts.Products.Load(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var p roiconfig.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeValidation(w, r, "invalid configuration body: "+err.Error())
		return
	}

	saved, err := s.opts.Products.Save(chi.URLParam(r, "id"), &p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}
