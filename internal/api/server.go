// SPDX-License-Identifier: MIT

// Package api exposes the inspection service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prodvision/aoid/internal/config"
	"github.com/prodvision/aoid/internal/golden"
	"github.com/prodvision/aoid/internal/health"
	"github.com/prodvision/aoid/internal/inspect"
	"github.com/prodvision/aoid/internal/pathmap"
	"github.com/prodvision/aoid/internal/roiconfig"
	"github.com/prodvision/aoid/internal/session"
)

// inspector runs one inspection; satisfied by *inspect.Engine.
type inspector interface {
	Run(ctx context.Context, sessionID string, product *roiconfig.Product, dirs inspect.SessionDirs, req inspect.Request) (*inspect.Result, error)
}

// Options wires a Server.
type Options struct {
	Config   *config.Config
	Sessions *session.Manager
	Products *roiconfig.Store
	Golden   *golden.Store
	Engine   inspector
	Health   *health.Manager
	Paths    *pathmap.Translator

	// FeatureMethods reports the registered similarity methods for the
	// status endpoint.
	FeatureMethods func() []string
	// OCRReady reports whether the OCR backend is usable.
	OCRReady func() bool
}

// Server is the HTTP front end.
type Server struct {
	opts    Options
	router  chi.Router
	started time.Time
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{
		opts:    opts,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(accessLog)

	r.Get("/health", s.opts.Health.ServeHealth)
	r.Get("/ready", s.opts.Health.ServeReady)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/products", s.handleListProducts)
	r.Post("/products", s.handleCreateProduct)
	r.Get("/products/{id}/config", s.handleGetConfig)
	r.Post("/products/{id}/config", s.handleSaveConfig)

	r.Post("/session/create", s.handleCreateSession)
	r.Get("/session/{id}/status", s.handleSessionStatus)
	r.Post("/session/{id}/inspect", s.handleInspect)
	r.Post("/session/{id}/close", s.handleCloseSession)
	r.Get("/session/{id}/result", s.handleSessionResult)
	r.Get("/sessions", s.handleListSessions)

	r.Get("/schema/roi", s.handleSchemaROI)
	r.Get("/schema/result", s.handleSchemaResult)
	r.Get("/schema/version", s.handleSchemaVersion)

	r.Route("/golden-sample", func(r chi.Router) {
		r.Get("/products", s.handleGoldenProducts)
		r.Get("/{product}/{roi_id}", s.handleGoldenList)
		r.Get("/{product}/{roi_id}/metadata", s.handleGoldenMetadata)
		r.Get("/{product}/{roi_id}/download/{name}", s.handleGoldenDownload)

		// mutations are operator actions, not production traffic
		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(30, time.Minute))
			r.Post("/save", s.handleGoldenSave)
			r.Post("/promote", s.handleGoldenPromote)
			r.Post("/restore", s.handleGoldenRestore)
			r.Post("/delete", s.handleGoldenDelete)
			r.Post("/rename-folders", s.handleGoldenRenameFolders)
		})
	})

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }
