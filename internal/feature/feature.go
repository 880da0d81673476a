// SPDX-License-Identifier: MIT

// Package feature computes image similarity for compare ROIs. Two
// methods are supported: "mobilenet" (cosine similarity of embedding
// vectors from a pretrained classifier) and "opencv" (ratio-test match
// proportion of ORB descriptors).
package feature

import (
	"context"
	"fmt"
	"image"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/log"
)

// Features is an opaque method-specific feature set. Callers must
// Close it when done; some backends hold native memory.
type Features interface {
	Method() string
	Close() error
}

// Extractor turns images into Features and scores pairs of them.
// Implementations must be safe for concurrent use after Warmup.
type Extractor interface {
	Method() string
	Warmup(ctx context.Context) error
	Extract(ctx context.Context, img *image.NRGBA) (Features, error)
	Similarity(a, b Features) (float64, error)
	Close() error
}

type entry struct {
	ext  Extractor
	once sync.Once

	// mu guards warmErr; Ready can race the first warm-up
	mu      sync.Mutex
	warmErr error
}

func (e *entry) warmResult() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warmErr
}

// Registry dispatches by method name, performs at-most-once warm-up per
// extractor and bounds concurrent extractions with a semaphore (the
// native backends are memory-hungry).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	sem     *semaphore.Weighted
}

// NewRegistry returns a Registry allowing maxConcurrent simultaneous
// extractions.
func NewRegistry(maxConcurrent int) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Registry{
		entries: make(map[string]*entry),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Register adds an extractor under its method name.
func (r *Registry) Register(ext Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ext.Method()] = &entry{ext: ext}
}

// Ready reports whether at least one extractor warmed up successfully
// or has not been exercised yet (warm-up is lazy).
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.warmResult() == nil {
			return true
		}
	}
	return false
}

// Methods lists the registered method names.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for m := range r.entries {
		out = append(out, m)
	}
	return out
}

func (r *Registry) get(method string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[method]
	r.mu.RUnlock()
	if !ok {
		return nil, apierr.Newf(apierr.KindDepMissing, "feature method %q unavailable", method)
	}
	return e, nil
}

// warm runs the extractor's warm-up exactly once.
func (r *Registry) warm(ctx context.Context, e *entry) error {
	e.once.Do(func() {
		logger := log.WithComponent("feature")
		logger.Info().Str("event", "feature.warmup").Str("method", e.ext.Method()).Msg("warming up extractor")
		err := e.ext.Warmup(ctx)
		if err != nil {
			logger.Error().Err(err).Str("method", e.ext.Method()).Msg("extractor warm-up failed")
		}
		e.mu.Lock()
		e.warmErr = err
		e.mu.Unlock()
	})
	if err := e.warmResult(); err != nil {
		return apierr.Wrap(apierr.KindDepMissing,
			fmt.Sprintf("feature method %q failed to initialize", e.ext.Method()), err)
	}
	return nil
}

// Extract computes features for img with the given method.
func (r *Registry) Extract(ctx context.Context, method string, img *image.NRGBA) (Features, error) {
	e, err := r.get(method)
	if err != nil {
		return nil, err
	}
	if err := r.warm(ctx, e); err != nil {
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	return e.ext.Extract(ctx, img)
}

// Similarity scores two feature sets of the same method in [0,1].
func (r *Registry) Similarity(method string, a, b Features) (float64, error) {
	e, err := r.get(method)
	if err != nil {
		return 0, err
	}
	return e.ext.Similarity(a, b)
}

// Compare is the one-shot path: extract both images and score them.
func (r *Registry) Compare(ctx context.Context, method string, probe, golden *image.NRGBA) (float64, error) {
	pf, err := r.Extract(ctx, method, probe)
	if err != nil {
		return 0, err
	}
	defer func() { _ = pf.Close() }()
	gf, err := r.Extract(ctx, method, golden)
	if err != nil {
		return 0, err
	}
	defer func() { _ = gf.Close() }()
	return r.Similarity(method, pf, gf)
}

// Close releases all extractors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, e := range r.entries {
		if err := e.ext.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
