// SPDX-License-Identifier: MIT

// Package ocr recognizes text in ROI crops through Tesseract. Clients
// are pooled; a Tesseract handle is not safe for concurrent use.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/log"
)

// Options configures the engine.
type Options struct {
	// Languages is the Tesseract language list, e.g. "eng" or "eng+deu".
	Languages string
	// PoolSize bounds concurrent recognitions.
	PoolSize int
	// NormalizeUnicode applies NFC before comparison. Off by default;
	// expected_text values are authored in ASCII on most lines.
	NormalizeUnicode bool
}

// Engine is a pooled Tesseract front end.
type Engine struct {
	opts  Options
	pool  chan *gosseract.Client
	ready bool

	mu     sync.Mutex
	closed bool
}

// New builds the engine and probes the Tesseract installation. A probe
// failure returns a functioning engine whose Ready() is false; ROIs
// needing OCR then fail with DEP_MISSING instead of blocking startup.
func New(opts Options) *Engine {
	if opts.PoolSize < 1 {
		opts.PoolSize = 2
	}
	if opts.Languages == "" {
		opts.Languages = "eng"
	}
	e := &Engine{opts: opts, pool: make(chan *gosseract.Client, opts.PoolSize)}

	if err := e.probe(); err != nil {
		log.WithComponent("ocr").Error().Err(err).
			Str("event", "ocr.unavailable").
			Msg("tesseract probe failed, ocr rois will report DEP_MISSING")
		return e
	}
	for i := 0; i < opts.PoolSize; i++ {
		e.pool <- e.newClient()
	}
	e.ready = true
	return e
}

func (e *Engine) newClient() *gosseract.Client {
	client := gosseract.NewClient()
	_ = client.SetLanguage(strings.Split(e.opts.Languages, "+")...)
	return client
}

// probe runs a recognition on a tiny blank image to verify the runtime
// and language data are present.
func (e *Engine) probe() error {
	client := gosseract.NewClient()
	defer func() { _ = client.Close() }()
	if err := client.SetLanguage(strings.Split(e.opts.Languages, "+")...); err != nil {
		return fmt.Errorf("set language %q: %w", e.opts.Languages, err)
	}

	blank := image.NewGray(image.Rect(0, 0, 32, 32))
	var buf bytes.Buffer
	if err := png.Encode(&buf, blank); err != nil {
		return err
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return fmt.Errorf("set probe image: %w", err)
	}
	if _, err := client.Text(); err != nil {
		return fmt.Errorf("probe recognition: %w", err)
	}
	return nil
}

// Ready reports whether Tesseract is usable.
func (e *Engine) Ready() bool { return e.ready }

// Recognize extracts text from img.
func (e *Engine) Recognize(ctx context.Context, img image.Image) (string, error) {
	if !e.ready {
		return "", apierr.New(apierr.KindDepMissing, "ocr engine unavailable")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", apierr.New(apierr.KindDepMissing, "ocr engine closed")
	}

	var client *gosseract.Client
	select {
	case client = <-e.pool:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { e.pool <- client }()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode crop for ocr: %w", err)
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("set ocr image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr recognition: %w", err)
	}
	return text, nil
}

// Normalize canonicalizes recognized or expected text for comparison:
// whitespace runs collapse to single spaces, ends trimmed, case folded
// unless caseSensitive.
func (e *Engine) Normalize(s string, caseSensitive bool) string {
	if e.opts.NormalizeUnicode {
		s = norm.NFC.String(s)
	}
	s = strings.Join(strings.Fields(s), " ")
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

// Close drains and releases the pooled clients, waiting for in-flight
// recognitions to hand theirs back. The channel is never closed, so a
// late hand-back cannot panic. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed || !e.ready {
		e.closed = true
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var firstErr error
	for i := 0; i < e.opts.PoolSize; i++ {
		client := <-e.pool
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
