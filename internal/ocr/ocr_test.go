// SPDX-License-Identifier: MIT

package ocr

import (
	"context"
	"image"
	"testing"

	"github.com/otiai10/gosseract/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	e := &Engine{opts: Options{}}

	tests := []struct {
		in            string
		caseSensitive bool
		want          string
	}{
		{"  ABC  123 ", false, "abc 123"},
		{"ABC\n123", false, "abc 123"},
		{"ABC\t 123", true, "ABC 123"},
		{"", false, ""},
		{"single", false, "single"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Normalize(tt.in, tt.caseSensitive), "input %q", tt.in)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	// never-ready engine: probe failed, pool was never filled
	e := &Engine{opts: Options{PoolSize: 2}, pool: make(chan *gosseract.Client, 2)}
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())
}

func TestRecognizeAfterCloseFailsWithoutPanic(t *testing.T) {
	e := &Engine{opts: Options{PoolSize: 1}, pool: make(chan *gosseract.Client, 1), ready: true}
	e.pool <- gosseract.NewClient()

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 8, 8)))
	assert.Error(t, err)
}

func TestNormalizeUnicodeOptIn(t *testing.T) {
	// "é" as combining sequence vs precomposed
	combining := "cafe\u0301"
	precomposed := "caf\u00e9"

	plain := &Engine{opts: Options{}}
	assert.NotEqual(t, plain.Normalize(combining, true), plain.Normalize(precomposed, true),
		"NFC must be off by default")

	nfc := &Engine{opts: Options{NormalizeUnicode: true}}
	assert.Equal(t, nfc.Normalize(combining, true), nfc.Normalize(precomposed, true))
}
