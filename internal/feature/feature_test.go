// SPDX-License-Identifier: MIT

package feature

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodvision/aoid/internal/apierr"
)

type stubFeatures struct{ mean float64 }

func (stubFeatures) Method() string { return "stub" }
func (stubFeatures) Close() error   { return nil }

// stubExtractor scores images by mean-pixel proximity.
type stubExtractor struct {
	warmups atomic.Int32
	warmErr error
}

func (s *stubExtractor) Method() string { return "stub" }

func (s *stubExtractor) Warmup(context.Context) error {
	s.warmups.Add(1)
	return s.warmErr
}

func (s *stubExtractor) Extract(_ context.Context, img *image.NRGBA) (Features, error) {
	var sum, n float64
	for i := 0; i < len(img.Pix); i += 4 {
		sum += float64(img.Pix[i])
		n++
	}
	if n == 0 {
		return nil, errors.New("empty image")
	}
	return stubFeatures{mean: sum / n / 255}, nil
}

func (s *stubExtractor) Similarity(a, b Features) (float64, error) {
	af := a.(stubFeatures)
	bf := b.(stubFeatures)
	d := af.mean - bf.mean
	if d < 0 {
		d = -d
	}
	return 1 - d, nil
}

func (s *stubExtractor) Close() error { return nil }

func grayImage(v uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

func TestRegistryCompare(t *testing.T) {
	r := NewRegistry(2)
	r.Register(&stubExtractor{})

	sim, err := r.Compare(context.Background(), "stub", grayImage(200), grayImage(200))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = r.Compare(context.Background(), "stub", grayImage(0), grayImage(255))
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)
}

func TestRegistryUnknownMethod(t *testing.T) {
	r := NewRegistry(1)
	_, err := r.Compare(context.Background(), "sift", grayImage(1), grayImage(1))
	require.Error(t, err)
	assert.Equal(t, apierr.KindDepMissing, apierr.KindOf(err))
}

func TestWarmupAtMostOnce(t *testing.T) {
	r := NewRegistry(4)
	ext := &stubExtractor{}
	r.Register(ext)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Compare(context.Background(), "stub", grayImage(10), grayImage(10))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ext.warmups.Load())
}

func TestReadyConcurrentWithFirstWarmup(t *testing.T) {
	r := NewRegistry(4)
	r.Register(&stubExtractor{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Extract(context.Background(), "stub", grayImage(10))
			assert.NoError(t, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			// readiness polling must not race the warm-up write
			_ = r.Ready()
		}()
	}
	wg.Wait()
	assert.True(t, r.Ready())
}

func TestWarmupFailureIsSticky(t *testing.T) {
	r := NewRegistry(1)
	ext := &stubExtractor{warmErr: errors.New("no runtime")}
	r.Register(ext)

	for i := 0; i < 3; i++ {
		_, err := r.Extract(context.Background(), "stub", grayImage(1))
		require.Error(t, err)
		assert.Equal(t, apierr.KindDepMissing, apierr.KindOf(err))
	}
	assert.Equal(t, int32(1), ext.warmups.Load(), "failed warm-up must not retry")
	assert.False(t, r.Ready())
}

func TestMobileNetPreprocessShape(t *testing.T) {
	out := preprocessMobileNet(grayImage(255))
	require.Len(t, out, 3*224*224)
	assert.InDelta(t, 1.0, float64(out[0]), 1e-4)

	out = preprocessMobileNet(grayImage(0))
	assert.InDelta(t, -1.0, float64(out[0]), 1e-4)
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	normalizeL2(v)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)

	zero := []float32{0, 0}
	normalizeL2(zero) // must not divide by zero
	assert.Equal(t, []float32{0, 0}, zero)
}
