// SPDX-License-Identifier: MIT

package feature

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/prodvision/aoid/internal/roiconfig"
)

const (
	orbMaxFeatures = 500
	// Lowe ratio-test threshold.
	orbRatio = 0.75
)

// orbFeatures wraps a descriptor matrix. The Mat owns native memory
// and must be closed.
type orbFeatures struct {
	desc gocv.Mat
	n    int
}

func (orbFeatures) Method() string { return roiconfig.MethodOpenCV }

func (f orbFeatures) Close() error {
	if f.desc.Ptr() != nil {
		return f.desc.Close()
	}
	return nil
}

// ORB extracts ORB keypoint descriptors and scores pairs by the
// proportion of ratio-test matches. Detectors and matchers are created
// per call; gocv handles are not safe for concurrent use.
type ORB struct {
	mu     sync.Mutex
	closed bool
}

// NewORB returns the OpenCV-backed extractor.
func NewORB() *ORB { return &ORB{} }

// Method implements Extractor.
func (o *ORB) Method() string { return roiconfig.MethodOpenCV }

// Warmup implements Extractor: constructs and releases one detector to
// verify the OpenCV runtime is present.
func (o *ORB) Warmup(_ context.Context) error {
	orb := gocv.NewORBWithParams(orbMaxFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	return orb.Close()
}

// Extract implements Extractor.
func (o *ORB) Extract(ctx context.Context, img *image.NRGBA) (Features, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rgba, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("convert image to mat: %w", err)
	}
	defer func() { _ = rgba.Close() }()

	gray := gocv.NewMat()
	defer func() { _ = gray.Close() }()
	gocv.CvtColor(rgba, &gray, gocv.ColorRGBAToGray)

	orb := gocv.NewORBWithParams(orbMaxFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer func() { _ = orb.Close() }()

	mask := gocv.NewMat()
	defer func() { _ = mask.Close() }()

	kps, desc := orb.DetectAndCompute(gray, mask)
	return orbFeatures{desc: desc, n: len(kps)}, nil
}

// Similarity implements Extractor: KNN match with k=2 and the Lowe
// ratio test; score is good matches over the smaller descriptor count.
func (o *ORB) Similarity(a, b Features) (float64, error) {
	af, ok := a.(orbFeatures)
	bf, ok2 := b.(orbFeatures)
	if !ok || !ok2 {
		return 0, fmt.Errorf("orb similarity on foreign features")
	}
	if af.n == 0 || bf.n == 0 {
		return 0, nil
	}

	matcher := gocv.NewBFMatcherWithParams(gocv.NormHamming, false)
	defer func() { _ = matcher.Close() }()

	matches := matcher.KnnMatch(af.desc, bf.desc, 2)
	good := 0
	for _, pair := range matches {
		if len(pair) < 2 {
			continue
		}
		if pair[0].Distance < orbRatio*pair[1].Distance {
			good++
		}
	}

	denom := af.n
	if bf.n < denom {
		denom = bf.n
	}
	return clamp01(float64(good) / float64(denom)), nil
}

// Close implements Extractor.
func (o *ORB) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}
