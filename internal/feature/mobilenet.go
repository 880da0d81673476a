// SPDX-License-Identifier: MIT

package feature

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/prodvision/aoid/internal/roiconfig"
)

const (
	mobilenetInputSize = 224
	mobilenetEmbedDim  = 1280
)

// ortEnvOnce guards the process-wide ONNX Runtime environment. The
// runtime is initialized at most once and torn down at process exit
// only; multiple extractors share it.
var (
	ortEnvOnce sync.Once
	ortEnvErr  error
)

func initORTEnv() error {
	ortEnvOnce.Do(func() {
		if !ort.IsInitialized() {
			ortEnvErr = ort.InitializeEnvironment()
		}
	})
	return ortEnvErr
}

// mobilenetVector holds an L2-normalized embedding.
type mobilenetVector struct {
	v []float32
}

func (mobilenetVector) Method() string { return roiconfig.MethodMobileNet }
func (mobilenetVector) Close() error   { return nil }

// MobileNet embeds images with the penultimate layer of a pretrained
// MobileNetV2 classifier served through ONNX Runtime.
type MobileNet struct {
	modelPath string

	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
}

// NewMobileNet returns an extractor backed by the .onnx model at path.
// The model is loaded during Warmup, not here.
func NewMobileNet(modelPath string) *MobileNet {
	return &MobileNet{modelPath: modelPath}
}

// Method implements Extractor.
func (m *MobileNet) Method() string { return roiconfig.MethodMobileNet }

// Warmup loads the model and runs one inference on a zero tensor so the
// first inspection does not pay the graph-optimization cost.
func (m *MobileNet) Warmup(ctx context.Context) error {
	if m.modelPath == "" {
		return fmt.Errorf("no mobilenet model path configured")
	}
	if err := initORTEnv(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(m.modelPath,
		[]string{"input"}, []string{"embedding"}, nil)
	if err != nil {
		return fmt.Errorf("load mobilenet model %s: %w", m.modelPath, err)
	}
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	_, err = m.embed(ctx, make([]float32, 3*mobilenetInputSize*mobilenetInputSize))
	return err
}

// Extract implements Extractor.
func (m *MobileNet) Extract(ctx context.Context, img *image.NRGBA) (Features, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec, err := m.embed(ctx, preprocessMobileNet(img))
	if err != nil {
		return nil, err
	}
	return mobilenetVector{v: vec}, nil
}

func (m *MobileNet) embed(_ context.Context, input []float32) ([]float32, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return nil, fmt.Errorf("mobilenet session not initialized")
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, mobilenetInputSize, mobilenetInputSize), input)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer func() { _ = inputTensor.Destroy() }()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, mobilenetEmbedDim))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer func() { _ = outputTensor.Destroy() }()

	if err := session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("mobilenet inference: %w", err)
	}

	out := outputTensor.GetData()
	vec := make([]float32, len(out))
	copy(vec, out)
	normalizeL2(vec)
	return vec, nil
}

// Similarity implements Extractor: cosine similarity clamped to [0,1].
func (m *MobileNet) Similarity(a, b Features) (float64, error) {
	av, ok := a.(mobilenetVector)
	bv, ok2 := b.(mobilenetVector)
	if !ok || !ok2 {
		return 0, fmt.Errorf("mobilenet similarity on foreign features")
	}
	if len(av.v) != len(bv.v) {
		return 0, fmt.Errorf("embedding dimension mismatch: %d vs %d", len(av.v), len(bv.v))
	}
	var dot float64
	for i := range av.v {
		dot += float64(av.v[i]) * float64(bv.v[i])
	}
	return clamp01(dot), nil
}

// Close implements Extractor.
func (m *MobileNet) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		err := m.session.Destroy()
		m.session = nil
		return err
	}
	return nil
}

// preprocessMobileNet resizes to 224x224 and packs NCHW float32 scaled
// to [-1,1], the MobileNetV2 input convention.
func preprocessMobileNet(img *image.NRGBA) []float32 {
	resized := imaging.Resize(img, mobilenetInputSize, mobilenetInputSize, imaging.Linear)
	out := make([]float32, 3*mobilenetInputSize*mobilenetInputSize)
	plane := mobilenetInputSize * mobilenetInputSize
	for y := 0; y < mobilenetInputSize; y++ {
		for x := 0; x < mobilenetInputSize; x++ {
			i := resized.PixOffset(x, y)
			p := y*mobilenetInputSize + x
			out[p] = float32(resized.Pix[i])/127.5 - 1
			out[plane+p] = float32(resized.Pix[i+1])/127.5 - 1
			out[2*plane+p] = float32(resized.Pix[i+2])/127.5 - 1
		}
	}
	return out
}

func normalizeL2(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
