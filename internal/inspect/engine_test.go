// SPDX-License-Identifier: MIT

package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/barcode"
	"github.com/prodvision/aoid/internal/imaging"
	"github.com/prodvision/aoid/internal/pathmap"
	"github.com/prodvision/aoid/internal/roiconfig"
)

func encodeJPEG(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func inlinePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// stubGolden is an in-memory sample store.
type stubGolden struct {
	mu         sync.Mutex
	best       []byte
	backups    map[string][]byte
	promotions int
}

func (s *stubGolden) ReadBest(string, int) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.best == nil {
		return nil, "", apierr.New(apierr.KindNotFound, "no golden sample")
	}
	return s.best, "best_golden.jpg", nil
}

func (s *stubGolden) Backups(string, int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.backups))
	for n := range s.backups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (s *stubGolden) ReadSample(_ string, _ int, name string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.backups[name]
	if !ok {
		return nil, "", apierr.Newf(apierr.KindNotFound, "sample %s not found", name)
	}
	return data, name, nil
}

func (s *stubGolden) Promote(_ string, _ int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.backups[name]
	if !ok {
		return apierr.Newf(apierr.KindNotFound, "backup %s not found", name)
	}
	delete(s.backups, name)
	s.backups[fmt.Sprintf("original_%d_old_best.jpg", 1000+s.promotions)] = s.best
	s.best = data
	s.promotions++
	return nil
}

// stubComparer scores by the golden's dominant channel: red-ish goldens
// get redSim, everything else blueSim.
type stubComparer struct {
	redSim  float64
	blueSim float64
	delay   time.Duration
	panics  bool
}

func (s *stubComparer) Compare(ctx context.Context, _ string, _, golden *image.NRGBA) (float64, error) {
	if s.panics {
		panic("comparer exploded")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if golden.Pix[0] > 128 {
		return s.redSim, nil
	}
	return s.blueSim, nil
}

type stubDecoder struct{ results []barcode.Result }

func (s *stubDecoder) Decode(image.Image) []barcode.Result { return s.results }

type stubOCR struct {
	text  string
	err   error
	delay time.Duration
}

func (s *stubOCR) Recognize(ctx context.Context, _ image.Image) (string, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

func (s *stubOCR) Normalize(text string, caseSensitive bool) string {
	text = strings.Join(strings.Fields(text), " ")
	if !caseSensitive {
		text = strings.ToLower(text)
	}
	return text
}

type stubLinker struct {
	mu      sync.Mutex
	mapping map[string]string
	calls   int
}

func (s *stubLinker) Link(_ context.Context, raw string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if linked, ok := s.mapping[raw]; ok {
		return linked, true
	}
	return raw, false
}

func boolPtr(v bool) *bool        { return &v }
func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }

func testProduct(rois ...roiconfig.ROI) *roiconfig.Product {
	return &roiconfig.Product{ProductID: "P1", DeviceCount: 1, ROIs: rois}
}

func testDirs(t *testing.T) SessionDirs {
	t.Helper()
	root := t.TempDir()
	return SessionDirs{
		Root:   root,
		Input:  filepath.Join(root, "input"),
		Output: filepath.Join(root, "output"),
	}
}

func newTestEngine(opts Options) *Engine {
	if opts.Paths == nil {
		opts.Paths = pathmap.New("", "")
	}
	if opts.Linker == nil {
		opts.Linker = &stubLinker{}
	}
	if opts.Barcode == nil {
		opts.Barcode = &stubDecoder{}
	}
	if opts.OCR == nil {
		opts.OCR = &stubOCR{}
	}
	if opts.Features == nil {
		opts.Features = &stubComparer{}
	}
	if opts.Golden == nil {
		opts.Golden = &stubGolden{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return New(opts)
}

func TestSingleDeviceAllPass(t *testing.T) {
	golden := &stubGolden{best: encodeJPEG(t, color.NRGBA{R: 255, A: 255})}
	e := newTestEngine(Options{
		Golden:   golden,
		Features: &stubComparer{redSim: 0.91},
		Barcode:  &stubDecoder{results: []barcode.Result{{Text: "ABC-123", Format: "QR_CODE", Confidence: 1}}},
	})

	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true, IsDeviceBarcode: boolPtr(true)},
		roiconfig.ROI{Idx: 2, Type: roiconfig.TypeCompare, Coords: [4]int{0, 0, 20, 20}, DeviceLocation: 1, Enabled: true, AIThreshold: floatPtr(0.8), FeatureMethod: "mobilenet"},
	)

	res, err := e.Run(context.Background(), "sess-1", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)

	assert.True(t, res.OverallPassed)
	dev := res.DeviceSummaries["1"]
	require.NotNil(t, dev)
	assert.True(t, dev.DevicePassed)
	assert.Equal(t, "ABC-123", dev.Barcode)
	assert.Equal(t, 2, dev.PassedROIs)
	assert.Equal(t, 2, dev.TotalROIs)
	require.Len(t, dev.ROIResults, 2)
	assert.Equal(t, 1, dev.ROIResults[0].ROIID)
	assert.Equal(t, 2, dev.ROIResults[1].ROIID)
	assert.InDelta(t, 0.91, dev.ROIResults[1].Score, 1e-9)
	assert.True(t, strings.HasSuffix(dev.ROIResults[1].ROIImagePath, "/roi_2.jpg"))
	assert.True(t, strings.HasSuffix(dev.ROIResults[1].GoldenImagePath, "/golden_2.jpg"))
}

func TestBarcodePriorityFallback(t *testing.T) {
	linker := &stubLinker{mapping: map[string]string{"XYZ-9": "SN-XYZ"}}
	golden := &stubGolden{best: encodeJPEG(t, color.NRGBA{R: 255, A: 255})}
	e := newTestEngine(Options{
		Golden:   golden,
		Features: &stubComparer{redSim: 0.91},
		Barcode:  &stubDecoder{}, // decodes nothing
		Linker:   linker,
	})

	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true, IsDeviceBarcode: boolPtr(true)},
		roiconfig.ROI{Idx: 2, Type: roiconfig.TypeCompare, Coords: [4]int{0, 0, 20, 20}, DeviceLocation: 1, Enabled: true, AIThreshold: floatPtr(0.8), FeatureMethod: "mobilenet"},
	)

	res, err := e.Run(context.Background(), "sess-2", product, testDirs(t), Request{
		Source:         imaging.Source{Inline: inlinePNG(t)},
		DeviceBarcodes: map[int]string{1: "XYZ-9"},
	})
	require.NoError(t, err)

	dev := res.DeviceSummaries["1"]
	assert.Equal(t, "SN-XYZ", dev.Barcode)
	assert.False(t, dev.ROIResults[0].Passed)
	assert.False(t, res.OverallPassed, "barcode roi failed, device cannot pass")
}

func TestLegacyDeviceBarcodeSingleDeviceOnly(t *testing.T) {
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
	)
	e := newTestEngine(Options{Barcode: &stubDecoder{}})

	res, err := e.Run(context.Background(), "sess-3", product, testDirs(t), Request{
		Source:              imaging.Source{Inline: inlinePNG(t)},
		LegacyDeviceBarcode: "LEGACY-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "LEGACY-1", res.DeviceSummaries["1"].Barcode)

	// multi-device products ignore the legacy field
	multi := &roiconfig.Product{ProductID: "P2", DeviceCount: 2, ROIs: []roiconfig.ROI{
		{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
		{Idx: 2, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 2, Enabled: true},
	}}
	res, err = e.Run(context.Background(), "sess-4", multi, testDirs(t), Request{
		Source:              imaging.Source{Inline: inlinePNG(t)},
		LegacyDeviceBarcode: "LEGACY-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "N/A", res.DeviceSummaries["1"].Barcode)
	assert.Equal(t, "N/A", res.DeviceSummaries["2"].Barcode)
}

func TestAutoPromotionSwapsOnceAndConverges(t *testing.T) {
	golden := &stubGolden{
		best:    encodeJPEG(t, color.NRGBA{B: 255, A: 255}), // scores 0.80
		backups: map[string][]byte{"original_500_old_best.jpg": encodeJPEG(t, color.NRGBA{R: 255, A: 255})}, // 0.92
	}
	e := newTestEngine(Options{
		Golden:      golden,
		Features:    &stubComparer{redSim: 0.92, blueSim: 0.80},
		AutoPromote: true,
	})
	product := testProduct(
		roiconfig.ROI{Idx: 5, Type: roiconfig.TypeCompare, Coords: [4]int{0, 0, 20, 20}, DeviceLocation: 1, Enabled: true, AIThreshold: floatPtr(0.85), FeatureMethod: "mobilenet"},
	)
	req := Request{Source: imaging.Source{Inline: inlinePNG(t)}}

	res, err := e.Run(context.Background(), "sess-5", product, testDirs(t), req)
	require.NoError(t, err)
	dev := res.DeviceSummaries["1"]
	assert.True(t, dev.ROIResults[0].Passed)
	assert.InDelta(t, 0.92, dev.ROIResults[0].Score, 1e-9)
	assert.Equal(t, 1, golden.promotions)

	// repeat with the same inputs: the promoted best already passes
	res, err = e.Run(context.Background(), "sess-5", product, testDirs(t), req)
	require.NoError(t, err)
	assert.True(t, res.DeviceSummaries["1"].ROIResults[0].Passed)
	assert.Equal(t, 1, golden.promotions, "no further renames on repeat inspect")
}

func TestAutoPromotionDisabled(t *testing.T) {
	golden := &stubGolden{
		best:    encodeJPEG(t, color.NRGBA{B: 255, A: 255}),
		backups: map[string][]byte{"original_500_old_best.jpg": encodeJPEG(t, color.NRGBA{R: 255, A: 255})},
	}
	e := newTestEngine(Options{
		Golden:   golden,
		Features: &stubComparer{redSim: 0.92, blueSim: 0.80},
	})
	product := testProduct(
		roiconfig.ROI{Idx: 5, Type: roiconfig.TypeCompare, Coords: [4]int{0, 0, 20, 20}, DeviceLocation: 1, Enabled: true, AIThreshold: floatPtr(0.85), FeatureMethod: "mobilenet"},
	)

	res, err := e.Run(context.Background(), "sess-6", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)
	assert.False(t, res.DeviceSummaries["1"].ROIResults[0].Passed)
	assert.InDelta(t, 0.80, res.DeviceSummaries["1"].ROIResults[0].Score, 1e-9)
	assert.Equal(t, 0, golden.promotions)
}

func TestMissingGoldenFailsROIOnly(t *testing.T) {
	e := newTestEngine(Options{
		Golden:  &stubGolden{}, // empty
		Barcode: &stubDecoder{results: []barcode.Result{{Text: "OK-1", Confidence: 1}}},
	})
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
		roiconfig.ROI{Idx: 2, Type: roiconfig.TypeCompare, Coords: [4]int{0, 0, 20, 20}, DeviceLocation: 1, Enabled: true, AIThreshold: floatPtr(0.8), FeatureMethod: "mobilenet"},
	)

	res, err := e.Run(context.Background(), "sess-7", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)

	dev := res.DeviceSummaries["1"]
	assert.True(t, dev.ROIResults[0].Passed)
	assert.False(t, dev.ROIResults[1].Passed)
	assert.Equal(t, string(apierr.KindNotFound), dev.ROIResults[1].Error)
	assert.False(t, res.OverallPassed)
}

func TestOCRComparison(t *testing.T) {
	product := testProduct(
		roiconfig.ROI{Idx: 3, Type: roiconfig.TypeOCR, Coords: [4]int{0, 0, 30, 30}, DeviceLocation: 1, Enabled: true, ExpectedText: strPtr("LOT 42")},
	)

	e := newTestEngine(Options{OCR: &stubOCR{text: "  lot   42 "}})
	res, err := e.Run(context.Background(), "sess-8", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)
	assert.True(t, res.DeviceSummaries["1"].ROIResults[0].Passed)

	// case sensitivity flips the verdict
	sensitive := testProduct(
		roiconfig.ROI{Idx: 3, Type: roiconfig.TypeOCR, Coords: [4]int{0, 0, 30, 30}, DeviceLocation: 1, Enabled: true, ExpectedText: strPtr("LOT 42"), CaseSensitive: true},
	)
	res, err = e.Run(context.Background(), "sess-9", sensitive, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)
	assert.False(t, res.DeviceSummaries["1"].ROIResults[0].Passed)
}

func TestDeadlineTruncatesWithPartialResults(t *testing.T) {
	e := newTestEngine(Options{
		OCR:         &stubOCR{text: "x", delay: 10 * time.Second},
		WorkerCount: 2,
		Timeout:     100 * time.Millisecond,
	})
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeOCR, Coords: [4]int{0, 0, 30, 30}, DeviceLocation: 1, Enabled: true, ExpectedText: strPtr("x")},
		roiconfig.ROI{Idx: 2, Type: roiconfig.TypeOCR, Coords: [4]int{0, 0, 30, 30}, DeviceLocation: 1, Enabled: true, ExpectedText: strPtr("x")},
	)

	res, err := e.Run(context.Background(), "sess-10", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err, "deadline yields a partial response, not a call failure")

	assert.False(t, res.OverallPassed)
	for _, rr := range res.DeviceSummaries["1"].ROIResults {
		assert.False(t, rr.Passed)
		assert.Equal(t, string(apierr.KindDeadlineExceeded), rr.Error)
	}
}

func TestZeroROIDeviceFails(t *testing.T) {
	product := &roiconfig.Product{ProductID: "P3", DeviceCount: 2, ROIs: []roiconfig.ROI{
		{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
	}}
	e := newTestEngine(Options{
		Barcode: &stubDecoder{results: []barcode.Result{{Text: "A-1", Confidence: 1}}},
	})

	res, err := e.Run(context.Background(), "sess-11", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)

	assert.True(t, res.DeviceSummaries["1"].DevicePassed)
	empty := res.DeviceSummaries["2"]
	assert.False(t, empty.DevicePassed)
	assert.Zero(t, empty.TotalROIs)
	assert.NotEmpty(t, empty.Note)
	assert.False(t, res.OverallPassed)
}

func TestLinkerMemoizedPerCall(t *testing.T) {
	linker := &stubLinker{mapping: map[string]string{"SHARED": "SN-1"}}
	product := &roiconfig.Product{ProductID: "P4", DeviceCount: 2, ROIs: []roiconfig.ROI{
		{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
		{Idx: 2, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 2, Enabled: true},
	}}
	e := newTestEngine(Options{
		Barcode: &stubDecoder{results: []barcode.Result{{Text: "SHARED", Confidence: 1}}},
		Linker:  linker,
	})

	res, err := e.Run(context.Background(), "sess-12", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)
	assert.Equal(t, "SN-1", res.DeviceSummaries["1"].Barcode)
	assert.Equal(t, "SN-1", res.DeviceSummaries["2"].Barcode)
	assert.Equal(t, 1, linker.calls, "distinct raw values resolve once per call")
}

func TestROIPanicIsContained(t *testing.T) {
	golden := &stubGolden{best: encodeJPEG(t, color.NRGBA{R: 255, A: 255})}
	e := newTestEngine(Options{
		Golden:   golden,
		Features: &stubComparer{panics: true},
		Barcode:  &stubDecoder{results: []barcode.Result{{Text: "OK", Confidence: 1}}},
	})
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
		roiconfig.ROI{Idx: 2, Type: roiconfig.TypeCompare, Coords: [4]int{0, 0, 20, 20}, DeviceLocation: 1, Enabled: true, AIThreshold: floatPtr(0.8), FeatureMethod: "mobilenet"},
	)

	res, err := e.Run(context.Background(), "sess-13", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)

	dev := res.DeviceSummaries["1"]
	assert.True(t, dev.ROIResults[0].Passed)
	assert.False(t, dev.ROIResults[1].Passed)
	assert.Equal(t, string(apierr.KindInternal), dev.ROIResults[1].Error)
}

func TestOutOfBoundsROI(t *testing.T) {
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 500, 500}, DeviceLocation: 1, Enabled: true},
	)
	e := newTestEngine(Options{})

	res, err := e.Run(context.Background(), "sess-14", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)
	rr := res.DeviceSummaries["1"].ROIResults[0]
	assert.False(t, rr.Passed)
	assert.Equal(t, string(apierr.KindOutOfBounds), rr.Error)
}

func TestResultCarriesTimestamp(t *testing.T) {
	e := newTestEngine(Options{
		Barcode: &stubDecoder{results: []barcode.Result{{Text: "A-1", Confidence: 1}}},
	})
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
	)

	before := time.Now().Add(-time.Second)
	res, err := e.Run(context.Background(), "sess-16", product, testDirs(t), Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)

	assert.False(t, res.Timestamp.IsZero())
	assert.True(t, res.Timestamp.After(before))

	data, err := json.Marshal(res)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Contains(t, wire, "timestamp")
}

func TestResultPersistedAtSessionRoot(t *testing.T) {
	e := newTestEngine(Options{
		Barcode: &stubDecoder{results: []barcode.Result{{Text: "A-1", Confidence: 1}}},
	})
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
	)

	dirs := testDirs(t)
	_, err := e.Run(context.Background(), "sess-17", product, dirs, Request{
		Source: imaging.Source{Inline: inlinePNG(t)},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dirs.Root, "result.json"))
	require.NoError(t, err, "result.json sits at the session root, next to input/ and output/")

	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "sess-17", onDisk["session_id"])

	_, err = os.Stat(filepath.Join(dirs.Output, "result.json"))
	assert.True(t, os.IsNotExist(err), "no stray copy under output/")
}

func TestUndecodableImageFailsCall(t *testing.T) {
	e := newTestEngine(Options{})
	product := testProduct(
		roiconfig.ROI{Idx: 1, Type: roiconfig.TypeBarcode, Coords: [4]int{0, 0, 10, 10}, DeviceLocation: 1, Enabled: true},
	)

	_, err := e.Run(context.Background(), "sess-15", product, testDirs(t), Request{
		Source: imaging.Source{Inline: []byte("not an image")},
	})
	require.Error(t, err)
	assert.Equal(t, apierr.KindDecode, apierr.KindOf(err))
}
