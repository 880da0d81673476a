// SPDX-License-Identifier: MIT

// Package inspect runs the ROI pipeline for one inspection request and
// aggregates per-device verdicts.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/barcode"
	"github.com/prodvision/aoid/internal/colorcheck"
	"github.com/prodvision/aoid/internal/fsutil"
	"github.com/prodvision/aoid/internal/imaging"
	"github.com/prodvision/aoid/internal/linker"
	"github.com/prodvision/aoid/internal/log"
	"github.com/prodvision/aoid/internal/metrics"
	"github.com/prodvision/aoid/internal/pathmap"
	"github.com/prodvision/aoid/internal/roiconfig"
)

// Interfaces over the ROI backends, narrow so tests can stub them.
type (
	barcodeDecoder interface {
		Decode(img image.Image) []barcode.Result
	}
	textRecognizer interface {
		Recognize(ctx context.Context, img image.Image) (string, error)
		Normalize(s string, caseSensitive bool) string
	}
	similarityComparer interface {
		Compare(ctx context.Context, method string, probe, golden *image.NRGBA) (float64, error)
	}
	goldenStore interface {
		ReadBest(product string, idx int) ([]byte, string, error)
		Backups(product string, idx int) ([]string, error)
		ReadSample(product string, idx int, name string) ([]byte, string, error)
		Promote(product string, idx int, backupName string) error
	}
)

// Options wires an Engine.
type Options struct {
	Golden   goldenStore
	Features similarityComparer
	Barcode  barcodeDecoder
	OCR      textRecognizer
	Linker   linker.Resolver
	Paths    *pathmap.Translator

	// WorkerCount bounds concurrent ROI tasks process-wide.
	WorkerCount int
	// Timeout is the soft deadline of one inspect call.
	Timeout time.Duration
	// AutoPromote enables golden sample promotion from backups.
	AutoPromote bool
}

// Engine executes inspect calls. Safe for concurrent use; all calls
// share one bounded worker pool.
type Engine struct {
	opts Options
	sem  *semaphore.Weighted
}

// New builds an Engine from opts.
func New(opts Options) *Engine {
	if opts.WorkerCount < 2 {
		opts.WorkerCount = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Engine{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.WorkerCount)),
	}
}

// SessionDirs locates one session's filesystem artifacts. Root holds
// result.json, Output the per-ROI image copies.
type SessionDirs struct {
	Root   string
	Input  string
	Output string
}

// Request carries the per-call inputs beyond the session binding.
type Request struct {
	Source imaging.Source
	// DeviceBarcodes maps device id to an operator-supplied raw barcode.
	DeviceBarcodes map[int]string
	// LegacyDeviceBarcode applies to single-device products only.
	LegacyDeviceBarcode string
}

// roiOutcome pairs the wire result with what the aggregator needs.
type roiOutcome struct {
	roi     roiconfig.ROI
	res     ROIResult
	decodes []barcode.Result
}

// Run processes one inspection. ROI failures never abort the call; the
// returned Result carries them as per-ROI errors.
func (e *Engine) Run(ctx context.Context, sessionID string, product *roiconfig.Product, dirs SessionDirs, req Request) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	logger := log.FromContext(ctx).With().Str("component", "inspect").Logger()

	img, err := imaging.Load(ctx, req.Source, dirs.Input)
	if err != nil {
		metrics.RecordInspection("error", time.Since(start))
		return nil, err
	}

	rois := product.EnabledROIs()
	outcomes := make([]roiOutcome, len(rois))

	var wg sync.WaitGroup
	for i, roi := range rois {
		wg.Add(1)
		go func(i int, roi roiconfig.ROI) {
			defer wg.Done()
			outcomes[i] = e.processROI(ctx, product.ProductID, dirs.Output, img, roi)
		}(i, roi)
	}
	wg.Wait()

	result := e.aggregate(ctx, sessionID, product, req, outcomes)
	result.Timestamp = start.UTC()
	result.DurationMS = time.Since(start).Milliseconds()

	// result.json lives at the session root, next to input/ and output/
	e.persistResult(dirs.Root, result, logger)

	outcome := "fail"
	if result.OverallPassed {
		outcome = "pass"
	}
	metrics.RecordInspection(outcome, time.Since(start))
	logger.Info().
		Str("event", "inspect.done").
		Str("session_id", sessionID).
		Str("product_id", product.ProductID).
		Bool("overall_passed", result.OverallPassed).
		Int("rois", len(rois)).
		Int64("duration_ms", result.DurationMS).
		Msg("inspection complete")
	return result, nil
}

// processROI runs one ROI task on the shared pool. Panics and errors
// become failed results; nothing propagates.
func (e *Engine) processROI(ctx context.Context, productID, outputDir string, img *image.NRGBA, roi roiconfig.ROI) (out roiOutcome) {
	started := time.Now()
	out.roi = roi
	out.res = ROIResult{
		ROIID:       roi.Idx,
		ROITypeName: roi.Type.String(),
		DeviceID:    roi.DeviceLocation,
		Coordinates: roi.Coords,
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithComponent("inspect").Error().
				Str("event", "inspect.roi_panic").
				Int("roi", roi.Idx).
				Interface("panic", r).
				Msg("roi task panicked")
			out.res.Passed = false
			out.res.Error = string(apierr.KindInternal)
			out.res.ErrorMessage = fmt.Sprintf("roi task panicked: %v", r)
		}
		outcome := "fail"
		switch {
		case out.res.Error != "":
			outcome = "error"
		case out.res.Passed:
			outcome = "pass"
		}
		metrics.RecordROI(roi.Type.String(), outcome, time.Since(started))
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.setError(&out.res, err)
		return out
	}
	defer e.sem.Release(1)
	if ctx.Err() != nil {
		e.setError(&out.res, ctx.Err())
		return out
	}

	crop, err := imaging.Crop(img, roi.Coords)
	if err != nil {
		e.setError(&out.res, err)
		return out
	}
	crop, err = imaging.Rotate(crop, roi.Rotation)
	if err != nil {
		e.setError(&out.res, err)
		return out
	}

	switch roi.Type {
	case roiconfig.TypeBarcode:
		out.decodes = e.opts.Barcode.Decode(crop)
		out.res.Passed = len(out.decodes) > 0
		if out.res.Passed {
			out.res.DetectedValue = out.decodes[0].Text
			out.res.Score = out.decodes[0].Confidence
		}
	case roiconfig.TypeCompare:
		e.runCompare(ctx, productID, outputDir, crop, roi, &out.res)
	case roiconfig.TypeOCR:
		e.runOCR(ctx, crop, roi, &out.res)
	case roiconfig.TypeColor:
		e.runColor(crop, roi, &out.res)
	default:
		e.setError(&out.res, apierr.Newf(apierr.KindInternal, "unhandled roi type %d", int(roi.Type)))
		return out
	}

	// crop snapshot is best-effort; the verdict stands without it
	cropPath := filepath.Join(outputDir, fmt.Sprintf("roi_%d.jpg", roi.Idx))
	if err := imaging.SaveJPEG(crop, cropPath); err != nil {
		log.WithComponent("inspect").Warn().Err(err).
			Str("event", "inspect.save_failed").
			Int("roi", roi.Idx).
			Msg("could not save roi crop")
	} else {
		out.res.ROIImagePath = e.opts.Paths.ToClient(cropPath)
	}
	return out
}

// runCompare scores the crop against the golden set and auto-promotes a
// better backup when allowed. At most one promotion per call.
func (e *Engine) runCompare(ctx context.Context, productID, outputDir string, crop *image.NRGBA, roi roiconfig.ROI, res *ROIResult) {
	threshold := roiconfig.DefaultAIThreshold
	if roi.AIThreshold != nil {
		threshold = *roi.AIThreshold
	}
	res.ExpectedValue = fmt.Sprintf(">= %.2f", threshold)

	bestBytes, _, err := e.opts.Golden.ReadBest(productID, roi.Idx)
	if err != nil {
		e.setError(res, err)
		return
	}
	bestImg, err := imaging.DecodeBytes(bestBytes)
	if err != nil {
		e.setError(res, err)
		return
	}

	bestSim, err := e.opts.Features.Compare(ctx, roi.FeatureMethod, crop, bestImg)
	if err != nil {
		e.setError(res, err)
		return
	}

	finalSim := bestSim
	goldenBytes := bestBytes
	if e.opts.AutoPromote && bestSim < threshold {
		if name, sim, data := e.bestBackup(ctx, productID, crop, roi, bestSim, threshold); name != "" {
			if err := e.opts.Golden.Promote(productID, roi.Idx, name); err != nil {
				log.WithComponent("inspect").Warn().Err(err).
					Str("event", "inspect.promote_failed").
					Int("roi", roi.Idx).
					Str("backup", name).
					Msg("auto-promotion lost the race, keeping current best")
			} else {
				metrics.IncPromotion("auto")
				log.WithComponent("inspect").Info().
					Str("event", "inspect.auto_promoted").
					Str("product_id", productID).
					Int("roi", roi.Idx).
					Str("backup", name).
					Float64("similarity", sim).
					Msg("backup promoted to best golden")
				finalSim = sim
				goldenBytes = data
			}
		}
	}

	res.Score = round4(finalSim)
	res.Passed = res.Score >= threshold
	res.DetectedValue = strconv.FormatFloat(res.Score, 'f', 4, 64)

	goldenPath := filepath.Join(outputDir, fmt.Sprintf("golden_%d.jpg", roi.Idx))
	if err := fsutil.WriteFileAtomic(goldenPath, goldenBytes); err != nil {
		log.WithComponent("inspect").Warn().Err(err).
			Str("event", "inspect.save_failed").
			Int("roi", roi.Idx).
			Msg("could not save golden copy")
	} else {
		res.GoldenImagePath = e.opts.Paths.ToClient(goldenPath)
	}
}

// bestBackup scans the backups for the highest-scoring sample that
// clears the threshold. Returns zero values when none qualifies.
func (e *Engine) bestBackup(ctx context.Context, productID string, crop *image.NRGBA, roi roiconfig.ROI, bestSim, threshold float64) (string, float64, []byte) {
	names, err := e.opts.Golden.Backups(productID, roi.Idx)
	if err != nil {
		return "", 0, nil
	}

	winner := ""
	winnerSim := bestSim
	var winnerBytes []byte
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		data, _, err := e.opts.Golden.ReadSample(productID, roi.Idx, name)
		if err != nil {
			continue
		}
		img, err := imaging.DecodeBytes(data)
		if err != nil {
			continue
		}
		sim, err := e.opts.Features.Compare(ctx, roi.FeatureMethod, crop, img)
		if err != nil {
			continue
		}
		if sim > winnerSim && sim >= threshold {
			winner, winnerSim, winnerBytes = name, sim, data
		}
	}
	return winner, winnerSim, winnerBytes
}

func (e *Engine) runOCR(ctx context.Context, crop *image.NRGBA, roi roiconfig.ROI, res *ROIResult) {
	if roi.ExpectedText == nil {
		e.setError(res, apierr.Newf(apierr.KindInternal, "ocr roi %d has no expected_text", roi.Idx))
		return
	}
	res.ExpectedValue = *roi.ExpectedText

	text, err := e.opts.OCR.Recognize(ctx, crop)
	if err != nil {
		e.setError(res, err)
		return
	}
	res.DetectedValue = text
	got := e.opts.OCR.Normalize(text, roi.CaseSensitive)
	want := e.opts.OCR.Normalize(*roi.ExpectedText, roi.CaseSensitive)
	res.Passed = got == want
	if res.Passed {
		res.Score = 1.0
	}
}

func (e *Engine) runColor(crop *image.NRGBA, roi roiconfig.ROI, res *ROIResult) {
	if roi.ExpectedColor == nil {
		e.setError(res, apierr.Newf(apierr.KindInternal, "color roi %d has no expected_color", roi.Idx))
		return
	}
	check := colorcheck.Check(crop, colorcheck.Params{
		Expected:           *roi.ExpectedColor,
		Tolerance:          roi.ColorTolerance,
		MinPixelPercentage: roi.MinPixelPercentage,
		NormalizeLighting:  roi.NormalizeLighting,
	})
	res.Passed = check.Passed
	res.Score = check.Fraction
	res.DetectedValue = fmt.Sprintf("%.2f%% conforming", check.Fraction*100)
	res.ExpectedValue = fmt.Sprintf("rgb(%d,%d,%d) >= %.1f%%",
		roi.ExpectedColor[0], roi.ExpectedColor[1], roi.ExpectedColor[2], roi.MinPixelPercentage)
}

// aggregate folds ROI outcomes into per-device summaries and resolves
// device barcodes through the linker, memoized for this call.
func (e *Engine) aggregate(ctx context.Context, sessionID string, product *roiconfig.Product, req Request, outcomes []roiOutcome) *Result {
	memo := linker.NewMemo(e.opts.Linker)

	byDevice := make(map[int][]roiOutcome)
	for _, o := range outcomes {
		byDevice[o.roi.DeviceLocation] = append(byDevice[o.roi.DeviceLocation], o)
	}

	result := &Result{
		SessionID:       sessionID,
		ProductID:       product.ProductID,
		OverallPassed:   true,
		DeviceSummaries: make(map[string]*DeviceSummary, product.DeviceCount),
	}

	for device := 1; device <= product.DeviceCount; device++ {
		group := byDevice[device]
		sort.Slice(group, func(i, j int) bool { return group[i].roi.Idx < group[j].roi.Idx })

		summary := &DeviceSummary{
			DeviceID:   device,
			TotalROIs:  len(group),
			ROIResults: make([]ROIResult, 0, len(group)),
		}
		for _, o := range group {
			if o.res.Passed {
				summary.PassedROIs++
			}
			summary.ROIResults = append(summary.ROIResults, o.res)
		}

		summary.DevicePassed = summary.TotalROIs > 0 && summary.PassedROIs == summary.TotalROIs
		if summary.TotalROIs == 0 {
			summary.Note = "no enabled rois assigned to this device"
		}

		raw := e.selectBarcode(device, product.DeviceCount, group, req)
		summary.Barcode, _ = memo.Link(ctx, raw)

		result.DeviceSummaries[strconv.Itoa(device)] = summary
		result.OverallPassed = result.OverallPassed && summary.DevicePassed
	}
	return result
}

// selectBarcode applies the barcode priority order for one device.
func (e *Engine) selectBarcode(device, deviceCount int, group []roiOutcome, req Request) string {
	// passing type-1 roi flagged as the device barcode
	for _, o := range group {
		if o.roi.Type == roiconfig.TypeBarcode && o.res.Passed &&
			o.roi.IsDeviceBarcode != nil && *o.roi.IsDeviceBarcode {
			return o.decodes[0].Text
		}
	}
	// any passing type-1 roi
	for _, o := range group {
		if o.roi.Type == roiconfig.TypeBarcode && o.res.Passed {
			return o.decodes[0].Text
		}
	}
	if v, ok := req.DeviceBarcodes[device]; ok && v != "" {
		return v
	}
	if deviceCount == 1 && req.LegacyDeviceBarcode != "" {
		return req.LegacyDeviceBarcode
	}
	return "N/A"
}

// persistResult writes result.json into the session directory.
// Best-effort: the HTTP response is the source of truth.
func (e *Engine) persistResult(sessionDir string, result *Result, logger zerolog.Logger) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err == nil {
		err = fsutil.WriteFileAtomic(filepath.Join(sessionDir, "result.json"), data)
	}
	if err != nil {
		logger.Warn().Err(err).
			Str("event", "inspect.result_persist_failed").
			Msg("could not persist result.json")
	}
}

// setError marks res failed with a stable error kind.
func (e *Engine) setError(res *ROIResult, err error) {
	res.Passed = false
	res.Error = string(kindOf(err))
	res.ErrorMessage = err.Error()
}

func kindOf(err error) apierr.Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apierr.KindDeadlineExceeded
	}
	return apierr.KindOf(err)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
