// SPDX-License-Identifier: MIT

// Package golden manages the reference images used by compare ROIs.
// Layout under the product root:
//
//	<product>/golden_rois/roi_<idx>/best_golden.jpg
//	<product>/golden_rois/roi_<idx>/original_<unix_ts>_old_best.jpg
//
// best_golden.jpg is the active reference; timestamped files are
// backups. Mutations serialize on a per-(product, idx) lock and use
// same-directory renames as the atomicity primitive.
package golden

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/fsutil"
	"github.com/prodvision/aoid/internal/log"
)

// BestName is the active golden file name.
const BestName = "best_golden.jpg"

var backupPattern = regexp.MustCompile(`^original_(\d+)_old_best\.jpg$`)

// Sample describes one stored file for a (product, idx) pair.
type Sample struct {
	Name    string    `json:"name"`
	Type    string    `json:"type"` // best_golden | backup
	IsBest  bool      `json:"is_best"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified_at"`
}

// Store owns the golden sample tree.
type Store struct {
	root string // products directory

	mu    sync.Mutex
	locks map[string]*sync.RWMutex

	clock func() time.Time
}

// NewStore returns a Store over the products directory.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[string]*sync.RWMutex),
		clock: time.Now,
	}
}

// Dir returns the sample directory for (product, idx).
func (s *Store) Dir(product string, idx int) string {
	return filepath.Join(s.root, product, "golden_rois", fmt.Sprintf("roi_%d", idx))
}

func (s *Store) lock(product string, idx int) *sync.RWMutex {
	key := product + "/" + strconv.Itoa(idx)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

// IsBackupName reports whether name is a well-formed backup file name.
func IsBackupName(name string) bool { return backupPattern.MatchString(name) }

func validateName(name string) error {
	if err := fsutil.SafeName(name); err != nil {
		return apierr.Wrap(apierr.KindValidation, "sample name", err)
	}
	return nil
}

// ReadBest returns the active golden bytes and its path.
func (s *Store) ReadBest(product string, idx int) ([]byte, string, error) {
	l := s.lock(product, idx)
	l.RLock()
	defer l.RUnlock()

	path := filepath.Join(s.Dir(product, idx), BestName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apierr.Newf(apierr.KindNotFound,
				"no golden sample for product %s roi %d", product, idx)
		}
		return nil, "", fmt.Errorf("read golden: %w", err)
	}
	return data, path, nil
}

// ReadSample returns the bytes of a named sample (best or backup).
func (s *Store) ReadSample(product string, idx int, name string) ([]byte, string, error) {
	if err := validateName(name); err != nil {
		return nil, "", err
	}
	if name != BestName && !IsBackupName(name) {
		return nil, "", apierr.Newf(apierr.KindValidation, "unrecognized sample name %q", name)
	}

	l := s.lock(product, idx)
	l.RLock()
	defer l.RUnlock()

	path := filepath.Join(s.Dir(product, idx), name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", apierr.Newf(apierr.KindNotFound, "sample %s not found", name)
		}
		return nil, "", fmt.Errorf("read sample: %w", err)
	}
	return data, path, nil
}

// ListAll lists samples for (product, idx), best first, then backups
// newest-first.
func (s *Store) ListAll(product string, idx int) ([]Sample, error) {
	l := s.lock(product, idx)
	l.RLock()
	defer l.RUnlock()

	return s.listLocked(product, idx)
}

func (s *Store) listLocked(product string, idx int) ([]Sample, error) {
	entries, err := os.ReadDir(s.Dir(product, idx))
	if err != nil {
		if os.IsNotExist(err) {
			return []Sample{}, nil
		}
		return nil, fmt.Errorf("read sample dir: %w", err)
	}

	samples := make([]Sample, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		isBest := name == BestName
		if !isBest && !IsBackupName(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		typ := "backup"
		if isBest {
			typ = "best_golden"
		}
		samples = append(samples, Sample{
			Name:    name,
			Type:    typ,
			IsBest:  isBest,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].IsBest != samples[j].IsBest {
			return samples[i].IsBest
		}
		return samples[i].Name > samples[j].Name // backup timestamps sort newest first
	})
	return samples, nil
}

// Backups returns the backup sample names for (product, idx).
func (s *Store) Backups(product string, idx int) ([]string, error) {
	samples, err := s.ListAll(product, idx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(samples))
	for _, sm := range samples {
		if !sm.IsBest {
			names = append(names, sm.Name)
		}
	}
	return names, nil
}

// WriteNewBest streams a new golden into place. An existing best is
// renamed to a timestamped backup first; the backup name is returned
// (empty when there was no previous best). A failed write restores the
// backup so the directory never holds backups without a best.
func (s *Store) WriteNewBest(product string, idx int, r io.Reader) (string, error) {
	l := s.lock(product, idx)
	l.Lock()
	defer l.Unlock()

	dir := s.Dir(product, idx)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create sample dir: %w", err)
	}

	bestPath := filepath.Join(dir, BestName)
	backupName := ""
	if _, err := os.Stat(bestPath); err == nil {
		backupName = s.freshBackupName(dir)
		if err := os.Rename(bestPath, filepath.Join(dir, backupName)); err != nil {
			return "", fmt.Errorf("backup current best: %w", err)
		}
	}
	if err := fsutil.WriteReaderAtomic(bestPath, r); err != nil {
		if backupName != "" {
			if rbErr := os.Rename(filepath.Join(dir, backupName), bestPath); rbErr != nil {
				log.Base().Error().Err(rbErr).
					Str("event", "golden.rollback_failed").
					Str("product_id", product).Int("roi", idx).
					Msg("failed to restore displaced best after write error")
			}
		}
		return "", fmt.Errorf("write new best: %w", err)
	}
	return backupName, nil
}

// Promote makes backupName the active golden. The displaced best
// becomes a fresh timestamped backup. Safe to call concurrently; the
// caller sees NOT_FOUND if another promotion consumed the backup first.
func (s *Store) Promote(product string, idx int, backupName string) error {
	return s.swapIn(product, idx, backupName)
}

// Restore is promotion intended for operator rollback; identical
// mechanics, kept separate for the audit log.
func (s *Store) Restore(product string, idx int, backupName string) error {
	return s.swapIn(product, idx, backupName)
}

func (s *Store) swapIn(product string, idx int, backupName string) error {
	if err := validateName(backupName); err != nil {
		return err
	}
	if !IsBackupName(backupName) {
		return apierr.Newf(apierr.KindValidation,
			"name %q does not match original_<ts>_old_best.jpg", backupName)
	}

	l := s.lock(product, idx)
	l.Lock()
	defer l.Unlock()

	dir := s.Dir(product, idx)
	backupPath := filepath.Join(dir, backupName)
	if err := fsutil.IsRegularFile(backupPath); err != nil {
		return apierr.Newf(apierr.KindNotFound, "backup %s not found", backupName)
	}

	bestPath := filepath.Join(dir, BestName)
	displaced := ""
	if _, err := os.Stat(bestPath); err == nil {
		displaced = s.freshBackupName(dir)
		if err := os.Rename(bestPath, filepath.Join(dir, displaced)); err != nil {
			return fmt.Errorf("displace current best: %w", err)
		}
	}
	if err := os.Rename(backupPath, bestPath); err != nil {
		// roll the displaced best back so the invariant holds
		if displaced != "" {
			if rbErr := os.Rename(filepath.Join(dir, displaced), bestPath); rbErr != nil {
				log.Base().Error().Err(rbErr).
					Str("event", "golden.rollback_failed").
					Str("product_id", product).Int("roi", idx).
					Msg("failed to restore displaced best after promote error")
			}
		}
		return fmt.Errorf("promote backup: %w", err)
	}
	return nil
}

// Delete removes a named sample. Deleting the best is refused while it
// is the only sample.
func (s *Store) Delete(product string, idx int, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	l := s.lock(product, idx)
	l.Lock()
	defer l.Unlock()

	dir := s.Dir(product, idx)
	path := filepath.Join(dir, name)
	if err := fsutil.IsRegularFile(path); err != nil {
		return apierr.Newf(apierr.KindNotFound, "sample %s not found", name)
	}

	if name == BestName {
		samples, err := s.listLocked(product, idx)
		if err != nil {
			return err
		}
		if len(samples) <= 1 {
			return apierr.New(apierr.KindConflict, "refusing to delete the only golden sample")
		}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete sample: %w", err)
	}
	return nil
}

// RenameFolders renames roi_<old> directories to roi_<new> per the
// mapping. All targets are pre-checked for collisions before any
// rename happens.
func (s *Store) RenameFolders(product string, mapping map[int]int) error {
	if len(mapping) == 0 {
		return nil
	}

	base := filepath.Join(s.root, product, "golden_rois")
	targets := make(map[int]bool, len(mapping))
	for oldIdx, newIdx := range mapping {
		if targets[newIdx] {
			return apierr.Newf(apierr.KindConflict, "mapping targets roi_%d twice", newIdx)
		}
		targets[newIdx] = true
		if oldIdx == newIdx {
			continue
		}
		if _, remapped := mapping[newIdx]; remapped {
			continue // target folder itself moves away; resolved via staging below
		}
		if _, err := os.Stat(filepath.Join(base, fmt.Sprintf("roi_%d", newIdx))); err == nil {
			return apierr.Newf(apierr.KindConflict, "roi_%d already exists", newIdx)
		}
	}

	// two-phase rename through staging names handles swaps
	stamp := s.clock().UnixNano()
	for oldIdx := range mapping {
		src := filepath.Join(base, fmt.Sprintf("roi_%d", oldIdx))
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, filepath.Join(base, fmt.Sprintf(".staging_%d_%d", stamp, oldIdx))); err != nil {
			return fmt.Errorf("stage roi_%d: %w", oldIdx, err)
		}
	}
	for oldIdx, newIdx := range mapping {
		staged := filepath.Join(base, fmt.Sprintf(".staging_%d_%d", stamp, oldIdx))
		if _, err := os.Stat(staged); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(staged, filepath.Join(base, fmt.Sprintf("roi_%d", newIdx))); err != nil {
			return fmt.Errorf("rename roi_%d to roi_%d: %w", oldIdx, newIdx, err)
		}
	}
	return nil
}

// ProductSummary is the per-product overview for the admin listing.
type ProductSummary struct {
	ProductID string `json:"product_id"`
	ROICount  int    `json:"roi_count"`
	Samples   int    `json:"sample_count"`
}

// Summaries walks the tree and reports per-product sample counts.
func (s *Store) Summaries() ([]ProductSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []ProductSummary{}, nil
		}
		return nil, fmt.Errorf("read product root: %w", err)
	}

	out := make([]ProductSummary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		roisDir := filepath.Join(s.root, e.Name(), "golden_rois")
		roiDirs, err := os.ReadDir(roisDir)
		if err != nil {
			continue
		}
		summary := ProductSummary{ProductID: e.Name()}
		for _, rd := range roiDirs {
			if !rd.IsDir() {
				continue
			}
			summary.ROICount++
			files, err := os.ReadDir(filepath.Join(roisDir, rd.Name()))
			if err != nil {
				continue
			}
			for _, f := range files {
				if f.Name() == BestName || IsBackupName(f.Name()) {
					summary.Samples++
				}
			}
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// freshBackupName returns an unused timestamped backup name in dir.
// Timestamps are second-resolution, so collide under rapid swaps; bump
// until free.
func (s *Store) freshBackupName(dir string) string {
	ts := s.clock().Unix()
	for {
		name := fmt.Sprintf("original_%d_old_best.jpg", ts)
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			return name
		}
		ts++
	}
}
