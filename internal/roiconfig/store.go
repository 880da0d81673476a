// SPDX-License-Identifier: MIT

package roiconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"

	"github.com/prodvision/aoid/internal/apierr"
	"github.com/prodvision/aoid/internal/fsutil"
	"github.com/prodvision/aoid/internal/log"
)

// Store loads, validates and persists product configurations under the
// product root. Loads are served from an immutable snapshot map swapped
// atomically; saves serialize on a single writer lock.
type Store struct {
	root     string
	validate *validator.Validate

	writeMu sync.Mutex
	cache   atomic.Pointer[map[string]*Product]
}

// NewStore returns a Store rooted at the products directory.
func NewStore(root string) *Store {
	s := &Store{root: root, validate: newValidator()}
	empty := map[string]*Product{}
	s.cache.Store(&empty)
	return s
}

func (s *Store) configPath(productID string) string {
	return filepath.Join(s.root, productID, fmt.Sprintf("rois_config_%s.json", productID))
}

// List returns known product ids in sorted order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read product root: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(s.configPath(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Load returns the canonical configuration for productID. Cached
// snapshots are immutable; callers receive a clone.
func (s *Store) Load(productID string) (*Product, error) {
	if cached, ok := (*s.cache.Load())[productID]; ok {
		return cached.Clone(), nil
	}

	if !ValidProductID(productID) {
		return nil, apierr.Newf(apierr.KindValidation, "invalid product id %q", productID)
	}
	data, err := os.ReadFile(s.configPath(productID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Newf(apierr.KindNotFound, "product %s not found", productID)
		}
		return nil, fmt.Errorf("read product config: %w", err)
	}

	var p Product
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "parse product config", err)
	}
	if p.ProductID == "" {
		p.ProductID = productID
	}
	canonical, err := Canonicalize(s.validate, &p)
	if err != nil {
		return nil, err
	}

	s.publish(productID, canonical)
	return canonical.Clone(), nil
}

// Save canonicalizes and persists the configuration atomically, then
// publishes the new snapshot. Returns the canonical form.
func (s *Store) Save(productID string, p *Product) (*Product, error) {
	if p.ProductID == "" {
		p.ProductID = productID
	}
	if p.ProductID != productID {
		return nil, apierr.Newf(apierr.KindValidation,
			"product id mismatch: path %q vs body %q", productID, p.ProductID)
	}
	canonical, err := Canonicalize(s.validate, p)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.MarshalIndent(canonical, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal product config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.configPath(productID), data); err != nil {
		return nil, fmt.Errorf("persist product config: %w", err)
	}

	s.publish(productID, canonical)
	return canonical.Clone(), nil
}

// Create writes an empty configuration for a new product. Fails with
// CONFLICT when the product already exists.
func (s *Store) Create(productID, description string, deviceCount int) (*Product, error) {
	if !ValidProductID(productID) {
		return nil, apierr.Newf(apierr.KindValidation, "invalid product id %q", productID)
	}
	if _, err := os.Stat(s.configPath(productID)); err == nil {
		return nil, apierr.Newf(apierr.KindConflict, "product %s already exists", productID)
	}
	p := &Product{
		ProductID:   productID,
		Description: description,
		DeviceCount: deviceCount,
		ROIs:        []ROI{},
	}
	return s.Save(productID, p)
}

// Invalidate drops the cached snapshot for productID.
func (s *Store) Invalidate(productID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := *s.cache.Load()
	if _, ok := old[productID]; !ok {
		return
	}
	next := make(map[string]*Product, len(old))
	for k, v := range old {
		if k != productID {
			next[k] = v
		}
	}
	s.cache.Store(&next)
}

// publish swaps in a new snapshot map containing canonical. Callers
// hold writeMu except the initial Load path, where last-write-wins on
// identical content is acceptable.
func (s *Store) publish(productID string, canonical *Product) {
	old := *s.cache.Load()
	next := make(map[string]*Product, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[productID] = canonical
	s.cache.Store(&next)
}

// Watch invalidates cached products when their config file changes on
// disk outside the API (operator edits on the share). Blocks until ctx
// is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch product root: %w", err)
	}
	// watch existing product dirs; new ones are picked up on create events
	entries, _ := os.ReadDir(s.root)
	for _, e := range entries {
		if e.IsDir() {
			_ = watcher.Add(filepath.Join(s.root, e.Name()))
		}
	}

	logger := log.WithComponent("roiconfig")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
			}
			base := filepath.Base(event.Name)
			if !strings.HasPrefix(base, "rois_config_") || !strings.HasSuffix(base, ".json") {
				continue
			}
			productID := strings.TrimSuffix(strings.TrimPrefix(base, "rois_config_"), ".json")
			s.Invalidate(productID)
			logger.Info().
				Str("event", "config.invalidated").
				Str("product_id", productID).
				Str("op", event.Op.String()).
				Msg("product config changed on disk, cache dropped")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
