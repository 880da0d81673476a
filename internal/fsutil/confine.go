// SPDX-License-Identifier: MIT

// Package fsutil provides filesystem helpers shared by the stores:
// path confinement for client-supplied names and atomic file writes.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Confine joins root and relTarget and ensures the result stays
// physically underneath root. relTarget must be relative; backslashes
// and traversal segments are rejected.
func Confine(root, relTarget string) (string, error) {
	if strings.Contains(relTarget, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", relTarget)
	}

	cleanRel := filepath.Clean(relTarget)
	if filepath.IsAbs(cleanRel) {
		return "", fmt.Errorf("target path must be relative: %s", relTarget)
	}
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", relTarget)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		realRoot = absRoot
	}

	full := filepath.Join(realRoot, cleanRel)
	real, err := resolveExisting(full)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(realRoot, real)
	if err != nil {
		return "", fmt.Errorf("rel computation failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %s", real)
	}
	return real, nil
}

// resolveExisting resolves symlinks in path; if the leaf does not exist
// yet, the parent is resolved and the leaf re-attached.
func resolveExisting(path string) (string, error) {
	if rp, err := filepath.EvalSymlinks(path); err == nil {
		return rp, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	dir := filepath.Dir(path)
	rp, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) {
			// Parent missing too: caller creates it later under root.
			return path, nil
		}
		return "", fmt.Errorf("failed to resolve parent path: %w", err)
	}
	return filepath.Join(rp, filepath.Base(path)), nil
}

// SafeName rejects names that could escape their directory. Used for
// client-supplied sample and product names.
func SafeName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("unsafe name: %s", name)
	}
	return nil
}

// IsRegularFile checks that path exists and is a regular file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
