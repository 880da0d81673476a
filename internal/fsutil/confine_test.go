// SPDX-License-Identifier: MIT

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfine(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o750))

	path, err := Confine(root, "sub/image.jpg")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "image.jpg", filepath.Base(path))

	// not-yet-existing leaf is fine; the caller creates it
	_, err = Confine(root, "fresh.jpg")
	assert.NoError(t, err)

	for _, bad := range []string{
		"../escape.jpg",
		"sub/../../escape.jpg",
		"/etc/passwd",
		`sub\evil.jpg`,
		"..",
	} {
		_, err := Confine(root, bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestConfineResolvesSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := Confine(root, "link/file.jpg")
	assert.Error(t, err, "symlink pointing outside the root must be rejected")
}

func TestSafeName(t *testing.T) {
	assert.NoError(t, SafeName("best_golden.jpg"))
	assert.NoError(t, SafeName("original_1700000000_old_best.jpg"))

	for _, bad := range []string{"", "..", "../x", "a/b", `a\b`, "a..b"} {
		assert.Error(t, SafeName(bad), "input %q", bad)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "out.bin")

	require.NoError(t, WriteFileAtomic(target, []byte("payload")))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// overwrite in place
	require.NoError(t, WriteFileAtomic(target, []byte("v2")))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	// no temp droppings
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
