// SPDX-License-Identifier: MIT

package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/prodvision/aoid/internal/apierr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *fakeClock) {
	t.Helper()
	m := NewManager(t.TempDir(), ttl)
	fc := &fakeClock{now: time.Unix(1700000000, 0)}
	m.clock = fc
	return m, fc
}

func TestCreateProvisionsDirectories(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)

	s, err := m.Create("widget-a", "line-3")
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, "widget-a", s.ProductID)
	assert.Equal(t, "line-3", s.ClientTag)

	for _, dir := range []string{m.InputDir(s.ID), m.OutputDir(s.ID)} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(m.Dir(s.ID), "output"), m.OutputDir(s.ID))
}

func TestGetAndActive(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	s, err := m.Create("widget-a", "")
	require.NoError(t, err)

	got, err := m.Active(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = m.Active("no-such-session")
	assert.Equal(t, apierr.KindNotFound, apierr.KindOf(err))

	_, err = m.Close(s.ID)
	require.NoError(t, err)

	// closed sessions are still retrievable but no longer active
	got, err = m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)

	_, err = m.Active(s.ID)
	assert.Equal(t, apierr.KindGone, apierr.KindOf(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	m, fc := newTestManager(t, time.Hour)
	s, err := m.Create("widget-a", "")
	require.NoError(t, err)

	first, err := m.Close(s.ID)
	require.NoError(t, err)
	closedAt := first.LastActivity

	fc.now = fc.now.Add(time.Minute)
	second, err := m.Close(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, second.State)
	assert.Equal(t, closedAt, second.LastActivity, "second close must not move the timestamp")
}

func TestReapClosesIdleSessions(t *testing.T) {
	m, fc := newTestManager(t, 30*time.Minute)

	idle, err := m.Create("widget-a", "")
	require.NoError(t, err)
	busy, err := m.Create("widget-a", "")
	require.NoError(t, err)

	fc.now = fc.now.Add(31 * time.Minute)
	m.Touch(busy.ID)
	m.reap()

	got, err := m.Get(idle.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)

	got, err = m.Get(busy.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestTouchIgnoresClosedSession(t *testing.T) {
	m, fc := newTestManager(t, time.Hour)
	s, err := m.Create("widget-a", "")
	require.NoError(t, err)
	closed, err := m.Close(s.ID)
	require.NoError(t, err)

	fc.now = fc.now.Add(time.Minute)
	m.Touch(s.ID)

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, closed.LastActivity, got.LastActivity)
}

func TestListNewestFirst(t *testing.T) {
	m, fc := newTestManager(t, time.Hour)

	older, err := m.Create("widget-a", "")
	require.NoError(t, err)
	fc.now = fc.now.Add(time.Second)
	newer, err := m.Create("widget-b", "")
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	s, err := m.Create("widget-a", "")
	require.NoError(t, err)

	s.State = StateClosed // mutating the snapshot must not affect the table
	got, err := m.Active(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}
