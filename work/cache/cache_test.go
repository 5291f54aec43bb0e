package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), 64)
}

func pinClock(t *testing.T, millis int64) {
	t.Helper()
	orig := nowMillis
	nowMillis = func() int64 { return millis }
	t.Cleanup(func() { nowMillis = orig })
}

func TestGetReturnsFreshEntry(t *testing.T) {
	s := newTestStore(t)

	s.Set("xtream", "1", "live_streams", json.RawMessage(`{"a":1}`))

	raw, ok := s.Get("xtream", "1", "live_streams", time.Hour)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(raw))
}

func TestGetMissesUnknownEntry(t *testing.T) {
	s := newTestStore(t)

	_, ok := s.Get("xtream", "1", "live_streams", time.Hour)
	assert.False(t, ok)
}

func TestFreshnessBoundary(t *testing.T) {
	s := newTestStore(t)

	pinClock(t, 1_000_000)
	s.Set("epg", "2", "data", json.RawMessage(`"payload"`))

	// Aged exactly maxAge: still fresh.
	pinClock(t, 1_000_000+60_000)
	_, ok := s.Get("epg", "2", "data", time.Minute)
	assert.True(t, ok)

	// One millisecond past maxAge: stale.
	pinClock(t, 1_000_000+60_001)
	_, ok = s.Get("epg", "2", "data", time.Minute)
	assert.False(t, ok)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 64)

	path := filepath.Join(dir, "m3u", "3", "playlist.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, ok := s.Get("m3u", "3", "playlist", time.Hour)
	assert.False(t, ok)
}

func TestClearEntryRemovesOnlyThatEntry(t *testing.T) {
	s := newTestStore(t)

	s.Set("xtream", "1", "live_streams", json.RawMessage(`1`))
	s.Set("xtream", "1", "vod_streams", json.RawMessage(`2`))

	s.ClearEntry("xtream", "1", "live_streams")

	_, ok := s.Get("xtream", "1", "live_streams", time.Hour)
	assert.False(t, ok)
	_, ok = s.Get("xtream", "1", "vod_streams", time.Hour)
	assert.True(t, ok)
}

func TestClearSourceRemovesEveryNamespace(t *testing.T) {
	s := newTestStore(t)

	s.Set("xtream", "1", "live_streams", json.RawMessage(`1`))
	s.Set("epg", "1", "data", json.RawMessage(`2`))
	s.Set("m3u", "1", "playlist", json.RawMessage(`3`))
	s.Set("xtream", "2", "live_streams", json.RawMessage(`4`))

	s.ClearSource("1")

	for _, ns := range []string{"xtream", "epg", "m3u"} {
		_, ok := s.Get(ns, "1", "anything", time.Hour)
		assert.False(t, ok, "namespace %s should be cleared", ns)
	}
	_, ok := s.Get("xtream", "1", "live_streams", time.Hour)
	assert.False(t, ok)

	// Other sources are untouched.
	_, ok = s.Get("xtream", "2", "live_streams", time.Hour)
	assert.True(t, ok)
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)

	s.Set("xtream", "1", "live_streams", json.RawMessage(`1`))
	s.ClearAll()

	_, ok := s.Get("xtream", "1", "live_streams", time.Hour)
	assert.False(t, ok)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "live_streams_5", SanitizeKey("live_streams_5"))
	assert.Equal(t, "___etc_passwd", SanitizeKey("../etc/passwd"))
	assert.Equal(t, "a_b_c", SanitizeKey("a b:c"))
	assert.Equal(t, "default", SanitizeKey(""))
}

func TestHotLayerSurvivesFileRemoval(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 64)

	s.Set("xtream", "1", "live_streams", json.RawMessage(`{"hot":true}`))
	require.NoError(t, os.Remove(filepath.Join(dir, "xtream", "1", "live_streams.json")))

	// Entry still served from memory; ClearEntry invalidates it too.
	_, ok := s.Get("xtream", "1", "live_streams", time.Hour)
	assert.True(t, ok)

	s.ClearEntry("xtream", "1", "live_streams")
	_, ok = s.Get("xtream", "1", "live_streams", time.Hour)
	assert.False(t, ok)
}
