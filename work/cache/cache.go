package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/metrics"

	"github.com/grafana/regexp"
	"github.com/maypok86/otter/v2"
)

// unsafeKeyChars matches every character that may not appear in a cache file
// name. Anything outside this set is replaced before the key touches the
// filesystem, so hostile keys cannot traverse out of the cache directory.
var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// entry is the on-disk envelope for a cached payload.
type entry struct {
	Timestamp int64           `json:"timestamp"` // epoch milliseconds at write time
	Data      json.RawMessage `json:"data"`
}

// Store provides namespaced, TTL-gated persistence for upstream API responses.
// Each (namespace, sourceId, key) triple maps to one JSON file under the cache
// directory; a bounded in-memory hot layer fronts the disk so repeated guide
// loads skip the filesystem entirely.
//
// Caching is best-effort by contract: read failures degrade to a miss and
// write failures are logged and swallowed. The store must never fail the
// primary request path.
type Store struct {
	dir string
	hot *otter.Cache[string, entry]
}

// NewStore creates a cache store rooted at dir with an in-memory hot layer
// holding up to hotEntries envelopes.
func NewStore(dir string, hotEntries int) *Store {
	return &Store{
		dir: dir,
		hot: otter.Must(&otter.Options[string, entry]{
			MaximumSize: hotEntries,
		}),
	}
}

// SanitizeKey strips every character outside [A-Za-z0-9_-] from a cache key.
// Two different unsafe keys may sanitize identically; that collision is an
// accepted limitation, traversal safety is not.
func SanitizeKey(key string) string {
	if key == "" {
		key = "default"
	}
	return unsafeKeyChars.ReplaceAllString(key, "_")
}

// path returns the file location for one cache entry.
func (s *Store) path(namespace, sourceID, key string) string {
	return filepath.Join(s.dir, SanitizeKey(namespace), SanitizeKey(sourceID), SanitizeKey(key)+".json")
}

// hotKey builds the hot-layer lookup key for one entry.
func (s *Store) hotKey(namespace, sourceID, key string) string {
	return SanitizeKey(namespace) + "/" + SanitizeKey(sourceID) + "/" + SanitizeKey(key)
}

// Get returns the cached payload for (namespace, sourceId, key) if it is no
// older than maxAge. An entry aged exactly maxAge still counts as fresh.
// Missing, corrupt or stale entries all report a miss; corruption is never
// surfaced to the caller.
func (s *Store) Get(namespace, sourceID, key string, maxAge time.Duration) (json.RawMessage, bool) {
	hk := s.hotKey(namespace, sourceID, key)

	ent, ok := s.hot.GetIfPresent(hk)
	if !ok {
		var err error
		ent, err = s.readEntry(namespace, sourceID, key)
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("{cache/cache - Get} Read error for %s/%s/%s: %v", namespace, sourceID, key, err)
				metrics.CacheOps.WithLabelValues(namespace, "error").Inc()
			} else {
				metrics.CacheOps.WithLabelValues(namespace, "miss").Inc()
			}
			return nil, false
		}
		s.hot.Set(hk, ent)
	}

	age := time.Duration(nowMillis()-ent.Timestamp) * time.Millisecond
	if age > maxAge {
		metrics.CacheOps.WithLabelValues(namespace, "stale").Inc()
		return nil, false
	}

	metrics.CacheOps.WithLabelValues(namespace, "hit").Inc()
	return ent.Data, true
}

// Set stores a payload for (namespace, sourceId, key), overwriting any prior
// entry. Failures are logged and swallowed; a broken cache disk must not take
// the request path down with it.
func (s *Store) Set(namespace, sourceID, key string, payload json.RawMessage) {
	ent := entry{
		Timestamp: nowMillis(),
		Data:      payload,
	}

	dir := filepath.Dir(s.path(namespace, sourceID, key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Error("{cache/cache - Set} Cannot create cache dir %s: %v", dir, err)
		metrics.CacheOps.WithLabelValues(namespace, "error").Inc()
		return
	}

	data, err := json.Marshal(ent)
	if err != nil {
		logger.Error("{cache/cache - Set} Cannot marshal entry for %s/%s/%s: %v", namespace, sourceID, key, err)
		metrics.CacheOps.WithLabelValues(namespace, "error").Inc()
		return
	}

	if err := os.WriteFile(s.path(namespace, sourceID, key), data, 0o644); err != nil {
		logger.Error("{cache/cache - Set} Write error for %s/%s/%s: %v", namespace, sourceID, key, err)
		metrics.CacheOps.WithLabelValues(namespace, "error").Inc()
		return
	}

	s.hot.Set(s.hotKey(namespace, sourceID, key), ent)
	metrics.CacheOps.WithLabelValues(namespace, "write").Inc()
}

// GetJSON unmarshals a fresh cached payload into out, reporting whether a
// fresh entry was found and decoded.
func (s *Store) GetJSON(namespace, sourceID, key string, maxAge time.Duration, out any) bool {
	raw, ok := s.Get(namespace, sourceID, key, maxAge)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		logger.Warn("{cache/cache - GetJSON} Corrupt payload for %s/%s/%s: %v", namespace, sourceID, key, err)
		return false
	}
	return true
}

// SetJSON marshals value and stores it like Set.
func (s *Store) SetJSON(namespace, sourceID, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		logger.Error("{cache/cache - SetJSON} Cannot marshal value for %s/%s/%s: %v", namespace, sourceID, key, err)
		return
	}
	s.Set(namespace, sourceID, key, data)
}

// ClearEntry removes one cached entry. Missing entries are not an error.
func (s *Store) ClearEntry(namespace, sourceID, key string) {
	s.hot.Invalidate(s.hotKey(namespace, sourceID, key))
	if err := os.Remove(s.path(namespace, sourceID, key)); err != nil && !os.IsNotExist(err) {
		logger.Warn("{cache/cache - ClearEntry} Remove error for %s/%s/%s: %v", namespace, sourceID, key, err)
	}
}

// ClearSource removes every cached entry, across all namespaces, for one
// source. Entries belonging to other sources are untouched.
func (s *Store) ClearSource(sourceID string) {
	s.hot.InvalidateAll()

	namespaces, err := os.ReadDir(s.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("{cache/cache - ClearSource} Cannot list cache dir: %v", err)
		}
		return
	}

	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, ns.Name(), SanitizeKey(sourceID))
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("{cache/cache - ClearSource} Remove error for %s: %v", dir, err)
		}
	}
}

// ClearAll removes the entire cache directory.
func (s *Store) ClearAll() {
	s.hot.InvalidateAll()
	if err := os.RemoveAll(s.dir); err != nil {
		logger.Warn("{cache/cache - ClearAll} Remove error: %v", err)
	}
}

// readEntry loads and decodes one entry file from disk.
func (s *Store) readEntry(namespace, sourceID, key string) (entry, error) {
	data, err := os.ReadFile(s.path(namespace, sourceID, key))
	if err != nil {
		return entry{}, err
	}
	var ent entry
	if err := json.Unmarshal(data, &ent); err != nil {
		return entry{}, err
	}
	return ent, nil
}

// nowMillis is a hook for tests that pin the clock.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
