package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"nodecast-proxy/work/client"
	"nodecast-proxy/work/config"
	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/sources"
	"nodecast-proxy/work/utils"

	"go.uber.org/ratelimit"
)

// ErrUnknownAction is returned when a requested Xtream action is not in the
// supported set.
var ErrUnknownAction = fmt.Errorf("unknown xtream action")

// xtreamActions maps the public action names to the player_api action
// parameter. The auth action has no parameter; player_api.php with bare
// credentials returns the account envelope.
var xtreamActions = map[string]string{
	"auth":              "",
	"live_categories":   "get_live_categories",
	"live_streams":      "get_live_streams",
	"vod_categories":    "get_vod_categories",
	"vod_streams":       "get_vod_streams",
	"series_categories": "get_series_categories",
	"series":            "get_series",
	"vod_info":          "get_vod_info",
	"series_info":       "get_series_info",
	"short_epg":         "get_short_epg",
}

// Fetcher performs upstream requests against Xtream providers, M3U playlists
// and XMLTV guides. Every call is rate limited per source so a burst of
// cache misses cannot hammer one provider.
type Fetcher struct {
	httpClient *client.HeaderSettingClient
	cfg        *config.Config

	limiterMu sync.RWMutex
	limiters  map[int64]ratelimit.Limiter
}

// NewFetcher builds a Fetcher around the shared header-setting HTTP client.
func NewFetcher(httpClient *client.HeaderSettingClient, cfg *config.Config) *Fetcher {
	return &Fetcher{
		httpClient: httpClient,
		cfg:        cfg,
		limiters:   make(map[int64]ratelimit.Limiter),
	}
}

// limiterFor returns the rate limiter for one source, creating it on first
// use. Double-checked locking keeps the hot path on the read lock.
func (f *Fetcher) limiterFor(sourceID int64) ratelimit.Limiter {
	f.limiterMu.RLock()
	rl, ok := f.limiters[sourceID]
	f.limiterMu.RUnlock()
	if ok {
		return rl
	}

	f.limiterMu.Lock()
	defer f.limiterMu.Unlock()
	if rl, ok = f.limiters[sourceID]; ok {
		return rl
	}
	rl = ratelimit.New(f.cfg.UpstreamRate)
	f.limiters[sourceID] = rl
	return rl
}

// XtreamAction calls player_api.php on the source for the given action,
// forwarding any extra query parameters, and returns the raw JSON body.
// The payload is passed through opaque; clients decode it.
func (f *Fetcher) XtreamAction(ctx context.Context, src *sources.Source, action string, params url.Values) (json.RawMessage, error) {
	apiAction, ok := xtreamActions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	q := url.Values{}
	q.Set("username", src.Username)
	q.Set("password", src.Password)
	if apiAction != "" {
		q.Set("action", apiAction)
	}
	for key, vals := range params {
		for _, v := range vals {
			q.Add(key, v)
		}
	}

	target := strings.TrimSuffix(src.URL, "/") + "/player_api.php?" + q.Encode()
	f.limiterFor(src.ID).Take()

	body, err := f.fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("provider returned invalid JSON for action %s", action)
	}
	logger.Debug("{upstream/xtream - XtreamAction} %s from %s returned %s",
		action, utils.LogURL(f.cfg.ObfuscateUrls, src.URL), utils.FormatBytes(int64(len(body))))
	return body, nil
}

// IsXtreamAction reports whether the action name is supported.
func IsXtreamAction(action string) bool {
	_, ok := xtreamActions[action]
	return ok
}

// BuildStreamURL constructs the direct media URL for one stream on an Xtream
// provider. streamType selects the path segment: live, movie or series.
// Live streams default to a .ts container, on-demand content to the container
// extension the provider advertised (mp4 when absent).
func BuildStreamURL(src *sources.Source, streamID, streamType, container string) string {
	base := strings.TrimSuffix(src.URL, "/")
	switch streamType {
	case "movie", "vod":
		if container == "" {
			container = "mp4"
		}
		return fmt.Sprintf("%s/movie/%s/%s/%s.%s", base, src.Username, src.Password, streamID, container)
	case "series":
		if container == "" {
			container = "mp4"
		}
		return fmt.Sprintf("%s/series/%s/%s/%s.%s", base, src.Username, src.Password, streamID, container)
	default:
		if container == "" {
			container = "ts"
		}
		return fmt.Sprintf("%s/live/%s/%s/%s.%s", base, src.Username, src.Password, streamID, container)
	}
}

// XmltvURL returns the provider's full XMLTV guide endpoint.
func XmltvURL(src *sources.Source) string {
	q := url.Values{}
	q.Set("username", src.Username)
	q.Set("password", src.Password)
	return strings.TrimSuffix(src.URL, "/") + "/xmltv.php?" + q.Encode()
}

// fetch performs one GET with the configured timeout and returns the body.
// Non-200 responses are errors here; this path serves metadata, not media,
// so there is no status to forward.
func (f *Fetcher) fetch(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	return body, nil
}
