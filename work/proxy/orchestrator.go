package proxy

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"nodecast-proxy/work/cache"
	"nodecast-proxy/work/config"
	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/metrics"
	"nodecast-proxy/work/sources"
	"nodecast-proxy/work/upstream"

	"github.com/panjf2000/ants/v2"
)

// Cache namespaces, one per source kind.
const (
	nsXtream = "xtream"
	nsM3U    = "m3u"
	nsEPG    = "epg"
)

// cacheableActions holds the Xtream actions whose responses are worth keeping
// on disk. Account auth and per-item detail lookups always go upstream.
var cacheableActions = map[string]bool{
	"live_categories":   true,
	"live_streams":      true,
	"vod_categories":    true,
	"vod_streams":       true,
	"series_categories": true,
	"series":            true,
}

// Orchestrator decides, per request, whether to serve a cached upstream
// payload or fetch a fresh one. A forced refresh bypasses the cache read but
// the fresh payload is still written back, so the next client benefits.
type Orchestrator struct {
	cfg      *config.Config
	store    *cache.Store
	fetcher  *upstream.Fetcher
	registry *sources.Registry
	pool     *ants.Pool
}

// NewOrchestrator wires the cache store, upstream fetcher and source registry
// together. pool runs the EPG per-channel fan-out.
func NewOrchestrator(cfg *config.Config, store *cache.Store, fetcher *upstream.Fetcher, registry *sources.Registry, pool *ants.Pool) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		fetcher:  fetcher,
		registry: registry,
		pool:     pool,
	}
}

// FetchOptions carry the per-request cache controls.
type FetchOptions struct {
	ForceRefresh bool
	MaxAge       time.Duration
}

// OptionsFromQuery reads refresh=1 and maxAge=<hours> out of a query string,
// falling back to the configured default age.
func (o *Orchestrator) OptionsFromQuery(q url.Values) FetchOptions {
	opts := FetchOptions{
		ForceRefresh: q.Get("refresh") == "1",
		MaxAge:       o.cfg.CacheMaxAge,
	}
	if hours, err := strconv.Atoi(q.Get("maxAge")); err == nil && hours > 0 {
		opts.MaxAge = time.Duration(hours) * time.Hour
	}
	return opts
}

// XtreamAction serves one Xtream API action, through the cache when the
// action is cacheable.
func (o *Orchestrator) XtreamAction(ctx context.Context, src *sources.Source, action string, params url.Values, opts FetchOptions) (json.RawMessage, error) {
	sourceID := strconv.FormatInt(src.ID, 10)

	cacheKey := action
	if categoryID := params.Get("category_id"); categoryID != "" {
		cacheKey = action + "_" + categoryID
	}

	useCache := o.cfg.CacheEnabled && cacheableActions[action]
	if useCache && !opts.ForceRefresh {
		if data, ok := o.store.Get(nsXtream, sourceID, cacheKey, opts.MaxAge); ok {
			return data, nil
		}
	}

	data, err := o.fetcher.XtreamAction(ctx, src, action, params)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(action).Inc()
		return nil, err
	}

	if useCache {
		o.store.Set(nsXtream, sourceID, cacheKey, data)
	}
	return data, nil
}

// M3UPlaylist serves a source's parsed channel list, through the cache.
func (o *Orchestrator) M3UPlaylist(ctx context.Context, src *sources.Source, opts FetchOptions) ([]upstream.Channel, error) {
	sourceID := strconv.FormatInt(src.ID, 10)

	if o.cfg.CacheEnabled && !opts.ForceRefresh {
		var channels []upstream.Channel
		if o.store.GetJSON(nsM3U, sourceID, "playlist", opts.MaxAge, &channels) {
			return channels, nil
		}
	}

	channels, err := o.fetcher.FetchM3U(ctx, src)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("m3u").Inc()
		return nil, err
	}

	if o.cfg.CacheEnabled {
		o.store.SetJSON(nsM3U, sourceID, "playlist", channels)
	}
	return channels, nil
}

// EPGGuide serves a source's parsed XMLTV guide, through the cache. Guides
// run to tens of megabytes, so the cache matters most here.
func (o *Orchestrator) EPGGuide(ctx context.Context, src *sources.Source, opts FetchOptions) (*upstream.Guide, error) {
	sourceID := strconv.FormatInt(src.ID, 10)

	if o.cfg.CacheEnabled && !opts.ForceRefresh {
		var guide upstream.Guide
		if o.store.GetJSON(nsEPG, sourceID, "data", opts.MaxAge, &guide) {
			return &guide, nil
		}
	}

	guide, err := o.fetcher.FetchEPG(ctx, src)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues("epg").Inc()
		return nil, err
	}

	if o.cfg.CacheEnabled {
		o.store.SetJSON(nsEPG, sourceID, "data", guide)
	}
	return guide, nil
}

// ChannelGuides computes current and upcoming programmes for each requested
// channel, fanning the per-channel scans out over the worker pool.
func (o *Orchestrator) ChannelGuides(guide *upstream.Guide, channelIDs []string, now time.Time) map[string]upstream.ChannelNow {
	type answer struct {
		id string
		cn upstream.ChannelNow
	}

	results := make(chan answer, len(channelIDs))
	for _, id := range channelIDs {
		id := id
		if err := o.pool.Submit(func() {
			results <- answer{id: id, cn: guide.CurrentAndUpcoming(id, now)}
		}); err != nil {
			// Pool rejected the task, compute inline rather than dropping
			// the channel from the response.
			logger.Warn("{proxy/orchestrator - ChannelGuides} Pool submit failed: %v", err)
			results <- answer{id: id, cn: guide.CurrentAndUpcoming(id, now)}
		}
	}

	out := make(map[string]upstream.ChannelNow, len(channelIDs))
	for range channelIDs {
		a := <-results
		out[a.id] = a.cn
	}
	return out
}

// ClearSource drops every cached payload for one source. Unknown ids clear
// nothing and still succeed.
func (o *Orchestrator) ClearSource(sourceID string) {
	o.store.ClearSource(sourceID)
}

// ClearEPG drops only the cached guide for one source.
func (o *Orchestrator) ClearEPG(sourceID string) {
	o.store.ClearEntry(nsEPG, sourceID, "data")
}
