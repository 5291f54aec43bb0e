package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/sources"
	"nodecast-proxy/work/upstream"

	"github.com/gorilla/mux"
)

// forwardedParams are the query parameters relayed to player_api.php.
var forwardedParams = []string{"category_id", "stream_id", "vod_id", "series_id", "limit"}

// HandleXtreamAction serves GET /proxy/xtream/{sourceId}/{action}.
func (o *Orchestrator) HandleXtreamAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	src, ok := o.resolveSource(w, vars["sourceId"], sources.TypeXtream, "Xtream source not found")
	if !ok {
		return
	}

	action := vars["action"]
	if !upstream.IsXtreamAction(action) {
		writeError(w, http.StatusBadRequest, "Unknown action")
		return
	}

	params := url.Values{}
	for _, key := range forwardedParams {
		if v := r.URL.Query().Get(key); v != "" {
			params.Set(key, v)
		}
	}

	data, err := o.XtreamAction(r.Context(), src, action, params, o.OptionsFromQuery(r.URL.Query()))
	if err != nil {
		logger.Error("{proxy/handlers - HandleXtreamAction} %s on source %d: %v", action, src.ID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeRawJSON(w, data)
}

// HandleStreamURL serves GET /proxy/xtream/{sourceId}/stream/{streamId} and
// the /{type} variant, returning the direct media URL for the stream.
func (o *Orchestrator) HandleStreamURL(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	src, ok := o.resolveSource(w, vars["sourceId"], sources.TypeXtream, "Xtream source not found")
	if !ok {
		return
	}

	streamType := vars["type"]
	if streamType == "" {
		streamType = "live"
	}
	container := r.URL.Query().Get("container")
	if container == "" {
		container = "m3u8"
	}

	writeJSON(w, map[string]string{
		"url": upstream.BuildStreamURL(src, vars["streamId"], streamType, container),
	})
}

// HandleM3U serves GET /proxy/m3u/{sourceId}.
func (o *Orchestrator) HandleM3U(w http.ResponseWriter, r *http.Request) {
	src, ok := o.resolveSource(w, mux.Vars(r)["sourceId"], sources.TypeM3U, "M3U source not found")
	if !ok {
		return
	}

	channels, err := o.M3UPlaylist(r.Context(), src, o.OptionsFromQuery(r.URL.Query()))
	if err != nil {
		logger.Error("{proxy/handlers - HandleM3U} source %d: %v", src.ID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, channels)
}

// HandleEPG serves GET /proxy/epg/{sourceId}. Dedicated epg sources and
// xtream sources both qualify; the latter expose guides via xmltv.php.
func (o *Orchestrator) HandleEPG(w http.ResponseWriter, r *http.Request) {
	src, err := o.lookupSource(mux.Vars(r)["sourceId"])
	if err != nil || (src.Type != sources.TypeEPG && src.Type != sources.TypeXtream) {
		writeError(w, http.StatusNotFound, "Valid EPG source not found")
		return
	}

	guide, err := o.EPGGuide(r.Context(), src, o.OptionsFromQuery(r.URL.Query()))
	if err != nil {
		logger.Error("{proxy/handlers - HandleEPG} source %d: %v", src.ID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, guide)
}

// HandleClearCache serves DELETE /proxy/cache/{sourceId}. Clearing is
// unconditional; an unknown id simply has nothing to remove.
func (o *Orchestrator) HandleClearCache(w http.ResponseWriter, r *http.Request) {
	o.ClearSource(mux.Vars(r)["sourceId"])
	writeJSON(w, map[string]bool{"success": true})
}

// HandleClearEPGCache serves DELETE /proxy/epg/{sourceId}/cache, removing
// only the cached guide.
func (o *Orchestrator) HandleClearEPGCache(w http.ResponseWriter, r *http.Request) {
	o.ClearEPG(mux.Vars(r)["sourceId"])
	writeJSON(w, map[string]bool{"success": true})
}

// epgChannelsRequest is the body of POST /proxy/epg/{sourceId}/channels.
type epgChannelsRequest struct {
	ChannelIDs []string `json:"channelIds"`
}

// HandleEPGChannels serves POST /proxy/epg/{sourceId}/channels, answering
// current and upcoming programmes for each requested channel.
func (o *Orchestrator) HandleEPGChannels(w http.ResponseWriter, r *http.Request) {
	src, ok := o.resolveSource(w, mux.Vars(r)["sourceId"], sources.TypeEPG, "EPG source not found")
	if !ok {
		return
	}

	var req epgChannelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelIDs == nil {
		writeError(w, http.StatusBadRequest, "channelIds array required")
		return
	}

	guide, err := o.EPGGuide(r.Context(), src, FetchOptions{MaxAge: o.cfg.CacheMaxAge})
	if err != nil {
		logger.Error("{proxy/handlers - HandleEPGChannels} source %d: %v", src.ID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, o.ChannelGuides(guide, req.ChannelIDs, time.Now()))
}

// lookupSource resolves a path id to a registered source.
func (o *Orchestrator) lookupSource(rawID string) (*sources.Source, error) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, sources.ErrNotFound
	}
	return o.registry.GetByID(id)
}

// resolveSource resolves and type-checks a source, writing the 404 itself
// when the id is unknown or the type does not match.
func (o *Orchestrator) resolveSource(w http.ResponseWriter, rawID, wantType, notFoundMsg string) (*sources.Source, bool) {
	src, err := o.lookupSource(rawID)
	if err != nil || src.Type != wantType {
		writeError(w, http.StatusNotFound, notFoundMsg)
		return nil, false
	}
	return src, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{proxy/handlers - writeJSON} Encode failed: %v", err)
	}
}

func writeRawJSON(w http.ResponseWriter, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		logger.Error("{proxy/handlers - writeRawJSON} Write failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
