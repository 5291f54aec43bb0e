package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/middleware"
	"nodecast-proxy/work/proxy"
	"nodecast-proxy/work/relay"
	"nodecast-proxy/work/remux"
	"nodecast-proxy/work/sources"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Register binds the full HTTP surface onto the router. Metadata endpoints
// get gzip compression; the streaming endpoints never do, their bodies are
// media bytes.
func Register(r *mux.Router, orch *proxy.Orchestrator, rly *relay.Relay, sup *remux.Supervisor, registry *sources.Registry) {
	api := r.PathPrefix("/api").Subrouter()

	p := api.PathPrefix("/proxy").Subrouter()
	p.HandleFunc("/xtream/{sourceId}/stream/{streamId}/{type}", middleware.GzipMiddleware(orch.HandleStreamURL)).Methods(http.MethodGet)
	p.HandleFunc("/xtream/{sourceId}/stream/{streamId}", middleware.GzipMiddleware(orch.HandleStreamURL)).Methods(http.MethodGet)
	p.HandleFunc("/xtream/{sourceId}/{action}", middleware.GzipMiddleware(orch.HandleXtreamAction)).Methods(http.MethodGet)
	p.HandleFunc("/m3u/{sourceId}", middleware.GzipMiddleware(orch.HandleM3U)).Methods(http.MethodGet)
	p.HandleFunc("/epg/{sourceId}/channels", middleware.GzipMiddleware(orch.HandleEPGChannels)).Methods(http.MethodPost)
	p.HandleFunc("/epg/{sourceId}/cache", orch.HandleClearEPGCache).Methods(http.MethodDelete)
	p.HandleFunc("/epg/{sourceId}", middleware.GzipMiddleware(orch.HandleEPG)).Methods(http.MethodGet)
	p.HandleFunc("/cache/{sourceId}", orch.HandleClearCache).Methods(http.MethodDelete)
	p.HandleFunc("/stream", rly.HandleStream).Methods(http.MethodGet)

	api.HandleFunc("/remux", sup.HandleRemux).Methods(http.MethodGet)
	api.HandleFunc("/transcode", sup.HandleTranscode).Methods(http.MethodGet)

	sh := &sourceHandlers{registry: registry}
	api.HandleFunc("/sources", middleware.GzipMiddleware(sh.list)).Methods(http.MethodGet)
	api.HandleFunc("/sources", sh.add).Methods(http.MethodPost)
	api.HandleFunc("/sources/{id}", sh.delete).Methods(http.MethodDelete)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// sourceHandlers expose source registry management.
type sourceHandlers struct {
	registry *sources.Registry
}

func (h *sourceHandlers) list(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List()
	if err != nil {
		logger.Error("{handlers/handlers - list} %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []*sources.Source{}
	}
	writeJSON(w, list)
}

func (h *sourceHandlers) add(w http.ResponseWriter, r *http.Request) {
	var src sources.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid source body")
		return
	}
	if src.Name == "" || src.URL == "" {
		writeError(w, http.StatusBadRequest, "name and url are required")
		return
	}
	switch src.Type {
	case sources.TypeXtream, sources.TypeM3U, sources.TypeEPG:
	default:
		writeError(w, http.StatusBadRequest, "type must be xtream, m3u or epg")
		return
	}

	if err := h.registry.Add(&src); err != nil {
		logger.Error("{handlers/handlers - add} %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&src)
}

func (h *sourceHandlers) delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid source id")
		return
	}
	if err := h.registry.Delete(id); err != nil {
		logger.Error("{handlers/handlers - delete} %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{handlers/handlers - writeJSON} Encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
