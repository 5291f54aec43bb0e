package relay

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"nodecast-proxy/work/client"
	"nodecast-proxy/work/config"
	"nodecast-proxy/work/logger"
	"nodecast-proxy/work/metrics"
	"nodecast-proxy/work/utils"

	"github.com/grafana/regexp"
)

// uriAttr matches URI="..." attributes inside manifest comment lines, where
// encryption keys and init segments hide.
var uriAttr = regexp.MustCompile(`URI="([^"]+)"`)

// Relay proxies upstream media through this server. HLS manifests get every
// reference rewritten back through the relay so the player never talks to the
// provider directly; everything else streams through unchanged.
type Relay struct {
	cfg        *config.Config
	httpClient *client.HeaderSettingClient
}

// New builds the relay around the shared header-setting client.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient) *Relay {
	return &Relay{cfg: cfg, httpClient: httpClient}
}

// HandleStream serves GET /proxy/stream?url=. Once body bytes have been
// written no error status can follow; mid-stream failures just end the
// response.
func (rl *Relay) HandleStream(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		metrics.RelayRequests.WithLabelValues("bad_request").Inc()
		http.Error(w, `{"error":"URL required"}`, http.StatusBadRequest)
		return
	}

	crw := client.NewCustomResponseWriter(w)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		metrics.RelayRequests.WithLabelValues("bad_request").Inc()
		http.Error(crw, `{"error":"invalid url"}`, http.StatusBadRequest)
		return
	}

	resp, err := rl.httpClient.Do(req)
	if err != nil {
		logger.Error("{relay/relay - HandleStream} Fetch failed for %s: %v",
			utils.LogURL(rl.cfg.ObfuscateUrls, target), err)
		metrics.RelayRequests.WithLabelValues("error").Inc()
		if !crw.WroteHeader {
			http.Error(crw, `{"error":"failed to fetch stream"}`, http.StatusInternalServerError)
		}
		return
	}
	defer resp.Body.Close()

	// Upstream refusals forward verbatim so the player sees the real status.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn("{relay/relay - HandleStream} Upstream %d for %s",
			resp.StatusCode, utils.LogURL(rl.cfg.ObfuscateUrls, target))
		metrics.RelayRequests.WithLabelValues("upstream_error").Inc()
		crw.WriteHeader(resp.StatusCode)
		// Forward the provider's own status text, not the standard phrase.
		statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
		fmt.Fprintf(crw, "Failed to fetch stream: %s", statusText)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	crw.Header().Set("Access-Control-Allow-Origin", "*")

	if isManifest(contentType, target) {
		rl.serveManifest(crw, r, resp, target, contentType)
		return
	}

	crw.Header().Set("Content-Type", contentType)
	written := rl.copyChunks(crw, resp.Body)
	metrics.RelayRequests.WithLabelValues("binary").Inc()
	metrics.RelayBytes.Add(float64(written))
}

// serveManifest buffers a manifest body and rewrites its references when it
// really is an HLS playlist. Bodies that merely looked like manifests pass
// through untouched.
func (rl *Relay) serveManifest(crw *client.CustomResponseWriter, r *http.Request, resp *http.Response, target, contentType string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("{relay/relay - serveManifest} Body read failed for %s: %v",
			utils.LogURL(rl.cfg.ObfuscateUrls, target), err)
		metrics.RelayRequests.WithLabelValues("error").Inc()
		if !crw.WroteHeader {
			http.Error(crw, `{"error":"failed to read manifest"}`, http.StatusInternalServerError)
		}
		return
	}

	manifest := string(body)
	if strings.HasPrefix(strings.TrimSpace(manifest), "#EXTM3U") {
		crw.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		manifest = RewriteManifest(manifest, target, rl.streamEndpoint(r))
	} else if contentType != "" {
		crw.Header().Set("Content-Type", contentType)
	}

	metrics.RelayRequests.WithLabelValues("manifest").Inc()
	metrics.RelayBytes.Add(float64(len(manifest)))
	crw.Write([]byte(manifest))
}

// isManifest decides whether the payload should be treated as an HLS
// manifest, by content type or by URL extension.
func isManifest(contentType, target string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "mpegurl") || strings.Contains(strings.ToLower(target), ".m3u8")
}

// RewriteManifest routes every reference in an HLS manifest back through the
// relay endpoint. Segment lines and URI="..." attributes are resolved against
// the manifest's own base URL first; anything that fails to resolve is left
// alone so an odd line cannot break the whole playlist.
func RewriteManifest(manifest, fetchedURL, streamEndpoint string) string {
	base, err := url.Parse(fetchedURL)
	if err != nil {
		return manifest
	}

	rewrite := func(ref string) (string, bool) {
		refURL, err := url.Parse(strings.TrimSpace(ref))
		if err != nil {
			return "", false
		}
		absolute := base.ResolveReference(refURL).String()
		return streamEndpoint + url.QueryEscape(absolute), true
	}

	lines := strings.Split(manifest, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			if strings.Contains(trimmed, `URI="`) {
				lines[i] = uriAttr.ReplaceAllStringFunc(line, func(match string) string {
					ref := uriAttr.FindStringSubmatch(match)[1]
					if rewritten, ok := rewrite(ref); ok {
						return `URI="` + rewritten + `"`
					}
					return match
				})
			}
			continue
		}

		if rewritten, ok := rewrite(trimmed); ok {
			lines[i] = rewritten
		}
	}
	return strings.Join(lines, "\n")
}

// streamEndpoint builds the absolute relay endpoint prefix that rewritten
// references point at.
func (rl *Relay) streamEndpoint(r *http.Request) string {
	base := rl.cfg.BaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return strings.TrimSuffix(base, "/") + "/api/proxy/stream?url="
}

// copyChunks streams the body through in 32KB chunks, flushing after each so
// live segments reach the player without buffering delays.
func (rl *Relay) copyChunks(crw *client.CustomResponseWriter, body io.Reader) int64 {
	buffer := make([]byte, 32*1024)
	var written int64

	for {
		n, err := body.Read(buffer)
		if n > 0 {
			if _, werr := crw.Write(buffer[:n]); werr != nil {
				// Client went away; nothing more to deliver.
				return written
			}
			written += int64(n)
			crw.Flush()
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("{relay/relay - copyChunks} Upstream read ended: %v", err)
			}
			return written
		}
	}
}
