package client

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"nodecast-proxy/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set the headers
// upstream providers expect: a browser-like User-Agent plus Origin/Referer
// matching the target's own origin. Some CDNs IP-lock or origin-lock their
// streams and reject anything that looks like a server-side fetch.
type HeaderSettingClient struct {
	Client *http.Client
	config *config.Config
}

// NewHeaderSettingClient builds a client tuned for long-lived streaming
// fetches: no overall timeout, but a response header timeout so dead
// upstreams fail fast.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client: client,
		config: cfg,
	}
}

// Do executes the request with the standard browser-like header set applied.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

// setHeaders applies the browser-like header set for the request's own target.
func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.config.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	origin, referer := OriginHeadersFor(req.URL)
	if origin != "" {
		req.Header.Set("Origin", origin)
		req.Header.Set("Referer", referer)
	}
}

// OriginHeadersFor derives the Origin and Referer headers for a target URL.
// The default is the target's own origin; pluto.tv is special-cased because
// its CDN hosts reject requests whose Origin does not match the player site.
func OriginHeadersFor(target *url.URL) (origin, referer string) {
	if target == nil || target.Host == "" {
		return "", ""
	}
	if strings.Contains(target.Host, "pluto.tv") {
		return "https://pluto.tv", "https://pluto.tv/"
	}
	origin = target.Scheme + "://" + target.Host
	return origin, origin + "/"
}

// CustomResponseWriter wraps http.ResponseWriter to track whether headers have
// been written, so error paths can avoid writing a status after the stream has
// started. It also implements http.Flusher for incremental delivery.
type CustomResponseWriter struct {
	http.ResponseWriter
	WroteHeader bool
	statusCode  int
}

func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{
		ResponseWriter: w,
		WroteHeader:    false,
		statusCode:     0,
	}
}

func (crw *CustomResponseWriter) WriteHeader(statusCode int) {
	if crw.WroteHeader {
		return
	}
	crw.statusCode = statusCode
	crw.ResponseWriter.WriteHeader(statusCode)
	crw.WroteHeader = true
}

func (crw *CustomResponseWriter) Write(b []byte) (int, error) {
	if !crw.WroteHeader {
		crw.WriteHeader(http.StatusOK)
	}
	return crw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher
func (crw *CustomResponseWriter) Flush() {
	if flusher, ok := crw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Status returns the status code written so far, or 0 if none.
func (crw *CustomResponseWriter) Status() int {
	return crw.statusCode
}
