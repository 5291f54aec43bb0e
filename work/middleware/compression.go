package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"nodecast-proxy/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool maintains a reusable pool of gzip writers to avoid repeated
// allocation overhead on every compressed response. Writers are initialized at
// BestSpeed compression level, prioritizing throughput over compression ratio.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter wraps an http.ResponseWriter with a gzip-compressing
// io.Writer, intercepting Write calls to transparently compress response
// bodies. It tracks header write state to ensure proper status code handling.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

// WriteHeader records the HTTP status code on the underlying ResponseWriter and
// marks the header as written to prevent duplicate header writes.
func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

// Write compresses and writes the byte slice to the underlying gzip writer,
// defaulting the status to 200 OK if no explicit WriteHeader call preceded it.
func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Flush ensures both the gzip compression buffer and the underlying HTTP
// response writer are flushed to the client.
func (w *gzipResponseWriter) Flush() {
	if gzw, ok := w.Writer.(*gzip.Writer); ok {
		gzw.Flush()
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// GzipMiddleware wraps an http.HandlerFunc with transparent gzip response
// compression. Only metadata endpoints should be wrapped; the streaming
// endpoints deliver media bytes that must not be re-compressed.
func GzipMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		// pass through if the client doesn't accept gzip encoding
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		// compressed size is unknown until the response is fully written
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("{middleware/compression - GzipMiddleware} failed to close gzip writer for: %s %s - %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		gzw := &gzipResponseWriter{
			Writer:         gz,
			ResponseWriter: w,
		}

		next(gzw, r)
	}
}
