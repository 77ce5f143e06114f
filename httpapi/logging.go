package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"pkt.systems/cellstate/schema"
	"pkt.systems/pslog"
)

// statusWriter captures the status and size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

// Flush keeps SSE streaming working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) code() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// fileLookupFunc extracts the notebook a request targets, when known.
type fileLookupFunc func(*http.Request) schema.FileID

// withRequestLogging logs one line per request. Audit trails log at info,
// otherwise requests only show up at debug.
func withRequestLogging(next http.Handler, lookup fileLookupFunc, audit bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		logger := pslog.Ctx(r.Context()).With("remote", clientIP(r))
		if lookup != nil {
			if file := lookup(r); file != "" {
				logger = logger.With("file", file)
			}
		}
		target := r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		fields := []any{
			"method", r.Method,
			"path", target,
			"status", sw.code(),
			"bytes", sw.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case sw.code() >= http.StatusInternalServerError:
			logger.Warn("http request", fields...)
		case audit:
			logger.Info("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
		logger.Trace("http request details", "ua", r.UserAgent(), "referer", r.Referer())
	})
}

// clientIP prefers proxy headers over the socket peer.
func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
