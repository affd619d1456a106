package logger

import (
	"net/http"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

// Flush keeps multipart streaming working through the wrapper.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware logs one line per request once the handler returns. For
// /stream.mjpg that is when the viewer goes away.
func Middleware(module string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)

			level := DEBUG
			if wrap.status >= http.StatusInternalServerError {
				level = WARN
			}
			if l := defaultLogger.Load(); l != nil {
				l.log(level, module, "%s %s %d %dB %s from %s",
					r.Method, r.URL.Path, wrap.status, wrap.size,
					time.Since(start).Round(time.Millisecond), r.RemoteAddr)
			}
		})
	}
}
