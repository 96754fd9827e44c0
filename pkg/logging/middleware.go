package logging

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HeaderRequestID is echoed on every HTTP response.
const HeaderRequestID = "X-Request-ID"

// HTTPMiddleware assigns each HTTP request an id (taken from X-Request-ID or
// generated), stores it on the request context and logs completion.
func HTTPMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(HeaderRequestID, requestID)

			r = r.WithContext(ContextWithRequestID(r.Context(), requestID))

			reqLogger := logger.WithFields(
				String("request_id", requestID),
				String("method", r.Method),
				String("path", r.URL.Path),
				String("remote_addr", r.RemoteAddr),
			)
			reqLogger.Debug("HTTP request started")

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rw, r)

			reqLogger.Debug("HTTP request completed",
				Int("status", rw.statusCode),
				Int("bytes", rw.bytesWritten),
				Duration("duration", time.Since(start)),
			)
		})
	}
}

// responseWriter captures the status code and body size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += n
	return n, err
}
