package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/codeGROOVE-dev/bountyhook/pkg/logger"
)

// CombinedMiddleware applies request logging, panic recovery, security
// headers and per-IP rate limiting.
func CombinedMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ClientIP(r)
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if rec := recover(); rec != nil {
					buf := make([]byte, 4096)
					n := runtime.Stack(buf, false)
					logger.Error(ctx, "panic recovered", fmt.Errorf("%v", rec), logger.Fields{
						"ip":    ip,
						"path":  r.URL.Path,
						"stack": string(buf[:n]),
					})
					if !wrapped.written {
						WriteMessage(wrapped, http.StatusInternalServerError, "Internal Server Error")
					}
				}

				fields := logger.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"ip":          ip,
					"status":      wrapped.statusCode,
					"duration_ms": time.Since(start).Milliseconds(),
				}
				if wrapped.statusCode >= http.StatusBadRequest {
					fields["user_agent"] = r.UserAgent()
					logger.Warn(ctx, "http request failed", fields)
					return
				}
				logger.Info(ctx, "http request", fields)
			}()

			if !rl.Allow(ip) {
				logger.Warn(ctx, "rate limit exceeded", logger.Fields{"ip": ip, "path": r.URL.Path})
				WriteMessage(wrapped, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			h := wrapped.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

			next.ServeHTTP(wrapped, r)
		})
	}
}

// WriteMessage writes {"message": msg} with the given status.
func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"message": msg})
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug(context.Background(), "failed to write response", logger.Fields{"error": err.Error()})
	}
}

// responseWriter captures the status code written by the wrapped handler.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

// Hijack lets the websocket handshake take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.written = true
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}
