package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"lukechampine.com/frand"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// quietPaths are polled by orchestrators and scrapers and never logged.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// InitLogger installs a JSON slog handler on stdout at LOG_LEVEL
// (debug, info, warn or error; info by default).
func InitLogger() {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", "nostr-bridge"))
	slog.Info("logger initialized", "level", level.String())
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RequestIDFromContext returns the id assigned by RequestLoggingMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// LoggerFromContext returns the default logger tagged with the request id.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return slog.Default().With("request_id", id)
	}
	return slog.Default()
}

// RequestLoggingMiddleware tags each request with an X-Request-ID, logs its
// outcome by route, and records the HTTP metrics. The route is the mux
// pattern that matched, so /users/{id}/posts aggregates across users.
func RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if !validRequestID(requestID) {
			requestID = hex.EncodeToString(frand.Bytes(8))
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, requestID))
		w.Header().Set("X-Request-ID", requestID)

		rw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		// ServeMux fills in Pattern and path values on the request it routed.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		attrs := []any{
			"request_id", requestID,
			"route", route,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"bytes", rw.written,
			"duration_ms", elapsed.Milliseconds(),
		}
		if id := r.PathValue("id"); id != "" {
			attrs = append(attrs, "user_id", id)
		}

		switch {
		case rw.statusCode >= 500:
			slog.Error("request failed", attrs...)
		case rw.statusCode >= 400:
			slog.Warn("request rejected", attrs...)
		default:
			slog.Info("request handled", attrs...)
		}

		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	})
}

// validRequestID accepts a caller-supplied id only if it is short hex.
func validRequestID(id string) bool {
	if id == "" || len(id) > 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}
