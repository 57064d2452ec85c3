/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package bridge

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/cantina_os/internal/logsink"
	"github.com/friendsincode/cantina_os/internal/schemas"
	"github.com/friendsincode/cantina_os/internal/service"
	"github.com/friendsincode/cantina_os/internal/telemetry"
	"github.com/friendsincode/cantina_os/internal/version"
)

const (
	// apiRateLimit is the per-IP request budget per minute on /api.
	apiRateLimit = 100
	// logQueryMax caps one /api/logs response.
	logQueryMax = 1000
)

func (b *Bridge) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	// The metrics and tracing wrappers hide http.Hijacker from the WebSocket
	// upgrade, so they mount on the API group only.
	r.Get("/ws", b.handleWS)
	r.Get("/healthz", b.handleHealthz)
	r.Get("/readyz", b.handleReadyz)

	r.Route("/api", func(r chi.Router) {
		r.Use(telemetry.MetricsMiddleware)
		r.Use(tracing("cantina-bridge"))
		r.Use(httprate.Limit(
			apiRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(rateLimited),
		))
		r.Get("/status", b.handleStatus)
		r.Get("/music/library", b.handleLibrary)
		r.Get("/logs", b.handleLogs)
		r.Get("/logs/components", b.handleLogComponents)
		r.Get("/logs/stats", b.handleLogStats)
		r.Delete("/logs", b.handleClearLogs)
	})
	return r
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	return mux
}

// tracing wraps API requests in OpenTelemetry spans named after the route.
func tracing(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, name,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimited(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", "60")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
}

// statusResponse is the /api/status document.
type statusResponse struct {
	Mode       schemas.Mode                     `json:"mode"`
	NowPlaying any                              `json:"now_playing,omitempty"`
	Services   map[string]schemas.StatusPayload `json:"services"`
	Version    *version.UpdateInfo              `json:"version,omitempty"`
	WSClients  int                              `json:"ws_clients"`
}

func (b *Bridge) handleStatus(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	resp := statusResponse{
		Mode:      b.mode.Mode,
		Services:  make(map[string]schemas.StatusPayload, len(b.statuses)),
		WSClients: len(b.clients),
	}
	for n, st := range b.statuses {
		resp.Services[n] = st
	}
	if b.playing != nil {
		resp.NowPlaying = b.playing.payload
	}
	b.mu.Unlock()

	if b.vers != nil {
		resp.Version = b.vers.Info()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Bridge) handleLibrary(w http.ResponseWriter, r *http.Request) {
	tracks := b.cmd.Listing()
	writeJSON(w, http.StatusOK, map[string]any{"tracks": tracks, "count": len(tracks)})
}

func (b *Bridge) handleLogs(w http.ResponseWriter, r *http.Request) {
	if b.ring == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []schemas.LogEntry{}, "count": 0})
		return
	}

	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > logQueryMax {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}

	entries := b.ring.Query(logsink.QueryParams{
		Level:      q.Get("level"),
		Logger:     q.Get("component"),
		Search:     q.Get("search"),
		Limit:      limit,
		Descending: true,
	})
	if entries == nil {
		entries = []schemas.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleLogComponents lists the distinct loggers in the ring, feeding the
// dashboard's filter dropdown.
func (b *Bridge) handleLogComponents(w http.ResponseWriter, r *http.Request) {
	if b.ring == nil {
		writeJSON(w, http.StatusOK, map[string]any{"components": []string{}})
		return
	}
	names := b.ring.Loggers()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"components": names})
}

func (b *Bridge) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if b.ring == nil {
		writeError(w, http.StatusServiceUnavailable, "log ring not attached")
		return
	}
	writeJSON(w, http.StatusOK, b.ring.Stats())
}

func (b *Bridge) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	if b.ring == nil {
		writeError(w, http.StatusServiceUnavailable, "log ring not attached")
		return
	}
	b.ring.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (b *Bridge) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (b *Bridge) handleReadyz(w http.ResponseWriter, r *http.Request) {
	st := b.State()
	if st != service.StateRunning && st != service.StateDegraded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(st)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
