// Copyright 2024-2026 Aiku AI

package bridge

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exhttp"
)

// Router serves the admin API: Prometheus metrics, a health check and the
// state of running pairings.
func (b *Bridge) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(b.log))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", b.handleHealth)
	r.Get("/api/pairings", b.handleListPairings)
	r.Get("/api/pairings/{name}", b.handleGetPairing)
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				log.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("Admin request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (b *Bridge) handleHealth(w http.ResponseWriter, _ *http.Request) {
	running := len(b.pairings.CopyData())
	status := http.StatusOK
	if running < len(b.cfg.Pairings) {
		status = http.StatusServiceUnavailable
	}
	exhttp.WriteJSONResponse(w, status, map[string]int{
		"configured": len(b.cfg.Pairings),
		"running":    running,
	})
}

func (b *Bridge) handleListPairings(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]PairingStatus, 0, len(b.cfg.Pairings))
	for _, p := range b.pairings.CopyData() {
		statuses = append(statuses, p.status())
	}
	slices.SortFunc(statuses, func(a, b PairingStatus) int {
		return strings.Compare(a.Name, b.Name)
	})
	exhttp.WriteJSONResponse(w, http.StatusOK, statuses)
}

func (b *Bridge) handleGetPairing(w http.ResponseWriter, r *http.Request) {
	p, ok := b.pairings.Get(chi.URLParam(r, "name"))
	if !ok {
		exhttp.WriteJSONResponse(w, http.StatusNotFound, map[string]string{"error": "pairing not running"})
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, p.status())
}
