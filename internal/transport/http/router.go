// SPDX-License-Identifier: Apache-2.0

// Package httptransport mounts the public surface of the gateway: system
// probes, the operator admin API, and the catch-all proxy route.
package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/switchboardhq/switchboard/internal/domain"
	"github.com/switchboardhq/switchboard/internal/transport/middleware"
)

const sseKeepAliveInterval = 15 * time.Second

type Deps struct {
	Gateway     Forwarder
	Runs        RunReader
	Denied      DeniedCommandStore
	Backups     Backupper
	Transcripts TranscriptReader
	Events      EventSubscriber

	// AdminToken guards /admin when non-empty; an empty token leaves the
	// surface open, matching a single-operator localhost deployment.
	AdminToken      string
	AdminRatePerMin int
	Version         string
	Logger          *slog.Logger
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- SYSTEM ----------------

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		version := deps.Version
		if version == "" {
			version = "dev"
		}
		writeJSON(w, http.StatusOK, map[string]string{"version": version})
	})

	// ---------------- ADMIN ----------------

	r.Route("/admin", func(admin chi.Router) {
		if deps.AdminToken != "" {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))
		}
		ratePerMin := deps.AdminRatePerMin
		if ratePerMin <= 0 {
			ratePerMin = 240
		}
		admin.Use(middleware.PerClientRateLimit(ratePerMin, logger))

		// The admin namespace never falls through to the proxy.
		admin.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		})
		admin.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		})

		admin.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			limit := 0
			if raw := r.URL.Query().Get("limit"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
					return
				}
				limit = parsed
			}

			var (
				runs []domain.RunRecord
				err  error
			)
			if limit > 0 {
				runs, err = deps.Runs.RecentRuns(r.Context(), limit)
			} else {
				runs, err = deps.Runs.AllRuns(r.Context())
			}
			if err != nil {
				logger.Error("list runs failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list runs"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
		})

		admin.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			run, err := deps.Runs.GetRun(r.Context(), id)
			if err != nil {
				if errors.Is(err, domain.ErrRunNotFound) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
					return
				}
				logger.Error("get run failed", "run_id", id, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load run"})
				return
			}
			writeJSON(w, http.StatusOK, run)
		})

		admin.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			events, err := deps.Runs.EventsForRun(r.Context(), id)
			if err != nil {
				logger.Error("list events failed", "run_id", id, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "events": events})
		})

		admin.Get("/runs/{id}/transcript", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			text, err := deps.Transcripts.Read(id)
			if err != nil {
				if errors.Is(err, domain.ErrTranscriptNotFound) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "transcript not found"})
					return
				}
				logger.Error("read transcript failed", "run_id", id, "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read transcript"})
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(text))
		})

		admin.Get("/transcripts/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := deps.Transcripts.Stats()
			if err != nil {
				logger.Error("transcript stats failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute stats"})
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		admin.Get("/transcripts/top", func(w http.ResponseWriter, r *http.Request) {
			n := 10
			if raw := r.URL.Query().Get("n"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be an integer"})
					return
				}
				n = parsed
			}
			blobs, err := deps.Transcripts.Top(n)
			if err != nil {
				logger.Error("transcript top failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to rank transcripts"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"blobs": blobs})
		})

		admin.Post("/backup", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Path string `json:"path"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
				return
			}
			dest := deps.Backups.Backup(req.Path)
			writeJSON(w, http.StatusOK, map[string]string{"path": dest})
		})

		admin.Get("/denied-commands", func(w http.ResponseWriter, r *http.Request) {
			rows, err := deps.Denied.DeniedCommands(r.Context(), r.URL.Query().Get("run_id"))
			if err != nil {
				logger.Error("list denied commands failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list denied commands"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"denied_commands": rows})
		})

		admin.Post("/denied-commands", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				RunID   string `json:"run_id"`
				Command string `json:"command"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
				return
			}
			if strings.TrimSpace(req.Command) == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
				return
			}
			if err := deps.Denied.AddDeniedCommand(r.Context(), req.RunID, req.Command); err != nil {
				logger.Error("record denied command failed", "error", err)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to record denied command"})
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
		})

		admin.Get("/events/stream", streamEvents(deps.Events, logger))
	})

	// ---------------- PROXY ----------------

	// Everything unmatched is provider traffic and falls through to the
	// gateway, including known paths hit with a non-routed method.
	r.NotFound(deps.Gateway.ServeHTTP)
	r.MethodNotAllowed(deps.Gateway.ServeHTTP)

	return r
}

// streamEvents bridges the in-process bus onto an SSE response. Each event
// goes out as one `data:` frame; comment frames keep idle connections alive
// through proxies.
func streamEvents(events EventSubscriber, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			logger.Error("sse unsupported by response writer")
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		runFilter := r.URL.Query().Get("run_id")

		sub := events.Subscribe()
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := time.NewTicker(sseKeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-sub.C():
				if !open {
					return
				}
				if runFilter != "" && ev.RunID != runFilter {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
