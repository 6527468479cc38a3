package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// RouterDeps holds what the HTTP router serves.
type RouterDeps struct {
	Source  Source
	Metrics http.Handler // served on /metrics when set
	Logger  *slog.Logger
}

// NewRouter builds the observability router.
//
//	GET  /healthz
//	GET  /metrics
//	GET  /api/v1/jobs
//	GET  /api/v1/jobs/{jobID}
//	POST /api/v1/jobs/{jobID}/rearm/{stage}
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{source: deps.Source}

	r := chi.NewRouter()
	r.Use(requestLogger(logger))
	r.Use(recovery(logger))

	r.Get("/healthz", h.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Get("/", h.listJobs)
		r.Get("/{jobID}", h.getJob)
		r.Post("/{jobID}/rearm/{stage}", h.rearm)
	})
	return r
}

// ListenAndServe serves handler on lis until ctx is done.
func ListenAndServe(ctx context.Context, lis net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ============================================================================
// Handlers
// ============================================================================

type handlers struct {
	source Source
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	v := h.source.Snapshot()
	writeData(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": v.Session,
		"version": v.Version,
		"jobs":    len(v.Rows),
		"settled": v.Settled(),
	})
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.source.Snapshot())
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	view := h.source.Snapshot()
	if int(id) >= len(view.Rows) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	writeData(w, http.StatusOK, view.Rows[id])
}

func (h *handlers) rearm(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	stage, err := types.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_STAGE", err.Error())
		return
	}
	if err := checkRearm(h.source.Snapshot(), id, stage); err != nil {
		if errors.Is(err, ErrUnknownJob) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
			return
		}
		writeError(w, http.StatusConflict, "STAGE_NOT_FAILED", err.Error())
		return
	}
	if err := h.source.RequestRearm(id, stage); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{"job": id, "stage": stage})
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (types.JobID, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "jobID"))
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id must be a non-negative integer")
		return 0, false
	}
	return types.JobID(n), true
}

// ============================================================================
// Responses and middleware
// ============================================================================

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
					)
					writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "an unexpected error occurred")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
