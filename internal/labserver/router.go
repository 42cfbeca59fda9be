package labserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/pu-workbench/internal/apperr"
	"github.com/sells-group/pu-workbench/internal/model"
	"github.com/sells-group/pu-workbench/internal/monitoring"
	"github.com/sells-group/pu-workbench/pkg/labapi"
)

// MetricsSource produces the /metrics snapshot.
type MetricsSource interface {
	Snapshot(ctx context.Context) (*monitoring.MetricsSnapshot, error)
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Token, when set, is required as a bearer token on every route but /health.
	Token       string
	CORSOrigins []string
	Metrics     MetricsSource
}

type handler struct {
	svc     *Service
	metrics MetricsSource
}

// NewRouter returns the lab backend's HTTP API.
func NewRouter(svc *Service, opts RouterOptions) http.Handler {
	h := &handler{svc: svc, metrics: opts.Metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))

		r.Get("/metrics", h.getMetrics)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.listRuns)
			r.Post("/", h.createRun)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", h.getRun)
				r.Patch("/", h.renameRun)
				r.Delete("/", h.deleteRun)
				r.Get("/parameters", h.getParameters)
				r.Put("/parameters", h.updateParameters)
				r.Post("/generate", h.submitGeneration)
				r.Get("/candidates", h.listCandidates)
				r.Get("/candidates/count", h.countCandidates)
				r.Post("/candidates/label-unreviewed", h.labelUnreviewed)
				r.Post("/complete", h.markComplete)
				r.Get("/models", h.listModels)
				r.Post("/models", h.registerModel)
			})
		})

		r.Get("/tasks/{taskID}", h.getTask)
		r.Patch("/candidates/{candidateID}", h.labelCandidate)
		r.Post("/candidates/bulk-label", h.bulkLabel)
	})

	return r
}

func (h *handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		writeError(w, r, apperr.NotFound("metrics", "snapshot"))
		return
	}
	snap, err := h.metrics.Snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.ListRuns(r.Context())
	respond(w, r, http.StatusOK, runs, err)
}

func (h *handler) createRun(w http.ResponseWriter, r *http.Request) {
	var req labapi.CreateRunRequest
	if !decode(w, r, &req) {
		return
	}
	run, err := h.svc.CreateRun(r.Context(), req)
	respond(w, r, http.StatusCreated, run, err)
}

func (h *handler) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "runID"))
	respond(w, r, http.StatusOK, run, err)
}

func (h *handler) renameRun(w http.ResponseWriter, r *http.Request) {
	var req labapi.RenameRunRequest
	if !decode(w, r, &req) {
		return
	}
	run, err := h.svc.RenameRun(r.Context(), chi.URLParam(r, "runID"), req.Name)
	respond(w, r, http.StatusOK, run, err)
}

func (h *handler) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteRun(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getParameters(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetParameters(r.Context(), chi.URLParam(r, "runID"))
	respond(w, r, http.StatusOK, p, err)
}

func (h *handler) updateParameters(w http.ResponseWriter, r *http.Request) {
	var p model.FilterParameters
	if !decode(w, r, &p) {
		return
	}
	run, err := h.svc.UpdateParameters(r.Context(), chi.URLParam(r, "runID"), p)
	respond(w, r, http.StatusOK, run, err)
}

func (h *handler) submitGeneration(w http.ResponseWriter, r *http.Request) {
	var req model.GenerationRequest
	if !decode(w, r, &req) {
		return
	}
	ack, err := h.svc.SubmitGeneration(r.Context(), chi.URLParam(r, "runID"), req)
	status := http.StatusAccepted
	if ack != nil && ack.Synchronous() {
		status = http.StatusOK
	}
	respond(w, r, status, ack, err)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	respond(w, r, http.StatusOK, t, err)
}

func (h *handler) listCandidates(w http.ResponseWriter, r *http.Request) {
	q, err := parseCandidateQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.svc.ListCandidates(r.Context(), chi.URLParam(r, "runID"), q)
	respond(w, r, http.StatusOK, items, err)
}

func (h *handler) countCandidates(w http.ResponseWriter, r *http.Request) {
	status := model.CandidateStatus(r.URL.Query().Get("status"))
	n, err := h.svc.CountCandidates(r.Context(), chi.URLParam(r, "runID"), status)
	respond(w, r, http.StatusOK, labapi.CountResponse{Count: n}, err)
}

func (h *handler) labelCandidate(w http.ResponseWriter, r *http.Request) {
	var req model.LabelRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.svc.LabelCandidate(r.Context(), chi.URLParam(r, "candidateID"), req)
	respond(w, r, http.StatusOK, c, err)
}

func (h *handler) bulkLabel(w http.ResponseWriter, r *http.Request) {
	var req labapi.BulkLabelRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.BulkLabel(r.Context(), req.IDs, req.LabelRequest)
	respond(w, r, http.StatusOK, res, err)
}

func (h *handler) labelUnreviewed(w http.ResponseWriter, r *http.Request) {
	var req model.LabelRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.svc.LabelUnreviewed(r.Context(), chi.URLParam(r, "runID"), req)
	respond(w, r, http.StatusOK, res, err)
}

func (h *handler) markComplete(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.MarkComplete(r.Context(), chi.URLParam(r, "runID"))
	respond(w, r, http.StatusOK, run, err)
}

func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.svc.ListModels(r.Context(), chi.URLParam(r, "runID"))
	respond(w, r, http.StatusOK, models, err)
}

func (h *handler) registerModel(w http.ResponseWriter, r *http.Request) {
	var req labapi.RegisterModelRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.svc.RegisterModel(r.Context(), chi.URLParam(r, "runID"), req)
	respond(w, r, http.StatusCreated, m, err)
}

func parseCandidateQuery(r *http.Request) (labapi.CandidateQuery, error) {
	v := r.URL.Query()
	q := labapi.CandidateQuery{
		Status: model.CandidateStatus(v.Get("status")),
		Sort:   model.Sort{Key: model.SortKey(v.Get("sort")), Order: model.SortOrder(v.Get("order"))},
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &q.Page}, {"page_size", &q.PageSize}} {
		raw := v.Get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, apperr.FieldValidation(p.name, "must be a positive integer, got %q", raw)
		}
		*p.dst = n
	}
	return q, nil
}

// decode reads a JSON body into dst, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err's Kind to a status. The body carries the classified
// error's own message, without wrapping context.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(apperr.KindOf(err))
	msg := err.Error()
	var c apperr.Classifier
	if errors.As(err, &c) {
		if ce, ok := c.(error); ok {
			msg = ce.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		zap.L().Error("labserver: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, status, labapi.ErrorBody{Error: msg})
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(strings.TrimSpace(r.Header.Get("Authorization")))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeJSON(w, http.StatusUnauthorized, labapi.ErrorBody{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
