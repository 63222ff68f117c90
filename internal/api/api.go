// Package api serves the operator HTTP API: frame submission, incident
// lookups and operator actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/authmw"
	"github.com/linnemanlabs/roadwatch/internal/incident"
	"github.com/linnemanlabs/roadwatch/internal/pipeline"
)

// Service defines the pipeline operations the API needs.
type Service interface {
	Submit(ctx context.Context, f pipeline.Frame) (*pipeline.SubmitResult, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	Attempts(ctx context.Context, id string) ([]incident.AlertAttempt, error)

	Confirm(ctx context.Context, id, actor string) (*incident.Incident, error)
	MarkFalseAlarm(ctx context.Context, id, actor string) (*incident.Incident, error)
	Escalate(ctx context.Context, id, actor string) (*incident.Incident, error)
	Resolve(ctx context.Context, id, actor string) (*incident.Incident, error)
	Reclassify(ctx context.Context, id, actor string, sev incident.Severity) (*incident.Incident, error)
	AddNote(ctx context.Context, id, actor, text string) (*incident.Incident, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
	token  string
}

// New creates a new API handler. An empty token leaves the API open.
func New(logger log.Logger, svc Service, token string) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("pipeline service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		token:  token,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authmw.BearerToken(a.token))
		r.Post("/frames", a.handleSubmitFrame)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/incidents/{id}/attempts", a.handleListAttempts)
		r.Post("/incidents/{id}/actions", a.handleAction)
	})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("roadwatch.incident.id", id))

	inc, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to get incident", "id", id)
		return
	}

	span.SetAttributes(attribute.String("roadwatch.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("roadwatch.incident.id", id))

	attempts, err := a.svc.Attempts(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to list attempts", "id", id)
		return
	}
	if attempts == nil {
		attempts = []incident.AlertAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": id,
		"attempts":    attempts,
	})
}

// writeServiceError maps pipeline and incident errors onto status codes and
// logs anything unexpected.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, incident.ErrInvalidTransition), errors.Is(err, incident.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrEmptyNote):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
