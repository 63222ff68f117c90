package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// Operator actions accepted by POST /incidents/{id}/actions.
const (
	ActionConfirm    = "confirm"
	ActionFalseAlarm = "false_alarm"
	ActionEscalate   = "escalate"
	ActionResolve    = "resolve"
	ActionReclassify = "reclassify"
	ActionNote       = "note"
)

type actionRequest struct {
	Action   string `json:"action"`
	Actor    string `json:"actor"`
	Severity string `json:"severity,omitempty"`
	Note     string `json:"note,omitempty"`
}

func (a *API) handleAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("roadwatch.incident.id", id),
		attribute.String("roadwatch.action", req.Action),
	)

	ctx := r.Context()
	var (
		inc *incident.Incident
		err error
	)
	switch req.Action {
	case ActionConfirm:
		inc, err = a.svc.Confirm(ctx, id, req.Actor)
	case ActionFalseAlarm:
		inc, err = a.svc.MarkFalseAlarm(ctx, id, req.Actor)
	case ActionEscalate:
		inc, err = a.svc.Escalate(ctx, id, req.Actor)
	case ActionResolve:
		inc, err = a.svc.Resolve(ctx, id, req.Actor)
	case ActionReclassify:
		sev, perr := incident.ParseSeverity(req.Severity)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		inc, err = a.svc.Reclassify(ctx, id, req.Actor, sev)
	case ActionNote:
		inc, err = a.svc.AddNote(ctx, id, req.Actor, req.Note)
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+quote(req.Action))
		return
	}
	if err != nil {
		a.writeServiceError(w, r, err, "operator action failed", "id", id, "action", req.Action)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
