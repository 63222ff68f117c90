package api

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/roadwatch/internal/pipeline"
)

func (a *API) handleSubmitFrame(w http.ResponseWriter, r *http.Request) {
	var f pipeline.Frame
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := f.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("roadwatch.source_id", f.SourceID),
		attribute.Int("roadwatch.detections", len(f.Detections)),
	)

	res, err := a.svc.Submit(r.Context(), f)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to submit frame", "source_id", f.SourceID)
		return
	}
	if res.IncidentID != "" {
		span.SetAttributes(attribute.String("roadwatch.incident.id", res.IncidentID))
	}
	writeJSON(w, http.StatusAccepted, res)
}
