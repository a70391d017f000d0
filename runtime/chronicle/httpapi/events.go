package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
)

// handleEvents serves POST /events: a batch in any of the three shapes
// canon.EventBatch.UnmarshalJSON accepts, applied atomically. Returns 204.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	if s.Validator != nil {
		if err := s.Validator.Validate(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "schema: " + err.Error()})
			return
		}
	}
	var batch canon.EventBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event batch: " + err.Error()})
		return
	}
	org := requestOrg(r, canon.Metadata{})
	if err := s.Events.ApplyEventBatch(r.Context(), org, batch, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvent serves POST /event: a single event, returning its assigned id.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body: " + err.Error()})
		return
	}
	if s.Validator != nil {
		if err := s.Validator.Validate(raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "schema: " + err.Error()})
			return
		}
	}
	var ev canon.ChronicleEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event: " + err.Error()})
		return
	}
	org := requestOrg(r, canon.Metadata{})
	id, err := s.Events.ApplyEvent(r.Context(), org, ev, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}
