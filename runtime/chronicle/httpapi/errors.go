package httpapi

import (
	"encoding/json"
	"net/http"

	"chronicle.dev/chronicle/runtime/chronicle/chronerr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps an error onto the HTTP response it surfaces as, per §7.
// A chronerr.KindCancelled error writes nothing: the caller's connection is
// already closed.
func writeError(w http.ResponseWriter, err error) {
	ce, ok := chronerr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if ce.Kind == chronerr.KindCancelled {
		return
	}
	body := map[string]any{"error": ce.Message, "kind": string(ce.Kind)}
	if len(ce.Attempts) > 0 {
		body["attempts"] = ce.Attempts
	}
	writeJSON(w, ce.HTTPStatus(), body)
}
