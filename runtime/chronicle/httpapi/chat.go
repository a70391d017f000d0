package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/chronerr"
)

// handleChat serves POST /chat: JSON in, and either a JSON canonical
// response or an SSE stream of canonical chunks out depending on
// stream:true, per §6.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req canon.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := applyHeaderOptions(r, &req.Options); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid x-chronicle-* header: " + err.Error()})
		return
	}
	req.Metadata = req.Metadata.Merge(req.Options.Metadata)
	org := requestOrg(r, req.Metadata)

	if req.Stream {
		s.handleChatStream(w, r, org, req)
		return
	}

	resp, err := s.Dispatcher.Chat(r.Context(), org, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, org string, req canon.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.Dispatcher.ChatStream(r.Context(), org, req, func(chunk canon.Chunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if ce, ok := chronerr.As(err); ok && ce.Kind == chronerr.KindCancelled {
			return
		}
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", errorPayload(err))
		flusher.Flush()
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func errorPayload(err error) string {
	ce, ok := chronerr.As(err)
	if !ok {
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(data)
	}
	data, _ := json.Marshal(map[string]string{"error": ce.Message, "kind": string(ce.Kind)})
	return string(data)
}
