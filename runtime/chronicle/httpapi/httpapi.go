// Package httpapi is Chronicle's external HTTP surface: chi router wiring
// POST /chat (JSON or SSE per stream:true), POST /events and POST /event for
// the async logging pipeline, and GET /healthz and GET /. Modeled on the
// teacher's chi-server and http-server examples: middleware chain up front,
// one handler per route, JSON in/out with a dedicated error envelope.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"chronicle.dev/chronicle/runtime/chronicle/canon"
	"chronicle.dev/chronicle/runtime/chronicle/chronerr"
)

// Dispatcher is the narrow contract POST /chat needs, satisfied by
// *dispatcher.Dispatcher.
type Dispatcher interface {
	Chat(ctx context.Context, org string, req canon.Request) (canon.Response, error)
	ChatStream(ctx context.Context, org string, req canon.Request, send func(canon.Chunk) error) error
}

// EventApplier is the narrow contract POST /events and POST /event need,
// satisfied by *store.Store.
type EventApplier interface {
	ApplyEventBatch(ctx context.Context, org string, batch canon.EventBatch, now time.Time) error
	// ApplyEvent applies a single event and returns its assigned id: the
	// generated row id for a generic event, or the run/step id a workflow
	// event names, per store.Store.ApplyEvent.
	ApplyEvent(ctx context.Context, org string, ev canon.ChronicleEvent, now time.Time) (string, error)
}

// Server holds the handlers' collaborators and mounts them onto a chi router.
type Server struct {
	Dispatcher Dispatcher
	Events     EventApplier
	Validator  *EventValidator // optional; nil skips jsonschema validation
}

// Router builds the complete mux: logging/recovery/timeout/CORS middleware,
// then the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealthz)
	r.Post("/chat", s.handleChat)
	r.Post("/events", s.handleEvents)
	r.Post("/event", s.handleEvent)
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "chronicle"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
