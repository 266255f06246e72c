package syncserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes assembles the service mux: the websocket endpoint, the synchronous
// thread-view query used by the extension's content scripts, and metrics.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.WSHandler())
	mux.HandleFunc("GET /threads/{id}", s.handleThreadView)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type threadViewResponse struct {
	Type          string `json:"type"`
	ThreadDetails any    `json:"thread_details,omitempty"`
	Message       string `json:"message,omitempty"`
}

// handleThreadView returns the current record view for a thread id, or a
// "no message available" placeholder for unknown threads. The lookup must
// not create: the store builds records lazily and a read-only query probing
// an arbitrary id must not grow the mailbox.
func (s *Server) handleThreadView(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	w.Header().Set("Content-Type", "application/json")
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(threadViewResponse{Type: msgTypeError, Message: "thread id is required"})
		return
	}

	rec, ok := s.engine.Store().Peek(id)
	if !ok || (rec.Version == 0 && len(rec.Messages) == 0) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(threadViewResponse{Type: "thread_details", Message: "no message available"})
		return
	}
	_ = json.NewEncoder(w).Encode(threadViewResponse{Type: "thread_details", ThreadDetails: rec.View()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":      true,
		"clients": s.ClientCount(),
	})
}
