// Package api serves the dashboard HTTP API and the per-run websocket
// stream.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/silver-key/factory-agents/internal/eventbus"
	"github.com/silver-key/factory-agents/internal/orchestrator"
)

// Server is the HTTP API server
type Server struct {
	orch     *orchestrator.Orchestrator
	bus      *eventbus.Bus
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(orch *orchestrator.Orchestrator, bus *eventbus.Bus, addr string) *Server {
	s := &Server{
		orch: orch,
		bus:  bus,
		addr: addr,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// The dashboard is served from the same host
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.runHandler())
	s.mux.HandleFunc("/api/stats", s.statsHandler())
	s.mux.HandleFunc("/api/repos", s.reposHandler())
	s.mux.HandleFunc("/ws", s.wsHandler())

	// Static files (dashboard build output)
	s.mux.Handle("/", http.FileServer(http.Dir("web/ui/build")))
}

// Handler exposes the route table, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
