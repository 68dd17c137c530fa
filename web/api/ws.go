package api

import (
	"log"
	"net/http"

	"github.com/silver-key/factory-agents/internal/domain"
)

// snapshotFrame is the first frame on every websocket: the full run
// record including the accumulated log. Live events follow, so a client
// that connects mid-run catches up without missing anything.
type snapshotFrame struct {
	Kind string      `json:"type"`
	Run  *domain.Run `json:"run"`
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := r.URL.Query().Get("runId")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "runId query parameter required")
			return
		}

		run, err := s.orch.GetRun(runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}

		// Subscribe before reading the snapshot so no event falls into
		// the gap. Events already present in the snapshot log may be
		// delivered again; clients tail from the snapshot.
		sub := s.bus.Subscribe(runID)
		defer s.bus.Unsubscribe(sub)

		run, err = s.orch.GetRun(runID)
		if err != nil || run == nil {
			writeError(w, http.StatusInternalServerError, "run disappeared")
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("api: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(snapshotFrame{Kind: "snapshot", Run: run}); err != nil {
			return
		}

		// Reader goroutine exists only to observe the client closing
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}
}
