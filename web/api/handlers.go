package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/silver-key/factory-agents/internal/domain"
	"github.com/silver-key/factory-agents/internal/orchestrator"
	"github.com/silver-key/factory-agents/internal/runstore"
)

// CreateRunRequest is the POST /api/runs payload
type CreateRunRequest struct {
	Repo        string           `json:"repo"`
	IssueNumber int              `json:"issueNumber"`
	TaskType    string           `json:"taskType,omitempty"`
	Config      domain.RunConfig `json:"config"`
}

// PatchRunRequest is the PATCH /api/runs/{id} payload. Only fields that
// are present in the JSON are applied.
type PatchRunRequest struct {
	Status   *string `json:"status,omitempty"`
	Branch   *string `json:"branch,omitempty"`
	PRNumber *int    `json:"prNumber,omitempty"`
	PRURL    *string `json:"prUrl,omitempty"`
	Error    *string `json:"error,omitempty"`
	// Log appends one line to the run log
	Log *string `json:"log,omitempty"`
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listRuns(w, r)
		case http.MethodPost:
			s.createRun(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	opts := runstore.ListOptions{
		Status: domain.RunStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "offset must be a number")
			return
		}
		opts.Offset = n
	}

	runs, err := s.orch.ListRuns(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.orch.StartRun(orchestrator.StartRequest{
		Repo:        req.Repo,
		IssueNumber: req.IssueNumber,
		TaskType:    domain.TaskType(req.TaskType),
		Trigger:     domain.TriggerManual,
		Config:      req.Config,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		switch r.Method {
		case http.MethodGet:
			s.getRun(w, id)
		case http.MethodPatch:
			s.patchRun(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) getRun(w http.ResponseWriter, id string) {
	run, err := s.orch.GetRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) patchRun(w http.ResponseWriter, r *http.Request, id string) {
	var req PatchRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var u runstore.Update
	if req.Status != nil {
		status := domain.RunStatus(*req.Status)
		switch status {
		case domain.StatusQueued, domain.StatusRunning, domain.StatusSuccess, domain.StatusFailed:
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+*req.Status)
			return
		}
		u.Status = &status
		now := time.Now().UTC()
		if status == domain.StatusRunning {
			u.StartedAt = &now
		}
		if status.IsTerminal() {
			u.FinishedAt = &now
		}
	}
	u.Branch = req.Branch
	u.PRNumber = req.PRNumber
	u.PRURL = req.PRURL
	u.Error = req.Error

	run, err := s.orch.GetRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	// The log line goes out before the metadata update so subscribers
	// see a terminal status only after its accompanying log line, the
	// same order local orchestration produces.
	if req.Log != nil && *req.Log != "" {
		if err := s.orch.AppendLogLine(id, *req.Log); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	run, err = s.orch.ApplyUpdate(id, u)
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunFinished) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Server) statsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		stats, err := s.orch.Stats()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) reposHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		repos, err := s.orch.RecentRepos()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if repos == nil {
			repos = []string{}
		}
		writeJSON(w, http.StatusOK, repos)
	}
}
