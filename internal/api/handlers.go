package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsgate/opsgate/internal/command"
)

// dispatch routes an envelope through the dispatcher with the API
// identity applied: the authenticated principal overrides whatever
// caller_id the body claims.
func (s *Server) dispatch(r *http.Request, cmd command.Command) command.Result {
	if p := Principal(r.Context()); p != "" {
		cmd.CallerID = p
	} else if cmd.CallerID == "" {
		cmd.CallerID = "api"
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now().UTC()
	}
	return s.cfg.Handler.Handle(r.Context(), "api", cmd)
}

// respondResult maps a command result onto an HTTP status. Validation
// failures are the caller's fault and map to 4xx; execution outcomes,
// failed ones included, are 200 with the structured body.
func (s *Server) respondResult(w http.ResponseWriter, res command.Result) {
	status := http.StatusOK
	if !res.Success {
		if kind, ok := res.Data["error_kind"].(string); ok {
			status = statusForKind(command.Kind(kind))
		}
	}
	s.respondJSON(w, status, res)
}

func statusForKind(k command.Kind) int {
	if !command.IsValidation(k) {
		return http.StatusOK
	}
	switch k {
	case command.KindCommandNotAllowed, command.KindDirectoryNotAllowed,
		command.KindPathNotAllowed, command.KindLogAccessDenied:
		return http.StatusForbidden
	case command.KindUnknownProject:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// handleHealth is the unauthenticated liveness check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns daemon status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"version":        s.cfg.Version,
		"started":        s.started.UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"channels":       s.cfg.Channels,
	})
}

// handleExecute accepts a full command envelope.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd command.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.respondResult(w, s.dispatch(r, cmd))
}

// handleDroplets handles the droplet collection: list and create.
func (s *Server) handleDroplets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.respondResult(w, s.dispatch(r, command.New(command.TypeDroplet, "list", "", nil)))

	case http.MethodPost:
		var params map[string]any
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		s.respondResult(w, s.dispatch(r, command.New(command.TypeDroplet, "create", "", params)))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDropletDetail handles one droplet: status and power actions.
// Paths: /api/droplets/{id} and /api/droplets/{id}/actions.
func (s *Server) handleDropletDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/droplets/")
	parts := strings.Split(path, "/")

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		s.respondError(w, http.StatusBadRequest, "droplet id must be a positive integer")
		return
	}

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.respondResult(w, s.dispatch(r, command.New(command.TypeDroplet, "status", "",
			map[string]any{"droplet_id": id})))

	case sub == "actions" && r.Method == http.MethodPost:
		var body struct {
			Action string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if body.Action == "" {
			s.respondError(w, http.StatusBadRequest, "action is required")
			return
		}
		s.respondResult(w, s.dispatch(r, command.New(command.TypeDroplet, body.Action, "",
			map[string]any{"droplet_id": id})))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSystemStatus reads host health.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.respondResult(w, s.dispatch(r, command.New(command.TypeSystem, "status", "", nil)))
}

// handleSystemProcess inspects one process: /api/system/process/{pid}.
func (s *Server) handleSystemProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/system/process/")
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		s.respondError(w, http.StatusBadRequest, "pid must be a positive integer")
		return
	}

	s.respondResult(w, s.dispatch(r, command.New(command.TypeSystem, "process", "",
		map[string]any{"pid": pid})))
}

// handleProjects lists registered project names.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var names []string
	if s.cfg.Projects != nil {
		names = s.cfg.Projects.Names()
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"projects": names})
}

// handleProjectDetail handles one project. Paths:
// GET  /api/projects/{name}/logs?lines=N
// POST /api/projects/{name}/{action}
func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
	parts := strings.Split(path, "/")

	name := parts[0]
	if name == "" {
		s.respondError(w, http.StatusBadRequest, "project name required")
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if action == "" {
		s.respondError(w, http.StatusBadRequest, "project action required")
		return
	}

	params := map[string]any{"project": name}

	switch {
	case action == "logs" && r.Method == http.MethodGet:
		if raw := r.URL.Query().Get("lines"); raw != "" {
			lines, err := strconv.Atoi(raw)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, "lines must be an integer")
				return
			}
			params["lines"] = lines
		}
		s.respondResult(w, s.dispatch(r, command.New(command.TypeProject, "logs", "", params)))

	case action != "logs" && r.Method == http.MethodPost:
		s.respondResult(w, s.dispatch(r, command.New(command.TypeProject, action, "", params)))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAudit returns recent audit records, newest first.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Trail == nil {
		s.respondError(w, http.StatusNotImplemented, "audit backend does not support queries")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	records, err := s.cfg.Trail.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}
