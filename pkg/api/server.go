// Package api implements the HTTP/JSON admin surface (spec.md §6).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/WeimengLiu/autoSync/pkg/synclog"
	"github.com/WeimengLiu/autoSync/pkg/tasks"
)

// Server wires the Task Supervisor to an http.Handler.
type Server struct {
	sup   *tasks.Supervisor
	root  string
	mux   *http.ServeMux
	inner http.Handler
}

// NewServer builds the admin HTTP surface for sup. root is the same
// directory passed to tasks.NewSupervisor, needed to read back logs.
func NewServer(sup *tasks.Supervisor, root string) *Server {
	s := &Server{sup: sup, root: root, mux: http.NewServeMux()}
	s.routes()
	s.inner = addSecurityHeaders(s.mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.inner.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/tasks", s.handleTasksCollection)
	s.mux.HandleFunc("/api/tasks/", s.handleTaskItem)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	setContentTypeJSON(w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.sup.GetAll())
	case http.MethodPost:
		s.createTask(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type createTaskRequest struct {
	Name       string   `json:"name"`
	InputDir   string   `json:"input_dir"`
	OutputDir  string   `json:"output_dir"`
	Extensions []string `json:"extensions"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.InputDir == "" || req.OutputDir == "" {
		writeError(w, http.StatusBadRequest, "name, input_dir and output_dir are required")
		return
	}
	cfg, err := s.sup.Add(req.Name, req.InputDir, req.OutputDir, req.Extensions)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": cfg.TaskID})
}

// handleTaskItem dispatches /api/tasks/{id} and its /start, /stop,
// /sync, /logs, /log_dates sub-resources (spec.md §6).
func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getTask(w, taskID)
		case http.MethodPut:
			s.updateTask(w, r, taskID)
		case http.MethodDelete:
			s.deleteTask(w, taskID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
		return
	}

	switch parts[1] {
	case "start":
		s.startTask(w, taskID)
	case "stop":
		s.stopTask(w, taskID)
	case "sync":
		s.syncTask(w, r, taskID)
	case "logs":
		s.taskLogs(w, r, taskID)
	case "log_dates":
		s.taskLogDates(w, taskID)
	default:
		writeError(w, http.StatusNotFound, "Task not found")
	}
}

func (s *Server) getTask(w http.ResponseWriter, taskID string) {
	cfg, ok := s.sup.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type updateTaskRequest struct {
	Name       *string  `json:"name"`
	InputDir   *string  `json:"input_dir"`
	OutputDir  *string  `json:"output_dir"`
	Extensions []string `json:"extensions"`
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, ok := s.sup.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.sup.Update(taskID, req.Name, req.InputDir, req.OutputDir, req.Extensions); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) deleteTask(w http.ResponseWriter, taskID string) {
	if _, ok := s.sup.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err := s.sup.Remove(taskID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) startTask(w http.ResponseWriter, taskID string) {
	if _, ok := s.sup.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err := s.sup.Start(taskID); err != nil {
		if errors.Is(err, tasks.ErrAlreadyRunning) {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "already running"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) stopTask(w http.ResponseWriter, taskID string) {
	if _, ok := s.sup.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err := s.sup.Stop(taskID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// syncTask runs the Full-Tree Reconciler synchronously plus empty-dir
// cleanup (spec.md §6: "sync runs the Full-Tree Reconciler
// synchronously plus empty-dir cleanup").
func (s *Server) syncTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, ok := s.sup.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if _, err := s.sup.Sync(r.Context(), taskID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request, taskID string) {
	if _, ok := s.sup.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "date query parameter is required")
		return
	}
	lines, err := synclog.Lines(s.root, taskID, date)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"logs": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

func (s *Server) taskLogDates(w http.ResponseWriter, taskID string) {
	if _, ok := s.sup.Get(taskID); !ok {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	dates, err := synclog.Dates(s.root, taskID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"dates": []string{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}
