package httpserver

import (
	"net/http"
	"strings"
)

// handleFetchStart begins downloading url into sourceDir/name in the
// background and answers with the task id right away.
func (s *Server) handleFetchStart(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"tasks": s.fetches.List()})
		return
	case http.MethodPost:
	default:
		allowMethod(w, r, http.MethodGet, http.MethodPost)
		return
	}
	var req struct {
		SourceDir string `json:"sourceDir"`
		Name      string `json:"name"`
		URL       string `json:"url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	dest, err := s.child(req.SourceDir, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.fetches.Start(strings.TrimSpace(req.URL), dest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"id": task.ID()})
}

func (s *Server) handleFetchID(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/fetch/"), "/")
	task, err := s.fetches.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if r.Method == http.MethodDelete {
		task.Cancel()
	}
	st := task.Status()
	st.Dest = s.paths.Rel(st.Dest)
	writeJSON(w, st)
}
