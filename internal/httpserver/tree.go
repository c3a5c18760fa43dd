package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"diskdeck/internal/fsutil"
	"diskdeck/internal/treeops"
)

type treeRequest struct {
	SourceDir      string   `json:"sourceDir"`
	DestinationDir string   `json:"destinationDir"`
	Files          []string `json:"files"`
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, treeops.Copy)
}

func (s *Server) handleCut(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, treeops.Cut)
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string, []string) error) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req treeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	src, err := s.dir(req.SourceDir)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	dst, err := s.dir(req.DestinationDir)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.paths.Selection(src, req.Files); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := op(r.Context(), src, dst, req.Files); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req treeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	src, err := s.dir(req.SourceDir)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.paths.Selection(src, req.Files); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := treeops.Delete(r.Context(), src, req.Files); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

type sizeEvent struct {
	Size     int64  `json:"size"`
	SizeText string `json:"sizeText"`
	Items    int64  `json:"items"`
}

// handleSize streams the running total of a selection as server-sent events
// and ends with an "event: done" carrying the final numbers. The walk stops
// when the client goes away.
func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	src, err := s.dir(q.Get("sourceDir"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var names []string
	for _, v := range q["files"] {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	if err := s.paths.Selection(src, names); err != nil {
		s.fail(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	job := treeops.NewSizeJob(src, names)
	go func() {
		if err := job.Run(ctx); err != nil {
			s.logger.Debug().Err(err).Str("path", src).Msg("size job stopped")
		}
	}()
	defer job.Stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range job.Watch(ctx, s.sizeEvery) {
		b, _ := json.Marshal(sizeEvent{Size: snap.Bytes, SizeText: fsutil.FormatSize(snap.Bytes), Items: snap.Items})
		if snap.State == treeops.SizeFinished {
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", b)
		} else {
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		flusher.Flush()
	}
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SourceDir string   `json:"sourceDir"`
		Files     []string `json:"files"`
		Name      string   `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		http.Error(w, "missing files", http.StatusBadRequest)
		return
	}
	src, err := s.dir(req.SourceDir)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.paths.Selection(src, req.Files); err != nil {
		s.fail(w, r, err)
		return
	}
	name := sanitizeZipBaseName(req.Name)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))
	// Headers are gone by the time an entry fails; all we can do is log.
	if err := treeops.Zip(r.Context(), w, src, req.Files); err != nil {
		s.logger.Warn().Err(err).Str("path", src).Msg("zip incomplete")
	}
}

func sanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "output"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
