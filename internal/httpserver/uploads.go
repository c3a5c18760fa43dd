package httpserver

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"diskdeck/internal/progress"
	"diskdeck/internal/upload"
)

// handleUpload takes one chunk of a chunked upload: the "upload" part plus
// uploadId, chunkNumber, totalChunks, parentDir and fileName form fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, _, err := r.FormFile("upload")
	if err != nil {
		http.Error(w, "missing upload part", http.StatusBadRequest)
		return
	}
	defer f.Close()

	index, err := strconv.Atoi(r.FormValue("chunkNumber"))
	if err != nil {
		http.Error(w, "bad chunkNumber", http.StatusBadRequest)
		return
	}
	total, err := strconv.Atoi(r.FormValue("totalChunks"))
	if err != nil {
		http.Error(w, "bad totalChunks", http.StatusBadRequest)
		return
	}
	parent, err := s.dir(r.FormValue("parentDir"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := s.uploads.Accept(r.Context(), upload.Chunk{
		UploadID:  r.FormValue("uploadId"),
		Index:     index,
		Total:     total,
		Body:      f,
		ParentDir: parent,
		FileName:  r.FormValue("fileName"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := map[string]any{
		"id":     res.ID,
		"serial": res.Serial,
		"total":  res.Total,
		"done":   res.Done,
	}
	if res.Path != "" {
		out["path"] = s.paths.Rel(res.Path)
	}
	writeJSON(w, out)
}

// handleUploadStatus reports an upload in flight from its workspace, or a
// finished one from the progress mirror when one is configured.
func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/uploads/"), "/")
	st, err := s.uploads.Status(id)
	if err == nil {
		writeJSON(w, map[string]any{
			"id":       st.ID,
			"state":    progress.StateMerging,
			"serial":   st.Serial,
			"total":    st.Total,
			"size":     st.Size,
			"pending":  st.Pending,
			"path":     s.paths.Rel(filepath.Join(st.ParentDir, st.FileName)),
			"fileName": st.FileName,
		})
		return
	}
	if !errors.Is(err, fs.ErrNotExist) || s.progress == nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.progress.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec.Path != "" {
		rec.Path = s.paths.Rel(rec.Path)
	}
	writeJSON(w, rec)
}
