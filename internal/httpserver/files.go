package httpserver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"diskdeck/internal/fsutil"
	"diskdeck/internal/thumbs"
)

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	abs, err := s.dir(strings.TrimPrefix(r.URL.Path, "/f/"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()

	if ct := contentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("dl") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Name()))
	}
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

type listItem struct {
	Name        string `json:"name"`
	Path        string `json:"path"` // rel
	IsDir       bool   `json:"isDir"`
	Size        string `json:"size"`
	SizeInBytes int64  `json:"sizeInBytes"`
	Mtime       int64  `json:"mtime"`
	Mime        string `json:"mime,omitempty"`
	IsText      bool   `json:"isText"`
	IsImage     bool   `json:"isImage"`
	IsAudio     bool   `json:"isAudio"`
	IsVideo     bool   `json:"isVideo"`
	Thumb       string `json:"thumb,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	abs, err := s.dir(rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if !st.IsDir() {
		http.Error(w, "not a directory", http.StatusBadRequest)
		return
	}
	ents, err := os.ReadDir(abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]listItem, 0, len(ents))
	for _, e := range ents {
		if s.paths.IsReserved(filepath.Join(abs, e.Name())) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		childRel := joinRel(rel, name)
		it := listItem{
			Name:        name,
			Path:        childRel,
			IsDir:       e.IsDir(),
			Size:        fsutil.FormatSize(info.Size()),
			SizeInBytes: info.Size(),
			Mtime:       info.ModTime().Unix(),
		}
		if !it.IsDir {
			it.Mime = contentTypeForName(name)
			it.IsText = info.Size() <= s.cfg.MaxTextBytes && (strings.HasPrefix(it.Mime, "text/") || isTextExt(strings.ToLower(filepath.Ext(name))))
			it.IsImage = thumbs.IsImage(name)
			it.IsAudio = strings.HasPrefix(it.Mime, "audio/")
			it.IsVideo = strings.HasPrefix(it.Mime, "video/")
			if it.IsImage {
				it.Thumb = "/thumb?path=" + url.QueryEscape(childRel)
			}
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return items[i].Name < items[j].Name
	})
	writeJSON(w, map[string]any{
		"path":  rel,
		"items": items,
	})
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SourceDir string `json:"sourceDir"`
		Name      string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	abs, err := s.child(req.SourceDir, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		SourceDir string `json:"sourceDir"`
		OldName   string `json:"oldName"`
		NewName   string `json:"newName"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	from, err := s.child(req.SourceDir, req.OldName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := s.child(req.SourceDir, req.NewName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := os.Lstat(to); err == nil {
		s.fail(w, r, fmt.Errorf("%s: %w", req.NewName, fs.ErrExist))
		return
	}
	if err := os.Rename(from, to); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true})
}

// handleText reads (GET ?path=) or saves (POST json) a text file no larger
// than MaxTextBytes.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.readText(w, r)
	case http.MethodPost:
		s.saveText(w, r)
	default:
		allowMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) readText(w http.ResponseWriter, r *http.Request) {
	abs, err := s.dir(r.URL.Query().Get("path"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if st.IsDir() {
		http.Error(w, "is a directory", http.StatusBadRequest)
		return
	}
	if st.Size() > s.cfg.MaxTextBytes {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"content": string(b), "size": fsutil.FormatSize(int64(len(b)))})
}

func (s *Server) saveText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceDir string `json:"sourceDir"`
		Name      string `json:"name"`
		Content   string `json:"content"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxTextBytes+4096)
	if !decodeJSON(w, r, &req) {
		return
	}
	if int64(len(req.Content)) > s.cfg.MaxTextBytes {
		http.Error(w, "content too large", http.StatusRequestEntityTooLarge)
		return
	}
	abs, err := s.child(req.SourceDir, req.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := writeFile(abs, req.Content); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"size": fsutil.FormatSize(int64(len(req.Content)))})
}

// writeFile replaces abs through a temp file in the same directory.
func writeFile(abs, content string) error {
	f, err := os.CreateTemp(filepath.Dir(abs), ".save-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = io.WriteString(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		if st, serr := os.Stat(abs); serr == nil {
			err = os.Chmod(tmp, st.Mode().Perm())
		} else {
			err = os.Chmod(tmp, 0o644)
		}
	}
	if err == nil {
		err = os.Rename(tmp, abs)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	abs, err := s.dir(rel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	kind := thumbs.Small
	if r.URL.Query().Get("type") == string(thumbs.Large) {
		kind = thumbs.Large
	}
	p, err := s.thumbs.Get(rel, abs, kind)
	if err != nil {
		if errors.Is(err, thumbs.ErrNotImage) || errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, p)
}
