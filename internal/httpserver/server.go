package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/webdav"

	"diskdeck/internal/auth"
	"diskdeck/internal/config"
	"diskdeck/internal/dirlock"
	"diskdeck/internal/fetch"
	"diskdeck/internal/fsutil"
	"diskdeck/internal/progress"
	"diskdeck/internal/thumbs"
	"diskdeck/internal/treeops"
	"diskdeck/internal/upload"
)

// ProgressStore mirrors upload progress somewhere that outlives the upload
// workspace. progress.Redis is the only implementation.
type ProgressStore interface {
	upload.Observer
	Get(ctx context.Context, id string) (progress.Record, error)
}

type Options struct {
	// Config must already be normalized.
	Config   config.Config
	Logger   zerolog.Logger
	Progress ProgressStore
	// Fetch overrides the default fetch manager options.
	Fetch fetch.Options
	// SizeInterval is the cadence of /api/size events. Default 1s.
	SizeInterval time.Duration
}

type Server struct {
	cfg      config.Config
	paths    *fsutil.Resolver
	uploads  *upload.Manager
	fetches  *fetch.Manager
	thumbs   *thumbs.Cache
	progress ProgressStore
	logger   zerolog.Logger

	sizeEvery time.Duration
}

func New(opts Options) (*Server, error) {
	paths, err := fsutil.NewResolver(opts.Config.Root)
	if err != nil {
		return nil, err
	}
	paths.Reserve(opts.Config.StateDir)
	upOpts := upload.Options{
		Lock: dirlock.Options{
			RetryInterval: opts.Config.LockRetry.Std(),
			StaleAfter:    opts.Config.StaleAfter(),
		},
	}
	if opts.Progress != nil {
		upOpts.Observer = opts.Progress
	}
	up, err := upload.New(opts.Config.StateDir, upOpts)
	if err != nil {
		return nil, err
	}
	up.SetLogger(opts.Logger.With().Str("component", "upload").Logger())

	fm := fetch.New(opts.Fetch)
	fm.SetLogger(opts.Logger.With().Str("component", "fetch").Logger())

	tc := thumbs.NewCache(filepath.Join(opts.Config.StateDir, "thumbs"), opts.Config.ThumbSmall, opts.Config.ThumbLarge)
	tc.SetLogger(opts.Logger.With().Str("component", "thumbs").Logger())

	sizeEvery := opts.SizeInterval
	if sizeEvery <= 0 {
		sizeEvery = time.Second
	}

	return &Server{
		cfg:      opts.Config,
		paths:    paths,
		uploads:  up,
		fetches:  fm,
		thumbs:   tc,
		progress: opts.Progress,
		logger:   opts.Logger,

		sizeEvery: sizeEvery,
	}, nil
}

func (s *Server) Uploads() *upload.Manager { return s.uploads }

// Shutdown cancels background fetches and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.fetches.Shutdown(ctx)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	// WebDAV
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: newDavFS(webdav.Dir(s.paths.Root()), s.paths.Reserved()),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.logger.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("webdav")
			}
		},
	}
	mux.Handle("/dav/", dav)

	// files
	mux.HandleFunc("/f/", s.handleFile)
	mux.HandleFunc("/thumb", s.handleThumb)
	mux.HandleFunc("/api/list", s.handleList)
	mux.HandleFunc("/api/mkdir", s.handleMkdir)
	mux.HandleFunc("/api/rename", s.handleRename)
	mux.HandleFunc("/api/text", s.handleText)

	// chunked uploads
	mux.HandleFunc("/api/upload", s.handleUpload)
	mux.HandleFunc("/api/uploads/", s.handleUploadStatus)

	// bulk tree operations
	mux.HandleFunc("/api/copy", s.handleCopy)
	mux.HandleFunc("/api/cut", s.handleCut)
	mux.HandleFunc("/api/delete", s.handleDelete)
	mux.HandleFunc("/api/size", s.handleSize)
	mux.HandleFunc("/api/zip", s.handleZip)

	// remote downloads
	mux.HandleFunc("/api/fetch", s.handleFetchStart)
	mux.HandleFunc("/api/fetch/", s.handleFetchID)

	return withHeaders(auth.Guard(s.cfg, readOnly, mux))
}

// readOnly extends auth.SafeMethod with the POST routes that only read.
func readOnly(r *http.Request) bool {
	return auth.SafeMethod(r) || (r.Method == http.MethodPost && r.URL.Path == "/api/zip")
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if r.URL.Path != "/thumb" {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 16<<20))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// fail maps err onto a status code. Unexpected errors are logged and hidden
// from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fsutil.ErrEscape),
		errors.Is(err, fsutil.ErrInvalidName),
		errors.Is(err, upload.ErrInvalidChunk),
		errors.Is(err, treeops.ErrSameDir),
		errors.Is(err, treeops.ErrIntoSelf),
		errors.Is(err, fetch.ErrBadURL),
		errors.Is(err, thumbs.ErrNotImage):
		status = http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fetch.ErrNotFound),
		errors.Is(err, progress.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fsutil.ErrReserved):
		status = http.StatusForbidden
	case errors.Is(err, upload.ErrMismatch),
		errors.Is(err, fetch.ErrDestTaken),
		errors.Is(err, fs.ErrExist):
		status = http.StatusConflict
	case errors.Is(err, fetch.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

// dir resolves a user supplied directory path.
func (s *Server) dir(rel string) (string, error) {
	return s.paths.Resolve(rel)
}

// child resolves name inside the user supplied directory.
func (s *Server) child(dirRel, name string) (string, error) {
	d, err := s.paths.Resolve(dirRel)
	if err != nil {
		return "", err
	}
	return s.paths.Child(d, name)
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".aac":
		return "audio/aac"
	case ".wav":
		return "audio/wav"
	case ".pdf":
		return "application/pdf"
	case ".zip":
		return "application/zip"
	}
	if isTextExt(ext) {
		return "text/plain; charset=utf-8"
	}
	return ""
}

func isTextExt(ext string) bool {
	switch ext {
	case ".txt", ".text", ".log", ".md", ".csv", ".json", ".xml", ".yaml", ".yml", ".toml", ".ini",
		".cfg", ".conf", ".config", ".properties", ".html", ".htm", ".css", ".scss", ".sass",
		".go", ".js", ".ts", ".vue", ".py", ".rb", ".rs", ".java", ".kt", ".scala", ".c", ".h",
		".cc", ".cpp", ".hpp", ".cs", ".swift", ".php", ".pl", ".lua", ".sh", ".bash", ".zsh",
		".bat", ".ps1", ".sql", ".r", ".dart", ".ex", ".exs", ".erl", ".hs", ".clj", ".lisp":
		return true
	}
	return false
}
