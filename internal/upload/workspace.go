package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Workspace layout, one directory per upload id:
//
//	<stateDir>/uploads/<id>/
//	    000001.chunk ... 00000N.chunk   unmerged chunks
//	    assembly.part                   merged prefix, grows chunk by chunk
//	    cursor.json                     {"serial":k,"size":bytes}
//	    meta.json                       total, destination
//	    lock/                           dirlock tokens
const (
	metaFile     = "meta.json"
	cursorFile   = "cursor.json"
	assemblyFile = "assembly.part"
	lockDirName  = "lock"
	chunkSuffix  = ".chunk"
	maxIDLen     = 128
)

// Workspaces is the parent directory of all per-upload workspaces.
type Workspaces struct {
	dir string
}

func NewWorkspaces(stateDir string) (*Workspaces, error) {
	dir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Workspaces{dir: dir}, nil
}

func (w *Workspaces) Dir() string { return w.dir }

// Open returns the workspace handle for id without creating anything.
func (w *Workspaces) Open(id string) (*Workspace, error) {
	if err := ValidID(id); err != nil {
		return nil, err
	}
	return &Workspace{ID: id, dir: filepath.Join(w.dir, id), parent: w.dir}, nil
}

// List returns the ids of all workspaces currently on disk.
func (w *Workspaces) List() ([]string, error) {
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() || ValidID(e.Name()) != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Sweep tears down workspaces whose directory has not changed for ttl, and
// leftovers of interrupted teardowns.
func (w *Workspaces) Sweep(ttl time.Duration, now time.Time) ([]string, error) {
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(w.dir, e.Name())
		if strings.HasPrefix(e.Name(), ".trash-") {
			if err := os.RemoveAll(p); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < ttl {
			continue
		}
		ws, err := w.Open(e.Name())
		if err != nil {
			continue
		}
		if err := ws.Teardown(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errors.Join(errs...)
}

// ValidID accepts ids made of [A-Za-z0-9._-] starting with a letter or digit.
func ValidID(id string) error {
	if id == "" || len(id) > maxIDLen {
		return fmt.Errorf("%w: bad upload id length", ErrInvalidChunk)
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case (r == '.' || r == '_' || r == '-') && i > 0:
		default:
			return fmt.Errorf("%w: bad upload id %q", ErrInvalidChunk, id)
		}
	}
	return nil
}

// Workspace holds the unmerged chunks and merge progress of one upload.
type Workspace struct {
	ID     string
	dir    string
	parent string
}

// Cursor is the merge watermark: chunks 1..Serial are in the assembly, which
// is Size bytes long.
type Cursor struct {
	Serial int   `json:"serial"`
	Size   int64 `json:"size"`
}

type Meta struct {
	ID        string `json:"id"`
	Total     int    `json:"total"`
	ParentDir string `json:"parentDir"`
	FileName  string `json:"fileName"`
	Created   int64  `json:"created"`
}

func (m Meta) Destination() string { return filepath.Join(m.ParentDir, m.FileName) }

type Status struct {
	ID        string `json:"id"`
	Total     int    `json:"total"`
	Serial    int    `json:"serial"`
	Size      int64  `json:"size"`
	Pending   []int  `json:"pending"`
	ParentDir string `json:"parentDir"`
	FileName  string `json:"fileName"`
}

func (ws *Workspace) Dir() string          { return ws.dir }
func (ws *Workspace) LockDir() string      { return filepath.Join(ws.dir, lockDirName) }
func (ws *Workspace) AssemblyPath() string { return filepath.Join(ws.dir, assemblyFile) }

func (ws *Workspace) ChunkPath(index int) string {
	return filepath.Join(ws.dir, fmt.Sprintf("%06d%s", index, chunkSuffix))
}

// StoreChunk writes the chunk through a temp file and renames it into place,
// so a concurrent merge pass never sees a half-written chunk. An existing
// chunk with the same index is replaced.
func (ws *Workspace) StoreChunk(index int, r io.Reader) (int64, error) {
	if index < 1 {
		return 0, fmt.Errorf("%w: index %d", ErrInvalidChunk, index)
	}
	if err := os.MkdirAll(ws.dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(ws.dir, ".incoming-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), ws.ChunkPath(index))
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("store chunk %d: %w", index, err)
	}
	return n, nil
}

func (ws *Workspace) HasChunk(index int) (bool, error) {
	_, err := os.Stat(ws.ChunkPath(index))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Chunks lists the indices of the chunk files present, ascending.
func (ws *Workspace) Chunks() ([]int, error) {
	ents, err := os.ReadDir(ws.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []int
	for _, e := range ents {
		name, ok := strings.CutSuffix(e.Name(), chunkSuffix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(name); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out, nil
}

// ReadCursor returns the zero Cursor when nothing has been recorded yet.
func (ws *Workspace) ReadCursor() (Cursor, error) {
	var c Cursor
	b, err := os.ReadFile(filepath.Join(ws.dir, cursorFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return c, nil
		}
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("%w: cursor: %v", ErrCorrupt, err)
	}
	return c, nil
}

func (ws *Workspace) WriteCursor(c Cursor) error {
	b, _ := json.Marshal(c)
	return writeFileAtomic(filepath.Join(ws.dir, cursorFile), b)
}

func (ws *Workspace) LoadMeta() (Meta, bool, error) {
	var m Meta
	b, err := os.ReadFile(filepath.Join(ws.dir, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, false, nil
		}
		return m, false, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, false, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}
	return m, true, nil
}

func (ws *Workspace) SaveMeta(m Meta) error {
	b, _ := json.MarshalIndent(m, "", "  ")
	return writeFileAtomic(filepath.Join(ws.dir, metaFile), b)
}

// CreateMeta publishes m only if no meta exists yet, and returns the meta
// that ended up on disk. The file is linked into place fully written, so
// readers never see a partial one.
func (ws *Workspace) CreateMeta(m Meta) (Meta, bool, error) {
	if err := os.MkdirAll(ws.dir, 0o755); err != nil {
		return Meta{}, false, err
	}
	b, _ := json.MarshalIndent(m, "", "  ")
	f, err := os.CreateTemp(ws.dir, "."+metaFile+".tmp-*")
	if err != nil {
		return Meta{}, false, err
	}
	defer os.Remove(f.Name())
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Meta{}, false, err
	}

	err = os.Link(f.Name(), filepath.Join(ws.dir, metaFile))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return Meta{}, false, err
	}
	got, ok, err := ws.LoadMeta()
	if err != nil {
		return Meta{}, false, err
	}
	if !ok {
		return Meta{}, false, fmt.Errorf("%w: meta vanished for %s", ErrCorrupt, ws.ID)
	}
	return got, false, nil
}

func (ws *Workspace) Status() (Status, error) {
	m, ok, err := ws.LoadMeta()
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, fmt.Errorf("upload %s: %w", ws.ID, fs.ErrNotExist)
	}
	c, err := ws.ReadCursor()
	if err != nil {
		return Status{}, err
	}
	chunks, err := ws.Chunks()
	if err != nil {
		return Status{}, err
	}
	pending := make([]int, 0, len(chunks))
	for _, i := range chunks {
		if i > c.Serial {
			pending = append(pending, i)
		}
	}
	return Status{
		ID:        ws.ID,
		Total:     m.Total,
		Serial:    c.Serial,
		Size:      c.Size,
		Pending:   pending,
		ParentDir: m.ParentDir,
		FileName:  m.FileName,
	}, nil
}

// Teardown removes the workspace. It is renamed aside first so that
// contenders recreating the lock directory cannot make the removal fail
// half way.
func (ws *Workspace) Teardown() error {
	trash := filepath.Join(ws.parent, fmt.Sprintf(".trash-%s-%d", ws.ID, time.Now().UnixNano()))
	if err := os.Rename(ws.dir, trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("teardown %s: %w", ws.ID, err)
	}
	return os.RemoveAll(trash)
}

// writeFileAtomic writes a temp file next to path, fsyncs it and renames it
// over path.
func writeFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	_, err = f.Write(b)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), path)
	}
	if err != nil {
		_ = os.Remove(f.Name())
	}
	return err
}
