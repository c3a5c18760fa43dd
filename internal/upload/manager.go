package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"diskdeck/internal/dirlock"
	"diskdeck/internal/fsutil"
)

// Chunked upload protocol: every request carries one chunk plus the whole
// upload description. Chunks may arrive in any order, more than once, and
// over several connections at the same time. Each arrival stores its chunk
// and then runs a merge pass; the pass that merges chunk N publishes the
// file at ParentDir/FileName.
//
// State lives on disk in <stateDir>/uploads/<id>/ so a restart resumes where
// the last pass stopped.

type Chunk struct {
	UploadID string
	Index    int // 1-based
	Total    int
	Body     io.Reader
	// ParentDir is the absolute, already resolved destination directory.
	ParentDir string
	FileName  string
}

// Observer is told about merge progress. Implementations must be safe for
// concurrent use.
type Observer interface {
	Progress(ctx context.Context, id string, serial, total int)
	Completed(ctx context.Context, id, path string)
}

type Options struct {
	Lock     dirlock.Options
	Observer Observer
}

type Manager struct {
	spaces   *Workspaces
	merger   *Merger
	observer Observer
	logger   zerolog.Logger
}

func New(stateDir string, opts Options) (*Manager, error) {
	spaces, err := NewWorkspaces(stateDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		spaces:   spaces,
		merger:   NewMerger(opts.Lock),
		observer: opts.Observer,
		logger:   zerolog.Nop(),
	}, nil
}

func (m *Manager) SetLogger(l zerolog.Logger) {
	m.logger = l
	m.merger.SetLogger(l)
}

func (m *Manager) Workspaces() *Workspaces { return m.spaces }

func (c Chunk) validate() error {
	if c.Total < 1 {
		return fmt.Errorf("%w: total %d", ErrInvalidChunk, c.Total)
	}
	if c.Index < 1 || c.Index > c.Total {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, c.Index, c.Total)
	}
	if !filepath.IsAbs(c.ParentDir) {
		return fmt.Errorf("%w: parent dir must be absolute", ErrInvalidChunk)
	}
	if err := fsutil.ValidName(c.FileName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChunk, err)
	}
	if c.Body == nil {
		return fmt.Errorf("%w: empty body", ErrInvalidChunk)
	}
	return ValidID(c.UploadID)
}

// Accept checks the chunk against the upload's recorded parameters, stores it
// and runs a merge pass. A failed store is reported to the caller, who is
// expected to send the chunk again.
func (m *Manager) Accept(ctx context.Context, c Chunk) (Result, error) {
	if err := c.validate(); err != nil {
		return Result{}, err
	}
	ws, err := m.spaces.Open(c.UploadID)
	if err != nil {
		return Result{}, err
	}
	if err := m.ensureMeta(ws, c); err != nil {
		return Result{}, err
	}
	if _, err := ws.StoreChunk(c.Index, c.Body); err != nil {
		return Result{}, err
	}
	return m.merge(ctx, ws)
}

func (m *Manager) ensureMeta(ws *Workspace, c Chunk) error {
	want := Meta{
		ID:        c.UploadID,
		Total:     c.Total,
		ParentDir: filepath.Clean(c.ParentDir),
		FileName:  c.FileName,
		Created:   time.Now().Unix(),
	}
	meta, ok, err := ws.LoadMeta()
	if err != nil {
		return err
	}
	if !ok {
		if meta, _, err = ws.CreateMeta(want); err != nil {
			return err
		}
	}
	if meta.Total != want.Total || meta.ParentDir != want.ParentDir || meta.FileName != want.FileName {
		return fmt.Errorf("%w: upload %s", ErrMismatch, c.UploadID)
	}
	return nil
}

func (m *Manager) merge(ctx context.Context, ws *Workspace) (Result, error) {
	res, err := m.merger.Merge(ctx, ws)
	if err != nil {
		m.logger.Error().Err(err).Str("upload_id", ws.ID).Int("serial", res.Serial).Msg("merge failed")
		return res, err
	}
	if m.observer != nil {
		switch {
		case res.Path != "":
			m.observer.Completed(ctx, ws.ID, res.Path)
		case !res.Done:
			m.observer.Progress(ctx, ws.ID, res.Serial, res.Total)
		}
	}
	return res, nil
}

// Status reports the merge progress of an upload still in flight.
func (m *Manager) Status(id string) (Status, error) {
	ws, err := m.spaces.Open(id)
	if err != nil {
		return Status{}, err
	}
	return ws.Status()
}

// Resume runs a merge pass over every workspace left on disk, finishing
// uploads whose last chunks arrived before a crash.
func (m *Manager) Resume(ctx context.Context) error {
	ids, err := m.spaces.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		ws, err := m.spaces.Open(id)
		if err != nil {
			continue
		}
		if _, ok, _ := ws.LoadMeta(); !ok {
			continue
		}
		res, err := m.merge(ctx, ws)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Debug().Str("upload_id", id).Int("serial", res.Serial).Int("total", res.Total).Bool("done", res.Done).Msg("resumed upload")
	}
	return errors.Join(errs...)
}

// Sweep removes workspaces untouched for ttl.
func (m *Manager) Sweep(ttl time.Duration) (int, error) {
	removed, err := m.spaces.Sweep(ttl, time.Now())
	for _, id := range removed {
		m.logger.Info().Str("upload_id", id).Msg("removed abandoned upload")
	}
	return len(removed), err
}
