package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog"

	"diskdeck/internal/dirlock"
	"diskdeck/internal/fsutil"
)

var (
	ErrInvalidChunk = errors.New("invalid chunk")
	ErrMismatch     = errors.New("upload parameters changed")
	ErrCorrupt      = errors.New("upload workspace inconsistent")
)

// Result describes the state after one merge pass.
type Result struct {
	ID     string `json:"id"`
	Serial int    `json:"serial"`
	Total  int    `json:"total"`
	// Done is set once every chunk has been merged and published, by this
	// pass or an earlier one.
	Done bool `json:"done"`
	// Path is the published file. Only the pass that published sets it.
	Path string `json:"path,omitempty"`
}

// Merger folds the contiguous prefix of available chunks into the assembly
// file. All of its work on a workspace happens while holding that
// workspace's dirlock gate.
type Merger struct {
	lock   dirlock.Options
	logger zerolog.Logger
}

func NewMerger(lock dirlock.Options) *Merger {
	return &Merger{lock: lock, logger: zerolog.Nop()}
}

func (m *Merger) SetLogger(l zerolog.Logger) { m.logger = l }

// Merge runs one pass over ws. Errors leave the cursor at the last chunk that
// was fully merged, so the next pass picks up from there.
func (m *Merger) Merge(ctx context.Context, ws *Workspace) (res Result, err error) {
	res.ID = ws.ID
	gate := dirlock.New(ws.LockDir(), m.lock)
	if err := gate.Acquire(ctx); err != nil {
		return res, fmt.Errorf("lock upload %s: %w", ws.ID, err)
	}
	gone := false
	defer func() {
		if rerr := gate.Release(); rerr != nil && err == nil {
			err = rerr
		}
		if gone {
			// Acquire recreated the directory of a finished upload.
			_ = os.Remove(ws.Dir())
		}
	}()

	meta, ok, err := ws.LoadMeta()
	if err != nil {
		return res, err
	}
	if !ok {
		gone = true
		res.Done = true
		return res, nil
	}
	res.Total = meta.Total

	c, err := m.reconcile(ws, meta)
	if err != nil {
		return res, err
	}
	res.Serial = c.Serial

	for i := c.Serial + 1; i <= meta.Total; i++ {
		src := ws.ChunkPath(i)
		if _, err := os.Stat(src); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			return res, err
		}
		if c.Serial == 0 {
			// first chunk becomes the assembly, no copy
			if err := os.Rename(src, ws.AssemblyPath()); err != nil {
				return res, fmt.Errorf("merge chunk %d: %w", i, err)
			}
			st, err := os.Stat(ws.AssemblyPath())
			if err != nil {
				return res, err
			}
			c = Cursor{Serial: 1, Size: st.Size()}
		} else {
			n, err := appendChunk(ws.AssemblyPath(), src, c.Size)
			if err != nil {
				return res, fmt.Errorf("merge chunk %d: %w", i, err)
			}
			c = Cursor{Serial: i, Size: c.Size + n}
		}
		if err := ws.WriteCursor(c); err != nil {
			return res, fmt.Errorf("write cursor: %w", err)
		}
		res.Serial = c.Serial
		if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
			// left behind the cursor; teardown collects it
			m.logger.Warn().Err(err).Str("upload_id", ws.ID).Int("chunk", i).Msg("remove merged chunk")
		}
	}

	if c.Serial < meta.Total {
		return res, nil
	}

	dst := meta.Destination()
	if err := os.MkdirAll(meta.ParentDir, 0o755); err != nil {
		return res, err
	}
	if err := fsutil.MoveFile(ws.AssemblyPath(), dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return res, fmt.Errorf("publish %s: %w", dst, err)
	}
	if err := ws.Teardown(); err != nil {
		return res, err
	}
	m.logger.Info().Str("upload_id", ws.ID).Str("path", dst).Int64("size", c.Size).Int("chunks", meta.Total).Msg("upload complete")
	res.Done = true
	res.Path = dst
	return res, nil
}

// reconcile repairs the window between touching the assembly and persisting
// the cursor that a crash can leave behind.
func (m *Merger) reconcile(ws *Workspace, meta Meta) (Cursor, error) {
	c, err := ws.ReadCursor()
	if err != nil {
		return c, err
	}
	if c.Serial < 0 || c.Serial > meta.Total {
		return c, fmt.Errorf("%w: cursor %d of %d", ErrCorrupt, c.Serial, meta.Total)
	}
	st, err := os.Stat(ws.AssemblyPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if c.Serial == 0 || c.Serial == meta.Total {
			return c, nil
		}
		return c, fmt.Errorf("%w: assembly missing at chunk %d", ErrCorrupt, c.Serial)
	case err != nil:
		return c, err
	case c.Serial == 0:
		// chunk 1 was renamed but the cursor never written
		c = Cursor{Serial: 1, Size: st.Size()}
		m.logger.Info().Str("upload_id", ws.ID).Msg("recovered first chunk")
		return c, ws.WriteCursor(c)
	case st.Size() > c.Size:
		m.logger.Info().Str("upload_id", ws.ID).Int64("from", st.Size()).Int64("to", c.Size).Msg("truncating unrecorded append")
		return c, os.Truncate(ws.AssemblyPath(), c.Size)
	case st.Size() < c.Size:
		return c, fmt.Errorf("%w: assembly %d bytes, cursor says %d", ErrCorrupt, st.Size(), c.Size)
	}
	return c, nil
}

// appendChunk writes src at offset at of dst. On failure dst is cut back to
// at so a retry never duplicates bytes.
func appendChunk(dst, src string, at int64) (n int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = out.Truncate(at)
		}
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err = out.Seek(at, io.SeekStart); err != nil {
		return 0, err
	}
	if n, err = io.Copy(out, in); err != nil {
		return 0, err
	}
	return n, out.Sync()
}
