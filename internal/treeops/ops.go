package treeops

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"diskdeck/internal/fsutil"
)

// Copy mirrors the selected names of src into dst, overwriting existing
// files. Symlinks are recreated rather than followed.
func Copy(ctx context.Context, src, dst string, names []string) error {
	if err := checkTarget(src, dst, names); err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return Walk(ctx, src, names, Action{
		Dir: func(e Entry) error {
			return os.MkdirAll(target(dst, e), e.Info.Mode().Perm()|0o700)
		},
		File: func(e Entry) error {
			t := target(dst, e)
			if e.Info.Mode()&fs.ModeSymlink != 0 {
				return copySymlink(e.Path, t)
			}
			if !e.Info.Mode().IsRegular() {
				return nil
			}
			return fsutil.CopyFile(e.Path, t)
		},
	})
}

// Cut moves the selection into dst. Files are renamed one by one (copied
// and removed across volumes); the emptied source directories are removed
// after the walk, deepest first.
func Cut(ctx context.Context, src, dst string, names []string) error {
	if err := checkTarget(src, dst, names); err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	var dirs []string
	err := Walk(ctx, src, names, Action{
		Dir: func(e Entry) error {
			if err := os.MkdirAll(target(dst, e), e.Info.Mode().Perm()|0o700); err != nil {
				return err
			}
			dirs = append(dirs, e.Path)
			return nil
		},
		File: func(e Entry) error {
			t := target(dst, e)
			if e.Info.Mode()&fs.ModeSymlink != 0 {
				if err := os.Rename(e.Path, t); err == nil {
					return nil
				}
				if err := copySymlink(e.Path, t); err != nil {
					return err
				}
				return os.Remove(e.Path)
			}
			return fsutil.MoveFile(e.Path, t)
		},
	})
	return errors.Join(err, removeDirs(dirs, stopped(err)))
}

// Delete removes the selection. Missing entries count as deleted.
func Delete(ctx context.Context, src string, names []string) error {
	var dirs []string
	err := Walk(ctx, src, names, Action{
		Dir: func(e Entry) error {
			dirs = append(dirs, e.Path)
			return nil
		},
		File: func(e Entry) error {
			return os.Remove(e.Path)
		},
	})
	return errors.Join(err, removeDirs(dirs, stopped(err)))
}

// removeDirs pops dirs LIFO. A directory is always pushed before its
// descendants, so children go first. After a stopped walk some dirs still
// hold unvisited entries; those are left in place without complaint.
func removeDirs(dirs []string, partial bool) error {
	var errs []error
	for i := len(dirs) - 1; i >= 0; i-- {
		err := os.Remove(dirs[i])
		switch {
		case err == nil, errors.Is(err, fs.ErrNotExist):
		case partial && notEmpty(err):
		default:
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stopped(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func notEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

func target(dst string, e Entry) string {
	return filepath.Join(dst, filepath.FromSlash(e.Rel))
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(link, dst)
}
