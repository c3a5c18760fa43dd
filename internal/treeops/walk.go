// Package treeops implements bulk operations over directory trees: copy,
// cut, delete, size and zip. All of them share one traversal that keeps
// pending entries on an explicit stack instead of recursing, so tree depth is
// bounded only by memory.
package treeops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"diskdeck/internal/fsutil"
)

var (
	ErrSameDir  = errors.New("source and destination are the same directory")
	ErrIntoSelf = errors.New("destination is inside the selection")
)

// Entry is one node met by Walk.
type Entry struct {
	Path string // absolute
	Rel  string // slash path relative to the walk root
	Info fs.FileInfo
}

func (e Entry) IsDir() bool { return e.Info.IsDir() }

// Action is what Walk does with each node. Symlinks and other non-directory
// entries go to File. An error from Dir skips that subtree.
type Action struct {
	Dir  func(Entry) error
	File func(Entry) error
}

// Walk visits root/name for every name and everything below. Entries that
// disappear before they are visited are skipped. Per-entry failures do not
// stop the walk; they are returned joined at the end. Cancelling ctx stops
// the walk before the next entry; ctx.Err() is then joined with whatever
// failed so far.
func Walk(ctx context.Context, root string, names []string, act Action) error {
	stack := make([]Entry, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		if err := fsutil.ValidName(names[i]); err != nil {
			return err
		}
		stack = append(stack, Entry{Path: filepath.Join(root, names[i]), Rel: names[i]})
	}

	var errs []error
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		info, err := os.Lstat(e.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		e.Info = info

		if !info.IsDir() {
			if act.File != nil {
				if err := act.File(e); err != nil && !errors.Is(err, fs.ErrNotExist) {
					errs = append(errs, fmt.Errorf("%s: %w", e.Rel, err))
				}
			}
			continue
		}

		if act.Dir != nil {
			if err := act.Dir(e); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.Rel, err))
				continue
			}
		}
		children, err := os.ReadDir(e.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		// reverse push so entries pop in name order
		for i := len(children) - 1; i >= 0; i-- {
			name := children[i].Name()
			stack = append(stack, Entry{Path: filepath.Join(e.Path, name), Rel: e.Rel + "/" + name})
		}
	}
	return errors.Join(errs...)
}

// checkTarget refuses destinations that would make the walk feed on its own
// output.
func checkTarget(src, dst string, names []string) error {
	src, dst = filepath.Clean(src), filepath.Clean(dst)
	if src == dst {
		return ErrSameDir
	}
	for _, n := range names {
		if fsutil.Within(filepath.Join(src, n), dst) {
			return fmt.Errorf("%w: %s", ErrIntoSelf, n)
		}
	}
	return nil
}
