package httpserver

import (
	"context"
	"io/fs"
	"os"
	"path"
	"strings"

	"golang.org/x/net/webdav"
)

// davFS hides reserved subtrees from WebDAV clients. They do not show up in
// listings and every operation on them reports not-exist.
type davFS struct {
	webdav.FileSystem
	hidden []string // cleaned, with leading slash
}

func newDavFS(inner webdav.FileSystem, reserved []string) webdav.FileSystem {
	if len(reserved) == 0 {
		return inner
	}
	hidden := make([]string, 0, len(reserved))
	for _, r := range reserved {
		hidden = append(hidden, path.Clean("/"+r))
	}
	return &davFS{FileSystem: inner, hidden: hidden}
}

func (d *davFS) blocked(name string) bool {
	name = path.Clean("/" + name)
	for _, h := range d.hidden {
		if name == h || strings.HasPrefix(name, h+"/") {
			return true
		}
	}
	return false
}

func (d *davFS) deny(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

func (d *davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if d.blocked(name) {
		return d.deny("mkdir", name)
	}
	return d.FileSystem.Mkdir(ctx, name, perm)
}

func (d *davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if d.blocked(name) {
		return nil, d.deny("open", name)
	}
	f, err := d.FileSystem.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &davFile{File: f, fs: d, dir: path.Clean("/" + name)}, nil
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	// removing an ancestor would take the hidden tree with it
	if d.blocked(name) || d.holdsHidden(name) {
		return d.deny("remove", name)
	}
	return d.FileSystem.RemoveAll(ctx, name)
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	if d.blocked(oldName) || d.holdsHidden(oldName) || d.blocked(newName) {
		return d.deny("rename", oldName)
	}
	return d.FileSystem.Rename(ctx, oldName, newName)
}

func (d *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if d.blocked(name) {
		return nil, d.deny("stat", name)
	}
	return d.FileSystem.Stat(ctx, name)
}

func (d *davFS) holdsHidden(name string) bool {
	name = path.Clean("/" + name)
	for _, h := range d.hidden {
		if name == "/" || strings.HasPrefix(h, name+"/") {
			return true
		}
	}
	return false
}

// davFile filters hidden children out of directory listings.
type davFile struct {
	webdav.File
	fs  *davFS
	dir string
}

func (f *davFile) Readdir(count int) ([]fs.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		if !f.fs.blocked(path.Join(f.dir, fi.Name())) {
			out = append(out, fi)
		}
	}
	return out, err
}
