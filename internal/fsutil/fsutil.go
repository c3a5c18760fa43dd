package fsutil

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	ErrEscape      = errors.New("path escape")
	ErrInvalidName = errors.New("invalid name")
	ErrReserved    = errors.New("reserved path")
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Resolver maps slash-relative paths to absolute paths under one root.
// Reserved subtrees of the root resolve to ErrReserved.
type Resolver struct {
	root     string
	reserved []string
}

func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Resolver{root: filepath.Clean(abs)}, nil
}

func (r *Resolver) Root() string { return r.root }

// Reserve hides abs and everything below it. Paths outside the root and the
// root itself are ignored.
func (r *Resolver) Reserve(abs string) {
	abs = filepath.Clean(abs)
	if abs == r.root || !Within(r.root, abs) {
		return
	}
	r.reserved = append(r.reserved, abs)
}

// Reserved returns the reserved subtrees as slash paths relative to the root.
func (r *Resolver) Reserved() []string {
	out := make([]string, 0, len(r.reserved))
	for _, p := range r.reserved {
		out = append(out, r.Rel(p))
	}
	return out
}

// IsReserved reports whether abs is a reserved dir or lies below one.
func (r *Resolver) IsReserved(abs string) bool {
	for _, p := range r.reserved {
		if Within(p, abs) {
			return true
		}
	}
	return false
}

// Selection validates names as children of dirAbs for bulk operations. A
// name whose subtree holds a reserved dir is refused as well.
func (r *Resolver) Selection(dirAbs string, names []string) error {
	for _, n := range names {
		abs, err := r.Child(dirAbs, n)
		if err != nil {
			return err
		}
		for _, p := range r.reserved {
			if Within(abs, p) {
				return fmt.Errorf("%w: %s", ErrReserved, n)
			}
		}
	}
	return nil
}

// Resolve returns the absolute path for rel. Escapes (..) and NUL bytes are
// rejected.
func (r *Resolver) Resolve(rel string) (string, error) {
	rel = CleanRelPath(rel)
	if rel == "" {
		return r.root, nil
	}
	if strings.Contains(rel, "\x00") {
		return "", ErrInvalidName
	}
	abs := filepath.Clean(filepath.Join(r.root, filepath.FromSlash(rel)))
	if !Within(r.root, abs) {
		return "", ErrEscape
	}
	if r.IsReserved(abs) {
		return "", fmt.Errorf("%w: %s", ErrReserved, rel)
	}
	return abs, nil
}

// Child joins a single validated name onto dirAbs.
func (r *Resolver) Child(dirAbs, name string) (string, error) {
	if err := ValidName(name); err != nil {
		return "", err
	}
	abs := filepath.Join(dirAbs, name)
	if !Within(r.root, abs) {
		return "", ErrEscape
	}
	if r.IsReserved(abs) {
		return "", fmt.Errorf("%w: %s", ErrReserved, name)
	}
	return abs, nil
}

// Rel is the inverse of Resolve. Paths outside the root yield "".
func (r *Resolver) Rel(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Within reports whether p is root or lies below it.
func Within(root, p string) bool {
	root = filepath.Clean(root)
	p = filepath.Clean(p)
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// ValidName accepts exactly one path element.
func ValidName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// FormatSize renders n with decimal units: GB keeps two decimals, the
// smaller units are truncated to integers.
func FormatSize(n int64) string {
	switch {
	case n > 1_000_000_000:
		s := strconv.FormatFloat(float64(n)/1e9, 'f', 2, 64)
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
		return s + " GB"
	case n > 1_000_000:
		return strconv.FormatInt(n/1_000_000, 10) + " MB"
	case n > 1_000:
		return strconv.FormatInt(n/1_000, 10) + " KB"
	}
	return strconv.FormatInt(n, 10) + " B"
}
