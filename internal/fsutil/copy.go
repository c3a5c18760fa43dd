package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// CopyFile streams src into dst, truncating dst if it exists. The source mode
// bits are kept.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	st, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, st.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// MoveFile renames src to dst. When the rename fails for a reason other than
// a missing source (typically a cross-device move) it copies and removes src.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err2 := CopyFile(src, dst); err2 != nil {
		return fmt.Errorf("move %s: rename: %v: copy: %w", src, err, err2)
	}
	return os.Remove(src)
}
