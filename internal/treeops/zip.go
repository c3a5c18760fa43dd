package treeops

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"os"
)

// Zip streams the selection as a zip archive into w. Every regular file
// becomes one entry named by its slash path relative to root; directories
// get no entries of their own.
func Zip(ctx context.Context, w io.Writer, root string, names []string) error {
	zw := zip.NewWriter(w)
	err := Walk(ctx, root, names, Action{
		File: func(e Entry) error {
			if !e.Info.Mode().IsRegular() {
				return nil
			}
			return addZipEntry(zw, e)
		},
	})
	// Close even on failure: it writes the central directory for whatever
	// made it in.
	return errors.Join(err, zw.Close())
}

func addZipEntry(zw *zip.Writer, e Entry) error {
	f, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := zip.FileInfoHeader(e.Info)
	if err != nil {
		return err
	}
	h.Name = e.Rel
	h.Method = zip.Deflate
	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(wr, f)
	return err
}
