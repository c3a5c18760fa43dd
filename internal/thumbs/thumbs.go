// Package thumbs renders and caches JPEG thumbnails of images in the served
// tree.
package thumbs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSmall = 320
	DefaultLarge = 720
	quality      = 82
)

var ErrNotImage = errors.New("thumbs: not an image")

type Kind string

const (
	Small Kind = "small"
	Large Kind = "large"
)

func IsImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// Render decodes the image at abs and scales it to height pixels tall,
// keeping the aspect ratio. Images already shorter than height keep their
// size.
func Render(abs string, height int) ([]byte, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, ErrNotImage
	}

	nw, nh := w, h
	if height > 0 && h > height {
		nh = height
		nw = int(float64(w) * float64(height) / float64(h))
		if nw < 1 {
			nw = 1
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Cache keeps rendered thumbnails under dir/<height>/. The file name carries
// the source mtime, so an edited image gets a fresh thumbnail.
type Cache struct {
	dir    string
	small  int
	large  int
	group  singleflight.Group
	logger zerolog.Logger
}

func NewCache(dir string, small, large int) *Cache {
	if small <= 0 {
		small = DefaultSmall
	}
	if large <= 0 {
		large = DefaultLarge
	}
	return &Cache{dir: dir, small: small, large: large, logger: zerolog.Nop()}
}

func (c *Cache) SetLogger(l zerolog.Logger) { c.logger = l }

func (c *Cache) Height(k Kind) int {
	if k == Large {
		return c.large
	}
	return c.small
}

// Get returns the path of the cached thumbnail for the image at abs, whose
// root-relative path is rel, rendering it first when needed.
func (c *Cache) Get(rel, abs string, k Kind) (string, error) {
	st, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if st.IsDir() || !IsImage(abs) {
		return "", ErrNotImage
	}
	height := c.Height(k)
	p := filepath.Join(c.dir, fmt.Sprint(height), fmt.Sprintf("%s-%d.jpg", key(rel), st.ModTime().UnixNano()))
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}

	_, err, _ = c.group.Do(p, func() (interface{}, error) {
		if _, err := os.Stat(p); err == nil {
			return nil, nil
		}
		b, err := Render(abs, height)
		if err != nil {
			return nil, err
		}
		if err := writeFile(p, b); err != nil {
			return nil, err
		}
		c.logger.Debug().Str("path", rel).Int("height", height).Msg("rendered thumbnail")
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return p, nil
}

func writeFile(p string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), ".thumb-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, p)
}

// key names the cache entries of rel. Fixed length, one per distinct path.
func key(rel string) string {
	sum := sha256.Sum256([]byte(rel))
	return hex.EncodeToString(sum[:])
}
