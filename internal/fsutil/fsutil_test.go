package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanRelPath(t *testing.T) {
	cases := map[string]string{
		"":            "",
		"/":           "",
		".":           "",
		"/a/b":        "a/b",
		"a//b/":       "a/b",
		"a\\b":        "a/b",
		"../../etc":   "etc",
		"a/../../b/c": "b/c",
	}
	for in, want := range cases {
		require.Equal(t, want, CleanRelPath(in), "input %q", in)
	}
}

func TestResolverStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	r, err := NewResolver(root)
	require.NoError(t, err)

	abs, err := r.Resolve("/photos/2024")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(r.Root(), "photos", "2024"), abs)
	require.Equal(t, "photos/2024", r.Rel(abs))

	abs, err = r.Resolve("../../outside")
	require.NoError(t, err)
	require.True(t, Within(r.Root(), abs))

	_, err = r.Child(r.Root(), "..")
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = r.Child(r.Root(), "a/b")
	require.ErrorIs(t, err, ErrInvalidName)

	require.Equal(t, "", r.Rel(filepath.Dir(r.Root())))
}

func TestResolverReserved(t *testing.T) {
	r, err := NewResolver(t.TempDir())
	require.NoError(t, err)
	state := filepath.Join(r.Root(), "var", ".state")
	r.Reserve(state)
	r.Reserve(r.Root())
	r.Reserve(filepath.Dir(r.Root()))
	require.Equal(t, []string{"var/.state"}, r.Reserved())

	for _, rel := range []string{"var/.state", "/var/.state/uploads/u1", "var//.state/../.state/x"} {
		_, err := r.Resolve(rel)
		require.ErrorIs(t, err, ErrReserved, rel)
	}
	_, err = r.Resolve("var/.stateful")
	require.NoError(t, err)

	_, err = r.Child(filepath.Join(r.Root(), "var"), ".state")
	require.ErrorIs(t, err, ErrReserved)

	// selecting an ancestor would drag the reserved dir along
	require.ErrorIs(t, r.Selection(r.Root(), []string{"docs", "var"}), ErrReserved)
	require.NoError(t, r.Selection(r.Root(), []string{"docs", "music"}))
	require.ErrorIs(t, r.Selection(r.Root(), []string{".."}), ErrInvalidName)
}

func TestFormatSize(t *testing.T) {
	require.Equal(t, "999 B", FormatSize(999))
	require.Equal(t, "1000 B", FormatSize(1000))
	require.Equal(t, "1 KB", FormatSize(1001))
	require.Equal(t, "12 MB", FormatSize(12_345_678))
	require.Equal(t, "1.5 GB", FormatSize(1_500_000_000))
	require.Equal(t, "2.35 GB", FormatSize(2_345_678_901))
	require.Equal(t, "3 GB", FormatSize(3_000_000_001))
}

func TestMoveFileOverwrites(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old contents"), 0o644))

	require.NoError(t, MoveFile(src, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "new", string(b))
	_, err = os.Stat(src)
	require.True(t, os.IsNotExist(err))

	require.ErrorIs(t, MoveFile(src, dst), os.ErrNotExist)
}

func TestCopyFileKeepsSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o600))
	require.NoError(t, CopyFile(src, filepath.Join(dir, "b.txt")))

	b, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
	_, err = os.Stat(src)
	require.NoError(t, err)
}
