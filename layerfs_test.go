package layerfs_test

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/filer"
)

func newMemory(t *testing.T, files map[string]string) *filer.VFS {
	t.Helper()
	v, err := filer.NewMemory()
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, layerfs.WriteFile(v.Root(), layerfs.P(name), []byte(content)))
	}
	return v
}

func TestWalkOrder(t *testing.T) {
	v := newMemory(t, map[string]string{"b/2": "", "a": "", "b/1": "", "c/d/e": ""})

	var visited []string
	err := layerfs.Walk(v.Root(), func(p layerfs.Path, e layerfs.Element) error {
		visited = append(visited, p.String())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"", "a", "b", "b/1", "b/2", "c", "c/d", "c/d/e"}, visited)

	visited = nil
	err = layerfs.Walk(v.Root(), func(p layerfs.Path, e layerfs.Element) error {
		visited = append(visited, p.String())
		switch p.String() {
		case "b":
			return fs.SkipDir
		case "c/d":
			return fs.SkipAll
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"", "a", "b", "c", "c/d"}, visited)
}

func TestHelpers(t *testing.T) {
	v := newMemory(t, map[string]string{"dir/file": "content"})

	_, err := layerfs.GetDir(v.Root(), layerfs.P("dir/file"))
	require.ErrorIs(t, err, layerfs.ErrNotDirectory)
	_, err = layerfs.GetFile(v.Root(), layerfs.P("dir"))
	require.ErrorIs(t, err, layerfs.ErrNotFile)
	_, err = layerfs.GetFile(v.Root(), layerfs.P("nope/file"))
	require.ErrorIs(t, err, layerfs.ErrNoSuchFile)
	require.True(t, errors.Is(err, fs.ErrNotExist))

	e, err := layerfs.Lookup(v.Root(), layerfs.P("dir"))
	require.NoError(t, err)
	require.True(t, layerfs.IsDir(e))
	e, err = layerfs.Lookup(v.Root(), layerfs.Root)
	require.NoError(t, err)
	require.Equal(t, "", e.Name())

	d, err := layerfs.CreateDir(v.Root(), layerfs.P("new/deep"))
	require.NoError(t, err)
	empty, err := layerfs.IsEmpty(d)
	require.NoError(t, err)
	require.True(t, empty)

	parent, err := layerfs.GetDir(v.Root(), layerfs.P("dir"))
	require.NoError(t, err)
	empty, err = layerfs.IsEmpty(parent)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestCopy(t *testing.T) {
	src := newMemory(t, map[string]string{
		"a.txt":       "alpha",
		"sub/b.txt":   strings.Repeat("b", 10000),
		"skip/c.txt":  "skipped",
		"sub/d/e.txt": "",
	})
	dst := newMemory(t, nil)

	keep := func(p layerfs.Path, e layerfs.Element) bool {
		return p.String() != "skip"
	}
	err := layerfs.Copy(dst.Root(), src.Root(), layerfs.WithCopyBufferSize(7), layerfs.WithCopyFilter(keep))
	require.NoError(t, err)

	for _, name := range []string{"a.txt", "sub/b.txt", "sub/d/e.txt"} {
		want, err := layerfs.ReadFile(src.Root(), layerfs.P(name))
		require.NoError(t, err)
		got, err := layerfs.ReadFile(dst.Root(), layerfs.P(name))
		require.NoError(t, err)
		require.Equal(t, want, got, name)
	}
	_, err = dst.Root().Dir("skip")
	require.ErrorIs(t, err, layerfs.ErrNoSuchFile)
}

func TestViews(t *testing.T) {
	v := newMemory(t, map[string]string{"in/file": "data"})

	in := layerfs.NewInput(v)
	r, err := in.Open(layerfs.P("in/file"))
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "data", string(data))

	entries, err := in.List(layerfs.Root)
	require.NoError(t, err)
	require.Equal(t, []layerfs.Entry{{Name: "in", IsDir: true}}, entries)
	require.True(t, in.Exists(layerfs.P("in/file")))
	require.False(t, in.Exists(layerfs.P("in/other")))
	require.Equal(t, v.Description(), in.Description())

	out := layerfs.NewOutput(v)
	w, err := out.Create(layerfs.P("out/deep/file"))
	require.NoError(t, err)
	_, err = w.Write([]byte("written"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Mkdir(layerfs.P("empty/dir")))
	require.False(t, out.NeedsSequentialWriting())

	rw := layerfs.NewInputOutput(v)
	require.True(t, rw.Exists(layerfs.P("out/deep/file")))
	require.True(t, rw.Exists(layerfs.P("empty/dir")))
	require.NoError(t, rw.Delete(layerfs.P("out")))
	require.False(t, rw.Exists(layerfs.P("out/deep/file")))
	require.ErrorIs(t, rw.Delete(layerfs.P("out")), layerfs.ErrNoSuchFile)
	require.ErrorIs(t, rw.Delete(layerfs.Root), layerfs.ErrCannotDelete)
	require.Equal(t, v.Capabilities(), rw.Capabilities())

	// Views never close the VFS.
	require.NoError(t, v.Close())
}
