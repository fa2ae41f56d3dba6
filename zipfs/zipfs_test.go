package zipfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/absfs/layerfs"
)

func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	w, err := Create(path)
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, layerfs.WriteFile(w.Root(), layerfs.P(name), []byte(content)))
	}
	require.NoError(t, w.Close())
}

func entryNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	names := []string{}
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	writeArchive(t, path, map[string]string{
		"a/b.txt":   "bee",
		"a/c/d.txt": "dee",
		"top.txt":   "top",
	})

	require.ElementsMatch(t, []string{"a/b.txt", "a/c/d.txt", "top.txt"}, entryNames(t, path))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	data, err := layerfs.ReadFile(r.Root(), layerfs.P("a/c/d.txt"))
	require.NoError(t, err)
	require.Equal(t, "dee", string(data))

	children, err := r.Root().List()
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, "a", children[0].Name())
	require.True(t, layerfs.IsDir(children[0]))

	require.False(t, r.Capabilities().Has(layerfs.Write))
	require.True(t, r.Capabilities().Has(layerfs.Read))
}

func TestReaderRejectsMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.zip")
	writeArchive(t, path, map[string]string{"f": "x"})

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	f, err := r.Root().File("f")
	require.NoError(t, err)
	require.ErrorIs(t, f.Delete(), layerfs.ErrCannotDelete)

	require.Panics(t, func() { f.Create() })
}

func TestExplicitDirectoryEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirs.zip")
	out, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	_, err = zw.Create("empty/")
	require.NoError(t, err)
	fw, err := zw.Create("full/file")
	require.NoError(t, err)
	io.WriteString(fw, "data")
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	d, err := r.Root().Dir("empty")
	require.NoError(t, err)
	empty, err := layerfs.IsEmpty(d)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestSequentialWriteEnforced(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "seq.zip"))
	require.NoError(t, err)
	defer w.Close()
	require.True(t, w.NeedsSequentialWriting())

	a, err := layerfs.CreateFile(w.Root(), layerfs.P("a"))
	require.NoError(t, err)
	b, err := layerfs.CreateFile(w.Root(), layerfs.P("b"))
	require.NoError(t, err)

	wa, err := a.Create()
	require.NoError(t, err)

	func() {
		defer func() {
			cv, ok := recover().(*layerfs.ContractViolation)
			require.True(t, ok, "expected a contract violation")
			require.ErrorIs(t, cv, layerfs.ErrSequentialWrite)
		}()
		b.Create()
	}()

	require.NoError(t, wa.Close())
	wb, err := b.Create()
	require.NoError(t, err)
	require.NoError(t, wb.Close())
}

func TestRewriteEmittedEntry(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "twice.zip"))
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, layerfs.WriteFile(w.Root(), layerfs.P("f"), []byte("1")))
	err = layerfs.WriteFile(w.Root(), layerfs.P("f"), []byte("2"))
	require.ErrorIs(t, err, layerfs.ErrCannotCreate)
}

func TestWriterCannotRead(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "wo.zip"))
	require.NoError(t, err)
	defer w.Close()
	f, err := w.Root().CreateFile("f")
	require.NoError(t, err)
	require.Panics(t, func() { f.Open() })
}

func TestEmptyFilesAreWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.zip")
	w, err := Create(path)
	require.NoError(t, err)
	_, err = layerfs.CreateFile(w.Root(), layerfs.P("d/nothing"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	require.Equal(t, []string{"d/nothing"}, entryNames(t, path))
}

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rw.zip")
	writeArchive(t, path, map[string]string{"keep.txt": "keep", "drop.txt": "drop"})

	rw, err := OpenReadWrite(path, WithStageDir(dir))
	require.NoError(t, err)

	data, err := layerfs.ReadFile(rw.Root(), layerfs.P("keep.txt"))
	require.NoError(t, err)
	require.Equal(t, "keep", string(data))

	drop, err := rw.Root().File("drop.txt")
	require.NoError(t, err)
	require.NoError(t, drop.Delete())
	require.NoError(t, layerfs.WriteFile(rw.Root(), layerfs.P("new/file.txt"), []byte("new")))
	require.NoError(t, rw.Close())
	require.NoError(t, rw.Close())

	require.ElementsMatch(t, []string{"keep.txt", "new/file.txt"}, entryNames(t, path))
	_, err = os.Stat(rw.tmp)
	require.True(t, errors.Is(err, os.ErrNotExist), "staging directory should be removed")
}

func TestReadWriteNewArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh.zip")
	rw, err := OpenReadWrite(path)
	require.NoError(t, err)
	require.NoError(t, layerfs.WriteFile(rw.Root(), layerfs.P("x"), []byte("y")))
	require.NoError(t, rw.Close())

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	data, err := layerfs.ReadFile(r.Root(), layerfs.P("x"))
	require.NoError(t, err)
	require.Equal(t, "y", string(data))
}

func TestWriterSecondCloseHasNoEffect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.zip")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, layerfs.WriteFile(w.Root(), layerfs.P("a"), []byte("a")))
	require.NoError(t, w.Close())

	require.NoError(t, os.Remove(path))
	require.NoError(t, w.Close())
	_, err = os.Stat(path)
	require.True(t, errors.Is(err, os.ErrNotExist), "second Close rewrote the archive")
}

func TestReaderSecondClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.zip")
	writeArchive(t, path, map[string]string{"a": "a"})
	r, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}
