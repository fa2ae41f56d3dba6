package direct

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/absfs/layerfs"
)

func writeOSFile(t *testing.T, root, name, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func requireViolation(t *testing.T, cause error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected a contract violation")
		v, ok := r.(*layerfs.ContractViolation)
		require.True(t, ok, "panic value %v is not a contract violation", r)
		require.ErrorIs(t, v, cause)
	}()
	fn()
}

func TestDirectReadWrite(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	writeOSFile(t, root, "a/b.txt", "hello")

	v, err := New(root, layerfs.Read|layerfs.Write)
	require.NoError(err)
	defer v.Close()

	data, err := layerfs.ReadFile(v.Root(), layerfs.P("a/b.txt"))
	require.NoError(err)
	require.Equal("hello", string(data))

	require.NoError(layerfs.WriteFile(v.Root(), layerfs.P("c/d/e.txt"), []byte("nested")))
	got, err := os.ReadFile(filepath.Join(root, "c", "d", "e.txt"))
	require.NoError(err)
	require.Equal("nested", string(got))

	names := []string{}
	children, err := v.Root().List()
	require.NoError(err)
	for _, c := range children {
		names = append(names, c.Name())
	}
	require.Equal([]string{"a", "c"}, names)
}

func TestDirectLookupErrors(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	writeOSFile(t, root, "f", "x")
	require.NoError(os.Mkdir(filepath.Join(root, "d"), 0o755))

	v, err := New(root, layerfs.Read)
	require.NoError(err)
	defer v.Close()

	_, err = v.Root().Dir("missing")
	require.ErrorIs(err, layerfs.ErrNoSuchFile)
	require.ErrorIs(err, os.ErrNotExist)

	_, err = v.Root().Dir("f")
	require.ErrorIs(err, layerfs.ErrNotDirectory)

	_, err = v.Root().File("d")
	require.ErrorIs(err, layerfs.ErrNotFile)
}

func TestDirectCapabilities(t *testing.T) {
	root := t.TempDir()

	ro, err := New(root, layerfs.Read, WithCaseSensitive(false))
	require.NoError(t, err)
	require.True(t, ro.Capabilities().Has(layerfs.Read|layerfs.ParallelRead))
	require.False(t, ro.Capabilities().Has(layerfs.Write))
	require.False(t, ro.Capabilities().Has(layerfs.CaseSensitive))

	rw, err := New(root, layerfs.Read|layerfs.Write, WithCaseSensitive(true))
	require.NoError(t, err)
	require.True(t, rw.Capabilities().Has(layerfs.Write|layerfs.ParallelWrite|layerfs.CaseSensitive))
	require.False(t, rw.NeedsSequentialWriting())
}

func TestDirectWriteWithoutPermission(t *testing.T) {
	root := t.TempDir()
	writeOSFile(t, root, "f", "x")
	v, err := New(root, layerfs.Read)
	require.NoError(t, err)

	requireViolation(t, layerfs.ErrWrongPermission, func() {
		v.Root().CreateDir("new")
	})
	f, err := v.Root().File("f")
	require.NoError(t, err)
	requireViolation(t, layerfs.ErrWrongPermission, func() {
		f.Create()
	})
}

func TestDirectDeleteRoot(t *testing.T) {
	v, err := New(t.TempDir(), layerfs.Write)
	require.NoError(t, err)
	require.ErrorIs(t, v.Root().Delete(), layerfs.ErrCannotDelete)
}

func TestDirectListVanishedDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "gone"), 0o755))
	v, err := New(root, layerfs.Read)
	require.NoError(t, err)

	d, err := v.Root().Dir("gone")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "gone")))

	_, err = d.List()
	require.ErrorIs(t, err, layerfs.ErrConcurrentIO)
}

func TestDirectDoubleClose(t *testing.T) {
	v, err := New(t.TempDir(), layerfs.Read)
	require.NoError(t, err)
	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
}

func TestNewMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"), layerfs.Read)
	require.ErrorIs(t, err, layerfs.ErrNoSuchFile)
}

func TestCachedScanAndMutate(t *testing.T) {
	require := require.New(t)
	root := t.TempDir()
	writeOSFile(t, root, "x/y.txt", "one")
	writeOSFile(t, root, "z.txt", "two")

	v, err := NewCached(root, layerfs.Read|layerfs.Write)
	require.NoError(err)
	defer v.Close()

	data, err := layerfs.ReadFile(v.Root(), layerfs.P("x/y.txt"))
	require.NoError(err)
	require.Equal("one", string(data))

	require.NoError(layerfs.WriteFile(v.Root(), layerfs.P("x/w.txt"), []byte("three")))
	_, err = os.Stat(filepath.Join(root, "x", "w.txt"))
	require.NoError(err)

	x, err := v.Root().Dir("x")
	require.NoError(err)
	children, err := x.List()
	require.NoError(err)
	require.Len(children, 2)

	require.NoError(x.Delete())
	_, err = v.Root().Dir("x")
	require.ErrorIs(err, layerfs.ErrNoSuchFile)
	_, err = os.Stat(filepath.Join(root, "x"))
	require.True(os.IsNotExist(err))
}

func TestCachedStreamLeak(t *testing.T) {
	root := t.TempDir()
	writeOSFile(t, root, "f", "data")
	v, err := NewCached(root, layerfs.Read)
	require.NoError(t, err)

	f, err := v.Root().File("f")
	require.NoError(t, err)
	r, err := f.Open()
	require.NoError(t, err)
	defer r.Close()

	requireViolation(t, layerfs.ErrStreamLeak, func() {
		v.Close()
	})
}

func TestCachedClosedStreamsDoNotLeak(t *testing.T) {
	root := t.TempDir()
	v, err := NewCached(root, layerfs.Read|layerfs.Write)
	require.NoError(t, err)

	f, err := v.Root().CreateFile("f")
	require.NoError(t, err)
	w, err := f.Create()
	require.NoError(t, err)
	_, err = io.WriteString(w, "abc")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := f.Open()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	require.NoError(t, v.Close())
	require.NoError(t, v.Close())
}

func TestCachedWatchDetectsExternalChange(t *testing.T) {
	root := t.TempDir()
	v, err := NewCached(root, layerfs.Read|layerfs.Write, WithWatch())
	require.NoError(t, err)
	defer v.Close()

	require.NoError(t, layerfs.WriteFile(v.Root(), layerfs.P("ours.txt"), []byte("fine")))
	_, err = v.Root().List()
	require.NoError(t, err)

	writeOSFile(t, root, "theirs.txt", "surprise")

	require.Eventually(t, func() bool {
		_, err := v.Root().List()
		return errors.Is(err, layerfs.ErrConcurrentIO)
	}, 5*time.Second, 20*time.Millisecond)
}
