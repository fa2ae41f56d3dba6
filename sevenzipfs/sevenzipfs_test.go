package sevenzipfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bodgit/sevenzip"
	"github.com/stretchr/testify/require"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/internal/archive"
)

func TestOpenRejectsNonArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.7z")
	require.NoError(t, os.WriteFile(path, []byte("not an archive"), 0o644))

	_, err := Open(path)
	require.Error(t, err)

	_, err = Open(filepath.Join(t.TempDir(), "missing.7z"))
	require.Error(t, err)
}

func TestEntryNamesAreNormalized(t *testing.T) {
	r := &Reader{tree: archive.NewTree("test")}

	require.NoError(t, r.add(&sevenzip.File{FileHeader: sevenzip.FileHeader{Name: `docs\readme.txt`}}))
	require.NoError(t, r.add(&sevenzip.File{FileHeader: sevenzip.FileHeader{Name: "empty", Attributes: 0x10}}))

	_, err := layerfs.GetFile(r.Root(), layerfs.P("docs/readme.txt"))
	require.NoError(t, err)
	_, err = r.Root().Dir("empty")
	require.NoError(t, err)

	err = r.add(&sevenzip.File{FileHeader: sevenzip.FileHeader{Name: "a//b"}})
	require.ErrorIs(t, err, layerfs.ErrBadFormat)
}

func TestCapabilities(t *testing.T) {
	r := &Reader{path: "x.7z", tree: archive.NewTree("test")}
	caps := r.Capabilities()
	require.True(t, caps.Has(layerfs.Read))
	require.False(t, caps.Has(layerfs.Write))
	require.False(t, caps.Has(layerfs.ParallelRead))
	require.Equal(t, `7z "x.7z"`, r.Description())
}
