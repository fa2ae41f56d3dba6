package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/deflate"
	"github.com/absfs/layerfs/direct"
	"github.com/absfs/layerfs/filer"
)

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return "sha256-" + hex.EncodeToString(sum[:])
}

// reopen returns a fresh VFS over the same memory filesystem.
func reopen(v *filer.VFS) *filer.VFS {
	return filer.New(v.FileSystem(), layerfs.Read|layerfs.Write)
}

func mustNew(t *testing.T, inner layerfs.VFS, opts ...Option) *VFS {
	t.Helper()
	v, err := New(inner, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return v
}

func TestDigestRecordedOnClose(t *testing.T) {
	inner, _ := filer.NewMemory()
	v := mustNew(t, inner)

	if err := layerfs.WriteFile(v.Root(), layerfs.P("a/b.txt"), []byte("hello")); err != nil {
		t.Fatal(err)
	}
	f, err := layerfs.GetFile(v.Root(), layerfs.P("a/b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := f.Digest()
	if !ok {
		t.Fatal("expected a recorded digest")
	}
	if got != sha256Hex("hello") {
		t.Errorf("digest = %s, want %s", got, sha256Hex("hello"))
	}
	if !v.Capabilities().Has(layerfs.Digest) {
		t.Error("expected DIGEST capability")
	}
}

func TestSidecarFormat(t *testing.T) {
	root := t.TempDir()
	inner, err := direct.New(root, layerfs.Read|layerfs.Write)
	if err != nil {
		t.Fatal(err)
	}
	v := mustNew(t, inner)
	layerfs.WriteFile(v.Root(), layerfs.P("z.txt"), []byte("zed"))
	layerfs.WriteFile(v.Root(), layerfs.P("a.txt"), []byte("ay"))
	if err := v.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, SidecarName))
	if err != nil {
		t.Fatal(err)
	}
	entries := sha256Hex("ay") + ":a.txt\n" + sha256Hex("zed") + ":z.txt\n"
	want := entries + sha256Hex(entries) + ":digest\n"
	if string(data) != want {
		t.Errorf("sidecar mismatch:\ngot:\n%s\nwant:\n%s", data, want)
	}
}

func TestSidecarHidden(t *testing.T) {
	inner, _ := filer.NewMemory()
	v := mustNew(t, inner)
	layerfs.WriteFile(v.Root(), layerfs.P("f"), []byte("x"))
	v.Close()

	v = mustNew(t, reopen(inner))
	children, err := v.Root().List()
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].Name() != "f" {
		t.Errorf("expected only f, got %v", children)
	}
	if _, err := v.Root().File(SidecarName); !errors.Is(err, layerfs.ErrNoSuchFile) {
		t.Errorf("expected sidecar to be hidden, got %v", err)
	}
	if _, err := v.Root().CreateFile(SidecarName); !errors.Is(err, layerfs.ErrCannotCreate) {
		t.Errorf("expected reserved name error, got %v", err)
	}

	// Below the root the name is ordinary.
	if err := layerfs.WriteFile(v.Root(), layerfs.P("sub/digest"), []byte("ok")); err != nil {
		t.Errorf("nested digest file should be allowed: %v", err)
	}
}

func TestMissingSidecar(t *testing.T) {
	inner, _ := filer.NewMemory()
	layerfs.WriteFile(inner.Root(), layerfs.P("stray"), []byte("x"))

	_, err := New(inner)
	if !errors.Is(err, layerfs.ErrWrongFormat) {
		t.Errorf("expected ErrWrongFormat, got %v", err)
	}

	empty, _ := filer.NewMemory()
	if _, err := New(empty); err != nil {
		t.Errorf("empty store should be accepted, got %v", err)
	}
}

func TestCorruptSidecar(t *testing.T) {
	cases := map[string]string{
		"tampered":       sha256Hex("x") + ":f\n" + sha256Hex("other") + ":digest\n",
		"no self line":   sha256Hex("x") + ":f\n",
		"no newline":     sha256Hex("") + ":digest",
		"malformed line": "garbage\n" + sha256Hex("garbage\n") + ":digest\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			inner, _ := filer.NewMemory()
			layerfs.WriteFile(inner.Root(), layerfs.P(SidecarName), []byte(content))
			_, err := New(inner)
			if !errors.Is(err, layerfs.ErrBadFormat) {
				t.Errorf("expected ErrBadFormat, got %v", err)
			}
		})
	}
}

func TestDeleteDropsEntries(t *testing.T) {
	inner, _ := filer.NewMemory()
	v := mustNew(t, inner)
	layerfs.WriteFile(v.Root(), layerfs.P("d/one"), []byte("1"))
	layerfs.WriteFile(v.Root(), layerfs.P("d/two"), []byte("2"))
	layerfs.WriteFile(v.Root(), layerfs.P("keep"), []byte("k"))

	before := v.Digest()
	if v.Digest() != before {
		t.Error("whole digest should be stable without writes")
	}

	d, _ := v.Root().Dir("d")
	if err := d.Delete(); err != nil {
		t.Fatal(err)
	}
	if v.Digest() == before {
		t.Error("whole digest should change after a delete")
	}
	if _, ok := v.lookup(layerfs.P("d/one")); ok {
		t.Error("entries below a deleted directory should be dropped")
	}
	if _, ok := v.lookup(layerfs.P("keep")); !ok {
		t.Error("unrelated entry should survive")
	}

	after := v.Digest()
	layerfs.WriteFile(v.Root(), layerfs.P("keep"), []byte("changed"))
	if v.Digest() == after {
		t.Error("whole digest should change after a write")
	}
}

func TestAlgorithms(t *testing.T) {
	for _, name := range Algorithms() {
		t.Run(name, func(t *testing.T) {
			inner, _ := filer.NewMemory()
			v := mustNew(t, inner, WithAlgorithm(name))
			layerfs.WriteFile(v.Root(), layerfs.P("f"), []byte("data"))
			f, _ := v.Root().File("f")
			got, _ := f.Digest()
			want, _ := Sum(name, []byte("data"))
			if got != want || !strings.HasPrefix(got, name+"-") {
				t.Errorf("digest = %s, want %s", got, want)
			}
			if err := v.Close(); err != nil {
				t.Fatal(err)
			}
			// Reloads with the default algorithm still verify.
			if _, err := New(reopen(inner)); err != nil {
				t.Errorf("reload failed: %v", err)
			}
		})
	}

	if _, err := New(nil, WithAlgorithm("crc32")); err == nil {
		t.Error("expected unknown algorithm error")
	}
}

// TestDirectDeflateDigestReopen stacks digest over deflate over a real
// directory, closes it, reopens it and checks both content and digests.
func TestDirectDeflateDigestReopen(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"one.txt":       "first file",
		"nested/two":    strings.Repeat("second ", 100),
		"nested/deeper": "",
	}

	open := func() *VFS {
		store, err := direct.New(root, layerfs.Read|layerfs.Write)
		if err != nil {
			t.Fatal(err)
		}
		return mustNew(t, deflate.New(store))
	}

	v := open()
	for name, content := range files {
		if err := layerfs.WriteFile(v.Root(), layerfs.P(name), []byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	whole := v.Digest()
	if err := v.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	v = open()
	defer v.Close()
	for name, content := range files {
		data, err := layerfs.ReadFile(v.Root(), layerfs.P(name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(data) != content {
			t.Errorf("%s: content mismatch", name)
		}
		f, _ := layerfs.GetFile(v.Root(), layerfs.P(name))
		if got, _ := f.Digest(); got != sha256Hex(content) {
			t.Errorf("%s: digest %s, want %s", name, got, sha256Hex(content))
		}
	}
	if v.Digest() != whole {
		t.Error("whole digest changed across reopen")
	}
}

func TestReloadKeepsAlgorithm(t *testing.T) {
	for _, name := range []string{"sha3-256", "sha3-512", "blake2b-256", "blake2b-512"} {
		t.Run(name, func(t *testing.T) {
			inner, _ := filer.NewMemory()
			v := mustNew(t, inner, WithAlgorithm(name))
			if err := layerfs.WriteFile(v.Root(), layerfs.P("dir/a"), []byte("a")); err != nil {
				t.Fatal(err)
			}
			if err := v.Close(); err != nil {
				t.Fatal(err)
			}

			v = mustNew(t, reopen(inner), WithAlgorithm(name))
			defer v.Close()
			f, err := layerfs.GetFile(v.Root(), layerfs.P("dir/a"))
			if err != nil {
				t.Fatal(err)
			}
			want, _ := Sum(name, []byte("a"))
			if got, ok := f.Digest(); !ok || got != want {
				t.Errorf("reloaded digest = %s, want %s", got, want)
			}
		})
	}
}

func TestSplit(t *testing.T) {
	sum, _ := Sum("blake2b-256", []byte("x"))
	algorithm, value, err := Split(sum)
	if err != nil || algorithm != "blake2b-256" || "blake2b-256-"+value != sum {
		t.Errorf("Split(%s) = %s, %s, %v", sum, algorithm, value, err)
	}
	for _, bad := range []string{"sha256", "-00", "sha256-", "crc32-00", "sha256-zz"} {
		if _, _, err := Split(bad); err == nil {
			t.Errorf("Split(%q) should fail", bad)
		}
	}
}

func TestUnknownEntryAlgorithm(t *testing.T) {
	entries := "crc32-00:a.txt\n"
	self, _ := Sum("sha256", []byte(entries))
	if _, err := parse([]byte(entries + self + ":digest\n")); !errors.Is(err, layerfs.ErrBadFormat) {
		t.Errorf("expected ErrBadFormat, got %v", err)
	}
}

func TestSecondCloseHasNoEffect(t *testing.T) {
	root := t.TempDir()
	inner, err := direct.New(root, layerfs.Read|layerfs.Write)
	if err != nil {
		t.Fatal(err)
	}
	v := mustNew(t, inner)
	layerfs.WriteFile(v.Root(), layerfs.P("f"), []byte("f"))
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	sidecar := filepath.Join(root, SidecarName)
	if err := os.Remove(sidecar); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if _, err := os.Stat(sidecar); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("second Close rewrote the sidecar: %v", err)
	}
}

func TestNewlineNameRejected(t *testing.T) {
	inner, _ := filer.NewMemory()
	v := mustNew(t, inner)
	if _, err := v.Root().CreateFile("a\nb"); !errors.Is(err, layerfs.ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reopen(inner)); err != nil {
		t.Errorf("reload failed: %v", err)
	}
}
