package deflate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/absfs/layerfs"
	"github.com/absfs/layerfs/direct"
	"github.com/absfs/layerfs/filer"
)

func TestRoundTrip(t *testing.T) {
	inner, err := filer.NewMemory()
	if err != nil {
		t.Fatal(err)
	}
	v := New(inner, WithLevel(flate.BestCompression))
	defer v.Close()

	content := []byte(strings.Repeat("compressible text ", 200))
	if err := layerfs.WriteFile(v.Root(), layerfs.P("docs/a.txt"), content); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := layerfs.ReadFile(v.Root(), layerfs.P("docs/a.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(content))
	}

	raw, err := layerfs.ReadFile(inner.Root(), layerfs.P("docs/a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) >= len(content) {
		t.Errorf("expected stored bytes to be compressed, got %d >= %d", len(raw), len(content))
	}
}

func TestEmptyFile(t *testing.T) {
	inner, _ := filer.NewMemory()
	v := New(inner)

	if err := layerfs.WriteFile(v.Root(), layerfs.P("empty"), nil); err != nil {
		t.Fatal(err)
	}
	got, err := layerfs.ReadFile(v.Root(), layerfs.P("empty"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty content, got %q", got)
	}

	// Created but never written: nothing stored below.
	if _, err := layerfs.CreateFile(v.Root(), layerfs.P("untouched")); err != nil {
		t.Fatal(err)
	}
	got, err = layerfs.ReadFile(v.Root(), layerfs.P("untouched"))
	if err != nil {
		t.Fatalf("reading an untouched file failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty content, got %q", got)
	}
}

func TestStructurePassesThrough(t *testing.T) {
	inner, err := direct.New(t.TempDir(), layerfs.Read|layerfs.Write)
	if err != nil {
		t.Fatal(err)
	}
	v := New(inner)
	defer v.Close()

	if _, err := layerfs.CreateDir(v.Root(), layerfs.P("x/y")); err != nil {
		t.Fatal(err)
	}
	if _, err := layerfs.CreateFile(v.Root(), layerfs.P("x/f")); err != nil {
		t.Fatal(err)
	}

	x, err := v.Root().Dir("x")
	if err != nil {
		t.Fatal(err)
	}
	children, err := x.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if _, ok := children[0].(*file); !ok {
		t.Errorf("expected listed file to be wrapped, got %T", children[0])
	}
	if _, ok := children[1].(*dir); !ok {
		t.Errorf("expected listed dir to be wrapped, got %T", children[1])
	}

	if v.Capabilities() != inner.Capabilities() {
		t.Error("capabilities should pass through unchanged")
	}
}

func TestDoubleClose(t *testing.T) {
	inner, _ := filer.NewMemory()
	v := New(inner)
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}
