package union

import (
	"fmt"
	"testing"
	"time"

	"github.com/absfs/layerfs"
)

func newBenchUnion(b *testing.B, opts ...Option) *VFS {
	base := mustNewMemory(b)
	overlay := mustNewMemory(b)
	for i := 0; i < 100; i++ {
		writeFile(b, base, fmt.Sprintf("file%d.txt", i), "content")
	}
	return mustNew(b, []layerfs.VFS{overlay, base}, opts...)
}

// BenchmarkLookupWithoutCache benchmarks lookups resolved in the base layer
func BenchmarkLookupWithoutCache(b *testing.B) {
	ufs := newBenchUnion(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ufs.Root().File("file50.txt"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLookupWithCache benchmarks lookups with the lookup cache enabled
func BenchmarkLookupWithCache(b *testing.B) {
	ufs := newBenchUnion(b, WithLookupCache(5*time.Minute))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ufs.Root().File("file50.txt"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkNegativeLookupWithCache benchmarks lookups of missing files with the cache enabled
func BenchmarkNegativeLookupWithCache(b *testing.B) {
	ufs := newBenchUnion(b, WithLookupCache(5*time.Minute))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ufs.Root().File("nonexistent.txt")
	}
}

// BenchmarkCopyOnWrite benchmarks writes that shadow base layer files
func BenchmarkCopyOnWrite(b *testing.B) {
	ufs := newBenchUnion(b)
	data := []byte("modified content")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := layerfs.P(fmt.Sprintf("file%d.txt", i%100))
		if err := layerfs.WriteFile(ufs.Root(), p, data); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDirectoryMerge benchmarks listing a directory present in both layers
func BenchmarkDirectoryMerge(b *testing.B) {
	ufs := newBenchUnion(b)
	for i := 0; i < 50; i++ {
		writeFile(b, ufs.layers[0], fmt.Sprintf("overlay%d.txt", i), "content")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ufs.Root().List(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkLayerLookupDepth benchmarks lookups with varying layer depths
func BenchmarkLayerLookupDepth(b *testing.B) {
	for _, depth := range []int{2, 5, 10} {
		b.Run(fmt.Sprintf("depth-%d", depth), func(b *testing.B) {
			layers := make([]layerfs.VFS, depth)
			for i := range layers {
				layers[i] = mustNewMemory(b)
			}
			writeFile(b, layers[depth-1], "deep/bottom.txt", "content")
			ufs := mustNew(b, layers)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := layerfs.GetFile(ufs.Root(), layerfs.P("deep/bottom.txt")); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
