/*
Package layerfs provides a layered virtual filesystem framework: storage
backends (real directories, zip and 7z archives, absfs filesystems) that can be
wrapped by independent filters (compression, content digests, case-insensitive
name encoding, prefixing, union overlay), each filter re-exposing the same
contract as the store below it.

# Overview

Every store implements VFS: a root Dir, a Capabilities set, a description and
a Close method. Directories and files are addressed one segment at a time
through Dir, and by Path through the package-level helpers:

	root := v.Root()
	f, err := layerfs.CreateFile(root, layerfs.P("a/b.txt"))
	w, err := f.Create()
	w.Write([]byte("hello"))
	w.Close()

	data, err := layerfs.ReadFile(root, layerfs.P("a/b.txt"))

# Stacking

Filters take the VFS they wrap and own it: closing the outermost filter
flushes its derived state (digest sidecar, case-insensitive index) and then
closes the store below it.

	store, _ := direct.New("/var/cache/artifacts", layerfs.Read|layerfs.Write)
	compressed := deflate.New(store)
	v, _ := digest.New(compressed)
	defer v.Close()

The prefix filter is the exception: it carves a subtree out of a store that
someone else closes.

# Capabilities

A VFS advertises what it can do (Read, Write, ParallelRead, ParallelWrite,
CaseSensitive, Digest, UniqueElement). Callers check the set before relying on
a behavior, for example before opening output streams from several goroutines:

	if v.NeedsSequentialWriting() {
	    // one output stream at a time
	}

# Paths

Path is a comparable value holding the canonical '/'-joined form, so paths
built with different separators or through different appends compare equal
when they name the same segments:

	p, _ := layerfs.ParsePath(`a\b`, '\\')
	p == layerfs.P("a/b") // true

# Errors

Lookup, create and delete failures are *fs.PathError values wrapping one of the
sentinels in this package (ErrNoSuchFile, ErrNotFile, ErrNotDirectory, ...), so
errors.Is works through any number of layers. Misuse of a store (writing
without the Write permission, a second output stream on a sequential-writing
store, streams leaked past Close) panics with a *ContractViolation.

# Thread Safety

Shared directory state is guarded per directory. Reads from several goroutines
are safe when ParallelRead is advertised, writes when ParallelWrite is.
*/
package layerfs
