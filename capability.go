package layerfs

import "strings"

// Capabilities is the set of features a VFS instance advertises. Callers
// query it to decide whether an operation is safe; the framework does not
// enforce it on their behalf.
type Capabilities uint16

const (
	Read Capabilities = 1 << iota
	Write
	ParallelRead
	ParallelWrite
	CaseSensitive
	Digest
	UniqueElement
)

var capabilityNames = []struct {
	c    Capabilities
	name string
}{
	{Read, "READ"},
	{Write, "WRITE"},
	{ParallelRead, "PARALLEL_READ"},
	{ParallelWrite, "PARALLEL_WRITE"},
	{CaseSensitive, "CASE_SENSITIVE"},
	{Digest, "DIGEST"},
	{UniqueElement, "UNIQUE_ELEMENT"},
}

// Has reports whether every capability in other is present.
func (c Capabilities) Has(other Capabilities) bool {
	return c&other == other
}

// With returns c plus other.
func (c Capabilities) With(other Capabilities) Capabilities {
	return c | other
}

// Without returns c minus other.
func (c Capabilities) Without(other Capabilities) Capabilities {
	return c &^ other
}

func (c Capabilities) String() string {
	var names []string
	for _, n := range capabilityNames {
		if c.Has(n.c) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "NONE"
	}
	return strings.Join(names, "|")
}

// ParseCapability returns the capability with the given name, as printed by
// String.
func ParseCapability(name string) (Capabilities, bool) {
	for _, n := range capabilityNames {
		if strings.EqualFold(n.name, name) {
			return n.c, true
		}
	}
	return 0, false
}
