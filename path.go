package layerfs

import (
	"fmt"
	"iter"
	"strings"
)

// Separator is the separator used by the canonical form of a Path.
const Separator = '/'

// Path is a relative, separator-agnostic path inside a VFS. The zero value is
// the root. A Path holds only its canonical form, so two paths are equal (and
// hash equally as map keys) whenever they denote the same segments, no matter
// which separator or which sequence of appends produced them.
type Path struct {
	s string
}

// Root is the empty path.
var Root = Path{}

// ParsePath builds a Path from text whose segments are separated by sep.
// The text must not start or end with sep and must not contain a doubled sep.
func ParsePath(text string, sep byte) (Path, error) {
	if text == "" {
		return Root, nil
	}
	if text[0] == sep || text[len(text)-1] == sep {
		return Root, invalidPath(text, "leading or trailing separator")
	}
	if strings.Contains(text, string([]byte{sep, sep})) {
		return Root, invalidPath(text, "doubled separator")
	}
	if hasControl(text) {
		return Root, invalidPath(text, "control character")
	}
	if sep != Separator {
		if strings.IndexByte(text, Separator) >= 0 {
			return Root, invalidPath(text, "segment contains '/'")
		}
		text = strings.ReplaceAll(text, string(sep), string(Separator))
	}
	for seg := range (Path{s: text}).Segments() {
		if seg == "." || seg == ".." {
			return Root, invalidPath(text, "relative segment")
		}
	}
	return Path{s: text}, nil
}

// MustParsePath is like ParsePath but panics on malformed text.
func MustParsePath(text string, sep byte) Path {
	p, err := ParsePath(text, sep)
	if err != nil {
		panic(err)
	}
	return p
}

// P parses a '/'-separated path and panics if it is malformed.
func P(text string) Path {
	return MustParsePath(text, Separator)
}

func invalidPath(text, reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidPath, text, reason)
}

// ValidName reports whether name can be used as a single path segment.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	case name == "." || name == "..":
		return invalidPath(name, "relative segment")
	case strings.IndexByte(name, Separator) >= 0:
		return invalidPath(name, "name contains '/'")
	case hasControl(name):
		return invalidPath(name, "control character")
	}
	return nil
}

// hasControl reports whether s holds an ASCII control character. Names end
// up in line-oriented sidecar files, where a newline cannot be represented.
func hasControl(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r < 0x20 || r == 0x7f }) >= 0
}

// String returns the canonical '/'-separated form.
func (p Path) String() string {
	return p.s
}

// Format joins the segments with sep.
func (p Path) Format(sep byte) string {
	if sep == Separator {
		return p.s
	}
	return strings.ReplaceAll(p.s, string(Separator), string(sep))
}

// IsRoot reports whether p is the empty path.
func (p Path) IsRoot() bool {
	return p.s == ""
}

// Segments yields the non-empty segments of p lazily.
func (p Path) Segments() iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := p.s
		for rest != "" {
			seg, tail, _ := strings.Cut(rest, string(Separator))
			if !yield(seg) {
				return
			}
			rest = tail
		}
	}
}

// Split returns the segments of p.
func (p Path) Split() []string {
	if p.s == "" {
		return nil
	}
	return strings.Split(p.s, string(Separator))
}

// Depth is the number of segments.
func (p Path) Depth() int {
	if p.s == "" {
		return 0
	}
	return strings.Count(p.s, string(Separator)) + 1
}

// Append returns p followed by other.
func (p Path) Append(other Path) Path {
	switch {
	case p.s == "":
		return other
	case other.s == "":
		return p
	}
	return Path{s: p.s + string(Separator) + other.s}
}

// Prepend returns other followed by p.
func (p Path) Prepend(other Path) Path {
	return other.Append(p)
}

// Child appends a single segment. The name is not validated; callers pass
// names that came out of a listing or went through ValidName.
func (p Path) Child(name string) Path {
	return p.Append(Path{s: name})
}

// AddSuffix appends raw text to the last segment.
func (p Path) AddSuffix(suffix string) (Path, error) {
	if strings.IndexByte(suffix, Separator) >= 0 {
		return p, invalidPath(suffix, "suffix contains '/'")
	}
	if hasControl(suffix) {
		return p, invalidPath(suffix, "control character")
	}
	return Path{s: p.s + suffix}, nil
}

// LastSegment returns the final segment, or "" for the root.
func (p Path) LastSegment() string {
	i := strings.LastIndexByte(p.s, Separator)
	return p.s[i+1:]
}

// Parent returns p without its last segment. The parent of the root is the
// root.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(p.s, Separator)
	if i < 0 {
		return Root
	}
	return Path{s: p.s[:i]}
}

// HasPrefix reports whether p equals prefix or lies below it.
func (p Path) HasPrefix(prefix Path) bool {
	if prefix.s == "" || p.s == prefix.s {
		return true
	}
	return strings.HasPrefix(p.s, prefix.s+string(Separator))
}

// TrimPrefix returns p relative to prefix.
func (p Path) TrimPrefix(prefix Path) (Path, bool) {
	if !p.HasPrefix(prefix) {
		return p, false
	}
	if prefix.s == "" {
		return p, true
	}
	return Path{s: strings.TrimPrefix(strings.TrimPrefix(p.s, prefix.s), string(Separator))}, true
}
