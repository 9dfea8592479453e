package treestore

import (
	"net/url"
	"strings"
)

// Path addresses a node in the tree. The first segment names a collection,
// the second a document, deeper segments address nodes inside the document.
type Path []string

// P builds a Path from segments. Segments containing '/' are split.
func P(segments ...string) Path {
	p := make(Path, 0, len(segments))
	for _, s := range segments {
		for _, part := range strings.Split(s, "/") {
			if part != "" {
				p = append(p, part)
			}
		}
	}
	return p
}

// String renders the path with '/' separators.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Child returns a new path with segments appended.
func (p Path) Child(segments ...string) Path {
	out := make(Path, len(p), len(p)+len(segments))
	copy(out, p)
	return append(out, P(segments...)...)
}

// Collection returns the first segment.
func (p Path) Collection() string {
	if len(p) == 0 {
		return ""
	}
	return p[0]
}

// Document returns the second segment.
func (p Path) Document() string {
	if len(p) < 2 {
		return ""
	}
	return p[1]
}

// Inner returns the segments below the document root.
func (p Path) Inner() []string {
	if len(p) <= 2 {
		return nil
	}
	return p[2:]
}

// IsCollection reports whether p addresses a whole collection.
func (p Path) IsCollection() bool {
	return len(p) == 1
}

// IsDocument reports whether p addresses a document root.
func (p Path) IsDocument() bool {
	return len(p) == 2
}

// EscapeKey turns an arbitrary string (e.g. an email) into a single segment.
func EscapeKey(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ".", "%2E")
}
