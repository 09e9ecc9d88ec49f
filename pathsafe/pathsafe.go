// Package pathsafe composes filesystem paths for workspaces, documents,
// configuration packages, runs, environments, and caches. Every resolved
// path is guaranteed to remain inside its declared root; violations are
// rejected before any I/O happens.
package pathsafe

import (
	"fmt"
	"path/filepath"
	"strings"
)

// UnsafePathError is returned for any path that would escape its root or
// carries a forbidden segment. Callers must not attempt the I/O.
type UnsafePathError struct {
	Segment string
	Reason  string
}

func (e *UnsafePathError) Error() string {
	return fmt.Sprintf("unsafe path segment %q: %s", e.Segment, e.Reason)
}

// Root is a directory under which all composed paths must stay.
type Root struct {
	base string
}

// NewRoot creates a Root from an absolute or relative base directory.
// The base is cleaned once; it is trusted, unlike joined segments.
func NewRoot(base string) Root {
	return Root{base: filepath.Clean(base)}
}

// Base returns the root directory.
func (r Root) Base() string { return r.base }

// Join composes root/s1/.../sn, rejecting empty segments, ".", any "..",
// absolute components, and any resolved path that does not remain a
// descendant of the root.
func (r Root) Join(segments ...string) (string, error) {
	if len(segments) == 0 {
		return r.base, nil
	}
	for _, seg := range segments {
		if err := checkSegment(seg); err != nil {
			return "", err
		}
	}
	joined := filepath.Join(append([]string{r.base}, segments...)...)
	if !within(r.base, joined) {
		return "", &UnsafePathError{Segment: strings.Join(segments, "/"), Reason: "escapes root"}
	}
	return joined, nil
}

// checkSegment validates one untrusted segment. A segment may contain
// separators (relative sub-paths are allowed) but no traversal.
func checkSegment(seg string) error {
	if seg == "" {
		return &UnsafePathError{Segment: seg, Reason: "empty segment"}
	}
	if seg == "." {
		return &UnsafePathError{Segment: seg, Reason: "current-directory segment"}
	}
	if filepath.IsAbs(seg) || strings.HasPrefix(seg, "/") || strings.HasPrefix(seg, "\\") {
		return &UnsafePathError{Segment: seg, Reason: "absolute component"}
	}
	// Windows drive letters slip past filepath.IsAbs on non-Windows hosts.
	if len(seg) >= 2 && seg[1] == ':' {
		return &UnsafePathError{Segment: seg, Reason: "absolute component"}
	}
	for _, part := range strings.FieldsFunc(seg, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return &UnsafePathError{Segment: seg, Reason: "parent traversal"}
		}
	}
	return nil
}

// within reports whether path is base or a descendant of base.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// FromFileURI strips a file: scheme from a stored URI. Both "file:rel/path"
// and "file:///abs/path" forms are supported; anything else is returned
// unchanged as a relative path.
func FromFileURI(uri string) string {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return strings.TrimPrefix(uri, "file://")
	case strings.HasPrefix(uri, "file:"):
		return strings.TrimPrefix(uri, "file:")
	default:
		return uri
	}
}
