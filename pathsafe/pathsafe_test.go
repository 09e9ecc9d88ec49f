package pathsafe

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestJoin_SimpleSegments(t *testing.T) {
	r := NewRoot("/data/workspaces")
	got, err := r.Join("ws-1", "documents", "a.xlsx")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	want := filepath.Join("/data/workspaces", "ws-1", "documents", "a.xlsx")
	if got != want {
		t.Errorf("join = %q, want %q", got, want)
	}
}

func TestJoin_RejectsTraversal(t *testing.T) {
	r := NewRoot("/data/workspaces")
	cases := []string{
		"..",
		"../etc/passwd",
		"a/../../b",
		"a/..",
		"..\\windows",
	}
	for _, seg := range cases {
		if _, err := r.Join(seg); err == nil {
			t.Errorf("Join(%q) should fail", seg)
		} else {
			var unsafe *UnsafePathError
			if !errors.As(err, &unsafe) {
				t.Errorf("Join(%q) error type = %T, want *UnsafePathError", seg, err)
			}
		}
	}
}

func TestJoin_RejectsEmptyAndDot(t *testing.T) {
	r := NewRoot("/data")
	for _, seg := range []string{"", "."} {
		if _, err := r.Join(seg); err == nil {
			t.Errorf("Join(%q) should fail", seg)
		}
	}
}

func TestJoin_RejectsAbsolute(t *testing.T) {
	r := NewRoot("/data")
	for _, seg := range []string{"/etc/passwd", "\\\\share\\x", "C:\\temp"} {
		if _, err := r.Join(seg); err == nil {
			t.Errorf("Join(%q) should fail", seg)
		}
	}
}

func TestJoin_AllowsNestedRelative(t *testing.T) {
	r := NewRoot("/data")
	got, err := r.Join("runs/run-1/input")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !strings.HasPrefix(got, "/data") {
		t.Errorf("join = %q, escapes root", got)
	}
}

func TestJoin_ResultAlwaysDescendant(t *testing.T) {
	r := NewRoot("/data/workspaces")
	inputs := [][]string{
		{"ws", "docs", "file.bin"},
		{"deep/nested/tree"},
		{"a", "b/c", "d"},
	}
	for _, segs := range inputs {
		got, err := r.Join(segs...)
		if err != nil {
			t.Fatalf("Join(%v): %v", segs, err)
		}
		rel, err := filepath.Rel("/data/workspaces", got)
		if err != nil || strings.HasPrefix(rel, "..") {
			t.Errorf("Join(%v) = %q, not a descendant", segs, got)
		}
	}
}

func TestFromFileURI(t *testing.T) {
	cases := []struct{ in, want string }{
		{"file:rel/path.xlsx", "rel/path.xlsx"},
		{"file:///abs/path.xlsx", "/abs/path.xlsx"},
		{"plain/path.xlsx", "plain/path.xlsx"},
	}
	for _, c := range cases {
		if got := FromFileURI(c.in); got != c.want {
			t.Errorf("FromFileURI(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLayout_DocumentPath(t *testing.T) {
	l := NewLayout("/data", "", "", "")

	got, err := l.DocumentPath("ws-1", "file:2026/08/doc.xlsx")
	if err != nil {
		t.Fatalf("document path: %v", err)
	}
	want := "/data/workspaces/ws-1/documents/2026/08/doc.xlsx"
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}

	// Absolute file URIs are treated as relative to the documents root.
	got, err = l.DocumentPath("ws-1", "file:///2026/08/doc.xlsx")
	if err != nil {
		t.Fatalf("document path: %v", err)
	}
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}

func TestLayout_DocumentPathRejectsEscape(t *testing.T) {
	l := NewLayout("/data", "", "", "")
	if _, err := l.DocumentPath("ws-1", "file:../../secrets"); err == nil {
		t.Error("traversal in stored URI should fail")
	}
}

func TestLayout_EnvPaths(t *testing.T) {
	l := NewLayout("/data", "", "", "")
	venv, err := l.VenvDir("ws", "cfg", "sha256:abcd", "env-1")
	if err != nil {
		t.Fatalf("venv dir: %v", err)
	}
	want := "/data/venvs/ws/cfg/abcd/env-1/.venv"
	if venv != want {
		t.Errorf("venv = %q, want %q", venv, want)
	}
}

func TestPythonInVenv(t *testing.T) {
	got := PythonInVenv("/x/.venv")
	if !strings.HasSuffix(got, "python") && !strings.HasSuffix(got, "python.exe") {
		t.Errorf("unexpected interpreter path %q", got)
	}
}
